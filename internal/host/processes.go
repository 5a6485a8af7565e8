package host

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// ProcessInfo describes one running process.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Processes lists, terminates and launches processes.
type Processes interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Kill(ctx context.Context, pid int) error
	Launch(ctx context.Context, program string, args []string) (int, error)
}

// ErrProcessNotFound is returned when no process matches a kill target.
var ErrProcessNotFound = errors.New("process not found")

// ProcessTable implements Processes with ps/tasklist and os/exec.
type ProcessTable struct {
	Run      CommandRunner
	Platform string
}

// NewProcessTable returns a ProcessTable for the current machine.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{Run: ExecRunner, Platform: runtime.GOOS}
}

// List returns running processes.
func (p *ProcessTable) List(ctx context.Context) ([]ProcessInfo, error) {
	run := runnerOrDefault(p.Run)
	if p.Platform == "windows" {
		out, err := run(ctx, "tasklist", "/fo", "csv", "/nh")
		if err != nil {
			return nil, err
		}
		return ParseTasklist(out)
	}
	out, err := run(ctx, "ps", "-axo", "pid=,comm=")
	if err != nil {
		return nil, err
	}
	return ParsePS(out), nil
}

// Kill terminates pid.
func (p *ProcessTable) Kill(_ context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return err
	}
	return nil
}

// Launch starts program detached from the request and returns its pid.
func (p *ProcessTable) Launch(_ context.Context, program string, args []string) (int, error) {
	cmd := exec.Command(program, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// ParsePS parses `ps -axo pid=,comm=` output.
func ParsePS(out []byte) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidField)
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Name: strings.TrimSpace(name)})
	}
	return procs
}

// ParseTasklist parses `tasklist /fo csv /nh` output.
func ParseTasklist(out []byte) ([]ProcessInfo, error) {
	r := csv.NewReader(strings.NewReader(string(out)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tasklist: %w", err)
	}
	procs := make([]ProcessInfo, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Name: rec[0]})
	}
	return procs, nil
}
