package host

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strings"
	"time"
)

// SystemInfo is the read-only host summary returned by system.info.
type SystemInfo struct {
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Release   string `json:"release"`
	Label     string `json:"label"`
	CPUs      int    `json:"cpus"`
	GoVersion string `json:"go_version"`
	PID       int    `json:"pid"`
	Uptime    string `json:"node_uptime"`
}

var started = time.Now()

// InfoReader collects SystemInfo.
type InfoReader struct {
	Run      CommandRunner
	Platform string
	// OSRelease is read on linux; tests point it at a fixture.
	OSRelease string
}

// NewInfoReader returns a reader for the current machine.
func NewInfoReader() *InfoReader {
	return &InfoReader{Run: ExecRunner, Platform: runtime.GOOS, OSRelease: "/etc/os-release"}
}

// Info returns host facts. Missing details degrade to "unknown" rather than
// failing the call.
func (r *InfoReader) Info(ctx context.Context) SystemInfo {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	platform := r.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	release, distro := r.release(ctx, platform)

	label := platform
	switch {
	case platform == "darwin":
		label = "macos"
	case distro != "":
		label = distro
	}
	return SystemInfo{
		Hostname:  hostname,
		Platform:  platform,
		Arch:      runtime.GOARCH,
		Release:   release,
		Label:     label + " " + release + " (" + runtime.GOARCH + ")",
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
		Uptime:    time.Since(started).Round(time.Second).String(),
	}
}

func (r *InfoReader) release(ctx context.Context, platform string) (release, distro string) {
	run := runnerOrDefault(r.Run)
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	switch platform {
	case "darwin":
		if out, err := run(ctx, "sw_vers", "-productVersion"); err == nil {
			return strings.TrimSpace(string(out)), ""
		}
	case "linux":
		if distro, version := readOSRelease(r.OSRelease); version != "" {
			return version, distro
		}
		if out, err := run(ctx, "uname", "-r"); err == nil {
			return strings.TrimSpace(string(out)), ""
		}
	case "windows":
		if out, err := run(ctx, "cmd", "/c", "ver"); err == nil {
			return strings.TrimSpace(string(out)), ""
		}
	}
	return "unknown", ""
}

func readOSRelease(path string) (distro, version string) {
	if path == "" {
		return "", ""
	}
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			distro = value
		case "VERSION_ID":
			version = value
		}
	}
	return distro, version
}
