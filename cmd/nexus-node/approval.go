package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/nexus-node/internal/node"
)

const maxPromptParams = 200

// terminalApprover asks the operator on a terminal, one request at a time.
type terminalApprover struct {
	out   io.Writer
	lines <-chan string
	turn  chan struct{}
}

func newTerminalApprover(in io.Reader, out io.Writer) *terminalApprover {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	turn := make(chan struct{}, 1)
	turn <- struct{}{}
	return &terminalApprover{out: out, lines: lines, turn: turn}
}

// Approve is a node.ApprovalHandler. Only "y" or "yes" approves.
func (a *terminalApprover) Approve(ctx context.Context, req node.ApprovalRequest) bool {
	select {
	case <-a.turn:
	case <-ctx.Done():
		return false
	}
	defer func() { a.turn <- struct{}{} }()

	fmt.Fprintf(a.out, "\nApproval required: %s (risk %s)\n  request: %s\n  caller:  %s\n",
		req.Capability, req.RiskLevel, req.RequestID, req.CallerDeviceID)
	if params := formatParams(req.Params); params != "" {
		fmt.Fprintf(a.out, "  params:  %s\n", params)
	}
	fmt.Fprint(a.out, "Allow? [y/N] ")

	select {
	case line, ok := <-a.lines:
		if !ok {
			fmt.Fprintln(a.out)
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	case <-ctx.Done():
		fmt.Fprintln(a.out, "\nNo answer; denied.")
		return false
	}
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "(unprintable)"
	}
	s := string(data)
	if len(s) > maxPromptParams {
		s = s[:maxPromptParams] + "..."
	}
	return s
}
