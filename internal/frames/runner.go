package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// maxStderrLines bounds how much tool output is kept for error reports.
const maxStderrLines = 20

// Runner executes an external tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolError is a non-zero exit of an external tool with the tail of its stderr.
type ToolError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ExecRunner runs tools with exec.CommandContext, so cancellation kills the process.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run starts the tool, drains stdout, and monitors stderr until it exits.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}

	var (
		wg     sync.WaitGroup
		stdout bytes.Buffer
		tail   []string
	)
	wg.Add(2)

	// Keep the last stderr lines for the error report
	go func() {
		defer wg.Done()
		tail = r.monitorOutput(name, stderrPipe)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, stdoutPipe)
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, &ToolError{Tool: name, Err: ctx.Err()}
		}
		return nil, &ToolError{Tool: name, Err: err, Stderr: strings.Join(tail, "\n")}
	}

	return stdout.Bytes(), nil
}

func (r *ExecRunner) monitorOutput(name string, rd io.Reader) []string {
	var tail []string
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := scanner.Text()
		if r.Logger != nil {
			r.Logger.Debug("tool output", "tool", name, "output", line)
		}
		tail = append(tail, line)
		if len(tail) > maxStderrLines {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil && r.Logger != nil {
		r.Logger.Warn("tool output scanner error", "tool", name, "error", err)
	}
	return tail
}
