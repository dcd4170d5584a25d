// Package executor runs model-authored code in a child process. Sandbox is
// the constrained variant; Workspace is the privileged, per-task variant.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	Bash       Language = "bash"
)

func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return Python, nil
	case "javascript", "js", "node":
		return JavaScript, nil
	case "bash", "sh", "shell":
		return Bash, nil
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

type Request struct {
	Language Language
	Code     string
	// Timeout overrides the executor default. It is clamped to the executor ceiling.
	Timeout time.Duration
}

type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timedOut"`

	// Truncated reports that a stream went over the output cap.
	Truncated bool `json:"truncated,omitempty"`
}

func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// String renders the result as tool output for the model.
func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "success: %t\nexit_code: %d\ntimed_out: %t\nduration_ms: %d\n", r.Success, r.ExitCode, r.TimedOut, r.DurationMs())
	if r.Truncated {
		b.WriteString("truncated: true\n")
	}
	if r.Stdout != "" {
		b.WriteString("--- stdout ---\n")
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		b.WriteString("--- stderr ---\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// failure is a Result for a request that never spawned a process.
func failure(exitCode int, msg string) Result {
	return Result{Success: false, ExitCode: exitCode, Stderr: msg}
}

func clampTimeout(requested, ceiling time.Duration) time.Duration {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
