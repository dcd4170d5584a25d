package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kazz187/taskbot/pkg/shellcheck"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned grandchildren.
const waitDelay = 2 * time.Second

type runSpec struct {
	dir       string
	env       []string
	timeout   time.Duration
	outputCap int
	// isolateNet runs the child without network access. A child that cannot
	// be isolated is never started.
	isolateNet bool
}

var scriptNames = map[Language]string{
	Python:     "main.py",
	JavaScript: "main.js",
	Bash:       "main.sh",
}

var interpreters = map[Language]string{
	Python:     "python3",
	JavaScript: "node",
	Bash:       "bash",
}

// runCode writes code into rs.dir and runs it with the language interpreter.
func runCode(ctx context.Context, rs runSpec, lang Language, code string) Result {
	name, ok := scriptNames[lang]
	if !ok {
		return failure(-1, fmt.Sprintf("unsupported language %q", lang))
	}
	if lang == Bash {
		if err := shellcheck.Check(code); err != nil {
			return failure(2, err.Error())
		}
	}
	path := filepath.Join(rs.dir, name)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return failure(-1, fmt.Sprintf("failed to write script: %v", err))
	}
	defer os.Remove(path)

	return runCommand(ctx, rs, interpreters[lang], name)
}

func runCommand(ctx context.Context, rs runSpec, name string, args ...string) Result {
	execCtx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Dir = rs.dir
	cmd.Env = rs.env
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	if rs.isolateNet {
		if err := isolateNetwork(cmd); err != nil {
			return failure(-1, err.Error())
		}
	}

	stdout := newCappedBuffer(rs.outputCap)
	stderr := newCappedBuffer(rs.outputCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		slog.WarnContext(ctx, "code execution timed out", "command", name, "timeout", rs.timeout)
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += err.Error()
	}
	return res
}
