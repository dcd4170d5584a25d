package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kazz187/taskbot/pkg/shellcheck"
)

const sandboxPath = "/usr/local/bin:/usr/bin:/bin"

// blockedCommands are refused in sandboxed shell code: package managers and
// network clients.
var blockedCommands = map[string]struct{}{
	"apt": {}, "apt-get": {}, "apk": {}, "yum": {}, "dnf": {}, "brew": {},
	"pip": {}, "pip3": {}, "npm": {}, "npx": {}, "yarn": {}, "pnpm": {}, "gem": {},
	"curl": {}, "wget": {}, "nc": {}, "ncat": {}, "ssh": {}, "scp": {}, "sudo": {},
}

// installPattern matches package installs spelled out in Python or
// JavaScript source, usually inside a subprocess call.
var installPattern = regexp.MustCompile(`\b(?:pip3?|apt-get|apt|apk|yum|dnf|brew|npm|yarn|pnpm|gem)\b["',\s]+(?:install|add|i)\b|-m["',\s]+pip\b|\bnpx\b["',\s]+\S`)

var ErrNetworkIsolationUnavailable = errors.New("network isolation is unavailable")

type SandboxConfig struct {
	Timeout   time.Duration
	OutputCap int
	// BaseDir is where per-call directories are created. Empty means os.TempDir.
	BaseDir string
}

// Sandbox is the constrained executor. Each call gets a fresh directory that
// is removed afterwards, and the child sees only a minimal environment and
// no network.
type Sandbox struct {
	cfg SandboxConfig
}

// NewSandbox fails with ErrNetworkIsolationUnavailable when the host cannot
// start a child in its own network namespace.
func NewSandbox(cfg SandboxConfig) (*Sandbox, error) {
	if err := probeNetworkIsolation(); err != nil {
		return nil, err
	}
	return &Sandbox{cfg: cfg}, nil
}

var probeNetworkIsolation = func() error {
	name, args := "true", []string(nil)
	if _, err := exec.LookPath(name); err != nil {
		name, args = "sh", []string{"-c", "exit 0"}
	}
	cmd := exec.Command(name, args...)
	cmd.Env = []string{"PATH=" + sandboxPath}
	if err := isolateNetwork(cmd); err != nil {
		return err
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkIsolationUnavailable, err)
	}
	return nil
}

func (s *Sandbox) Execute(ctx context.Context, req Request) Result {
	if res, blocked := checkBlocked(req.Language, req.Code); blocked {
		return res
	}

	dir, err := os.MkdirTemp(s.cfg.BaseDir, "sandbox-*")
	if err != nil {
		return failure(-1, fmt.Sprintf("failed to create sandbox directory: %v", err))
	}
	defer os.RemoveAll(dir)

	rs := runSpec{
		dir:        dir,
		env:        sandboxEnv(dir),
		timeout:    clampTimeout(req.Timeout, s.cfg.Timeout),
		outputCap:  s.cfg.OutputCap,
		isolateNet: true,
	}
	return runCode(ctx, rs, req.Language, req.Code)
}

func sandboxEnv(dir string) []string {
	return []string{
		"PATH=" + sandboxPath,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PIP_NO_INDEX=1",
		"npm_config_offline=true",
	}
}

func checkBlocked(lang Language, code string) (Result, bool) {
	if lang != Bash {
		if m := installPattern.FindString(code); m != "" {
			return failure(126, fmt.Sprintf("package installation not permitted in sandbox: %s", m)), true
		}
		return Result{}, false
	}
	cmds, err := shellcheck.Commands(code)
	if err != nil {
		return failure(2, err.Error()), true
	}
	var hits []string
	for _, c := range cmds {
		if _, ok := blockedCommands[c]; ok {
			hits = append(hits, c)
		}
	}
	if len(hits) == 0 {
		return Result{}, false
	}
	return failure(126, fmt.Sprintf("command not permitted in sandbox: %s", strings.Join(hits, ", "))), true
}
