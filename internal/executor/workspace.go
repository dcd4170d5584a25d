package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type WorkspaceConfig struct {
	Root      string
	Timeout   time.Duration
	OutputCap int
}

// Workspaces hands out per-task privileged workspaces under one root.
type Workspaces struct {
	cfg WorkspaceConfig
}

func NewWorkspaces(cfg WorkspaceConfig) *Workspaces {
	return &Workspaces{cfg: cfg}
}

// Open creates (or reuses) the directory for taskID. The caller owns the
// workspace until Close.
func (w *Workspaces) Open(taskID string) (*Workspace, error) {
	if !filepath.IsLocal(taskID) || filepath.Base(taskID) != taskID {
		return nil, fmt.Errorf("invalid task id %q for workspace", taskID)
	}
	root, err := filepath.Abs(w.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work root: %w", err)
	}
	dir := filepath.Join(root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir, cfg: w.cfg}, nil
}

// Workspace is the privileged executor bound to one task. State written by
// one call is visible to the next until Close.
type Workspace struct {
	dir       string
	cfg       WorkspaceConfig
	closeOnce sync.Once
	closeErr  error
}

func (ws *Workspace) Dir() string {
	return ws.dir
}

func (ws *Workspace) runSpec(timeout time.Duration) runSpec {
	return runSpec{
		dir:       ws.dir,
		env:       os.Environ(),
		timeout:   clampTimeout(timeout, ws.cfg.Timeout),
		outputCap: ws.cfg.OutputCap,
	}
}

func (ws *Workspace) Execute(ctx context.Context, req Request) Result {
	return runCode(ctx, ws.runSpec(req.Timeout), req.Language, req.Code)
}

// RunShell runs a bash script in the workspace.
func (ws *Workspace) RunShell(ctx context.Context, script string, timeout time.Duration) Result {
	return ws.Execute(ctx, Request{Language: Bash, Code: script, Timeout: timeout})
}

// Git runs git with args in the workspace.
func (ws *Workspace) Git(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return failure(2, "git requires at least one argument")
	}
	return runCommand(ctx, ws.runSpec(0), "git", args...)
}

// Path resolves name inside the workspace, rejecting escapes.
func (ws *Workspace) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) {
		rel, err := filepath.Rel(ws.dir, clean)
		if err != nil {
			return "", ErrOutsideWorkspace
		}
		clean = rel
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, name)
	}
	return filepath.Join(ws.dir, clean), nil
}

func (ws *Workspace) WriteFile(name string, data []byte) (string, error) {
	p, err := ws.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return p, nil
}

// ReadFile returns at most limit bytes of name and whether more remained.
func (ws *Workspace) ReadFile(name string, limit int) ([]byte, bool, error) {
	p, err := ws.Path(name)
	if err != nil {
		return nil, false, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// Close removes the workspace directory. It is safe to call more than once.
func (ws *Workspace) Close() error {
	ws.closeOnce.Do(func() {
		if err := os.RemoveAll(ws.dir); err != nil {
			ws.closeErr = fmt.Errorf("failed to remove workspace: %w", err)
		}
	})
	return ws.closeErr
}
