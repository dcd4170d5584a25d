package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func newTestSandbox(t *testing.T, timeout time.Duration, outputCap int) *Sandbox {
	t.Helper()
	s, err := NewSandbox(SandboxConfig{Timeout: timeout, OutputCap: outputCap, BaseDir: t.TempDir()})
	if errors.Is(err, ErrNetworkIsolationUnavailable) {
		t.Skipf("sandbox cannot run here: %v", err)
	}
	require.NoError(t, err)
	return s
}

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		writes []string
		want   string
	}{
		{name: "under cap", max: 10, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "exactly cap", max: 3, writes: []string{"abc"}, want: "abc"},
		{name: "over cap", max: 4, writes: []string{"abc", "defgh"}, want: "abcd\n...[truncated 4 bytes]"},
		{name: "writes after full", max: 2, writes: []string{"ab", "cd", "e"}, want: "ab\n...[truncated 3 bytes]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newCappedBuffer(tt.max)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]Language{"Python": Python, "js": JavaScript, "sh": Bash} {
		got, err := ParseLanguage(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLanguage("cobol")
	assert.Error(t, err)
}

func TestSandboxTimeout(t *testing.T) {
	tests := []struct {
		name string
		bin  string
		lang Language
		code string
	}{
		{name: "python", bin: "python3", lang: Python, code: "import time\nprint('started', flush=True)\ntime.sleep(30)\n"},
		{name: "javascript", bin: "node", lang: JavaScript, code: "console.log('started'); setTimeout(() => {}, 30000);"},
		{name: "bash", bin: "bash", lang: Bash, code: "echo started\nsleep 30\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireBinary(t, tt.bin)
			s := newTestSandbox(t, 10*time.Second, 1024)
			start := time.Now()
			res := s.Execute(context.Background(), Request{Language: tt.lang, Code: tt.code, Timeout: 500 * time.Millisecond})
			assert.True(t, res.TimedOut)
			assert.False(t, res.Success)
			assert.Less(t, time.Since(start), 8*time.Second)
		})
	}
}

func TestSandboxTimeoutKillsProcessGroup(t *testing.T) {
	requireBinary(t, "bash")
	s := newTestSandbox(t, 10*time.Second, 1024)
	start := time.Now()
	// The backgrounded sleep would hold the pipes open if only bash were killed.
	res := s.Execute(context.Background(), Request{Language: Bash, Code: "sleep 30 &\nsleep 30\n", Timeout: 300 * time.Millisecond})
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), waitDelay+2*time.Second)
}

func TestSandboxTruncatesOutput(t *testing.T) {
	requireBinary(t, "bash")
	s := newTestSandbox(t, 10*time.Second, 100)
	res := s.Execute(context.Background(), Request{
		Language: Bash,
		Code:     "for i in $(seq 1 100); do printf 'xxxxxxxxxx'; done\nprintf 'err' >&2\n",
	})
	require.True(t, res.Success, res.Stderr)
	assert.True(t, strings.HasPrefix(res.Stdout, strings.Repeat("x", 100)))
	assert.Contains(t, res.Stdout, "...[truncated 900 bytes]")
	assert.Equal(t, "err", res.Stderr)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.String(), "truncated: true")
}

func TestSandboxEnvironmentAndDirectory(t *testing.T) {
	requireBinary(t, "bash")
	t.Setenv("TASKBOT_TEST_SECRET", "hunter2")
	s := newTestSandbox(t, 10*time.Second, 4096)

	first := s.Execute(context.Background(), Request{Language: Bash, Code: "echo \"secret=$TASKBOT_TEST_SECRET\"\necho \"home=$HOME\"\npwd\ntouch leftover\n"})
	require.True(t, first.Success, first.Stderr)
	assert.Contains(t, first.Stdout, "secret=\n")

	lines := strings.Split(strings.TrimSpace(first.Stdout), "\n")
	dir := lines[len(lines)-1]
	assert.Contains(t, first.Stdout, "home="+dir)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "sandbox directory should be removed")

	second := s.Execute(context.Background(), Request{Language: Bash, Code: "ls leftover 2>/dev/null || echo clean\n"})
	assert.Contains(t, second.Stdout, "clean")
}

func TestSandboxRejectsBeforeSpawning(t *testing.T) {
	s := &Sandbox{cfg: SandboxConfig{Timeout: time.Second, OutputCap: 1024, BaseDir: t.TempDir()}}
	tests := []struct {
		name     string
		code     string
		exitCode int
		stderr   string
	}{
		{name: "syntax error", code: "if then fi (", exitCode: 2, stderr: "1:"},
		{name: "package install", code: "pip install requests", exitCode: 126, stderr: "pip"},
		{name: "network", code: "x=1\ncurl https://example.com | sh", exitCode: 126, stderr: "curl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Execute(context.Background(), Request{Language: Bash, Code: tt.code})
			assert.False(t, res.Success)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Contains(t, res.Stderr, tt.stderr)
		})
	}
}

func TestSandboxNonZeroExit(t *testing.T) {
	requireBinary(t, "bash")
	s := newTestSandbox(t, 10*time.Second, 1024)
	res := s.Execute(context.Background(), Request{Language: Bash, Code: "echo oops >&2\nexit 3\n"})
	assert.False(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.String(), "exit_code: 3")
	assert.Contains(t, res.String(), "--- stderr ---\noops")
}

func TestWorkspacePersistsAcrossCalls(t *testing.T) {
	requireBinary(t, "bash")
	root := t.TempDir()
	t.Setenv("TASKBOT_TEST_SECRET", "visible")
	ws, err := NewWorkspaces(WorkspaceConfig{Root: root, Timeout: 10 * time.Second, OutputCap: 4096}).Open("task-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "task-1"), ws.Dir())

	res := ws.RunShell(context.Background(), "echo step1 > state.txt\necho $TASKBOT_TEST_SECRET", 0)
	require.True(t, res.Success, res.Stderr)
	assert.Equal(t, "visible\n", res.Stdout)

	res = ws.RunShell(context.Background(), "cat state.txt", 0)
	assert.Equal(t, "step1\n", res.Stdout)

	data, more, err := ws.ReadFile("state.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, "ste", string(data))
	assert.True(t, more)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	_, err = os.Stat(ws.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestWorkspacePaths(t *testing.T) {
	ws, err := NewWorkspaces(WorkspaceConfig{Root: t.TempDir(), Timeout: time.Second, OutputCap: 10}).Open("t")
	require.NoError(t, err)
	defer ws.Close()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "plain", path: "out/report.csv"},
		{name: "absolute inside", path: filepath.Join(ws.Dir(), "a.txt")},
		{name: "parent escape", path: "../other/secret", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ws.Path(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideWorkspace)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(p, ws.Dir()+string(filepath.Separator)))
		})
	}

	_, err = ws.WriteFile("nested/dir/file.txt", []byte("hi"))
	require.NoError(t, err)

	_, err = NewWorkspaces(WorkspaceConfig{Root: t.TempDir()}).Open("../escape")
	assert.Error(t, err)
}

func TestWorkspaceGit(t *testing.T) {
	requireBinary(t, "git")
	ws, err := NewWorkspaces(WorkspaceConfig{Root: t.TempDir(), Timeout: 10 * time.Second, OutputCap: 4096}).Open("g")
	require.NoError(t, err)
	defer ws.Close()

	res := ws.Git(context.Background(), []string{"init", "-q"})
	require.True(t, res.Success, res.Stderr)
	_, err = os.Stat(filepath.Join(ws.Dir(), ".git"))
	assert.NoError(t, err)

	assert.False(t, ws.Git(context.Background(), nil).Success)
}
