package sentinel

import (
	"context"
	"crypto/sha256"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "text", content: []byte("hello world")},
		{name: "empty", content: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))
			got, err := HashFile(path)
			require.NoError(t, err)
			assert.Equal(t, sha256.Sum256(tt.content), got)
		})
	}

	_, err := HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestRestartBackOff(t *testing.T) {
	b := NewRestartBackOff()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for _, w := range want {
		assert.Equal(t, w, b.NextBackOff())
	}
	for range 20 {
		b.NextBackOff()
	}
	assert.Equal(t, MaxBackoff, b.NextBackOff())

	b.Reset()
	assert.Equal(t, InitialBackoff, b.NextBackOff())
}

func TestStopChildEscalatesToKill(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	s, err := newSentinel(sh, Options{GracePeriod: 200 * time.Millisecond})
	require.NoError(t, err)

	cmd := exec.Command(sh, "-c", "trap '' TERM; sleep 30")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.stopChild(cmd, done)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunStopsOnCancel(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	s, err := newSentinel(sh, Options{Args: []string{"-c", "sleep 30"}, GracePeriod: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sentinel did not stop")
	}
}
