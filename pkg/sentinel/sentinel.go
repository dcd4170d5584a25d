package sentinel

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 10 * time.Minute
	BackoffFactor  = 2.0

	// SuccessRunTime is how long the child must run before backoff resets.
	SuccessRunTime = 30 * time.Second

	DebounceInterval = 100 * time.Millisecond
)

type Options struct {
	// Args are passed to the supervised binary. Defaults to ["run"].
	Args []string
	// GracePeriod is the time between SIGTERM and SIGKILL. It must cover
	// the child's own drain timeout.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Sentinel restarts a child process built from its own binary, on crash
// and whenever the binary on disk changes.
type Sentinel struct {
	binaryPath string
	args       []string
	grace      time.Duration
	logger     *slog.Logger
	backoff    *backoff.ExponentialBackOff

	mu       sync.Mutex
	lastHash [sha256.Size]byte
}

func New(opts Options) (*Sentinel, error) {
	binaryPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable path: %w", err)
	}
	binaryPath, err = filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks for binary: %w", err)
	}
	return newSentinel(binaryPath, opts)
}

func newSentinel(binaryPath string, opts Options) (*Sentinel, error) {
	args := opts.Args
	if len(args) == 0 {
		args = []string{"run"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	hash, err := HashFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash binary: %w", err)
	}
	return &Sentinel{
		binaryPath: binaryPath,
		args:       args,
		grace:      grace,
		logger:     logger.With("component", "sentinel"),
		lastHash:   hash,
		backoff:    NewRestartBackOff(),
	}, nil
}

// NewRestartBackOff returns the restart schedule: 5s doubling up to 10m, never giving up.
func NewRestartBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(InitialBackoff),
		backoff.WithMultiplier(BackoffFactor),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
}

// Run supervises the child until ctx is cancelled. The child is stopped with
// SIGTERM, followed by SIGKILL once the grace period expires.
func (s *Sentinel) Run(ctx context.Context) error {
	s.logger.Info("starting sentinel", "binary", s.binaryPath, "hash", fmt.Sprintf("%x", s.lastHash[:8]))

	updateCh := make(chan struct{}, 1)
	go s.watchBinary(ctx, updateCh)

	for {
		if ctx.Err() != nil {
			return nil
		}

		child, err := s.startChild()
		if err != nil {
			s.logger.Error("failed to start child", "error", err)
			if !s.sleep(ctx, s.backoff.NextBackOff()) {
				return nil
			}
			continue
		}
		startTime := time.Now()

		childDone := make(chan error, 1)
		go func() {
			childDone <- child.Wait()
		}()

		select {
		case err := <-childDone:
			elapsed := time.Since(startTime)
			if elapsed >= SuccessRunTime {
				s.backoff.Reset()
			}
			if err != nil {
				s.logger.Warn("child exited with error", "elapsed", elapsed, "error", err)
			} else {
				s.logger.Info("child exited cleanly", "elapsed", elapsed)
			}
			if !s.sleep(ctx, s.backoff.NextBackOff()) {
				return nil
			}

		case <-updateCh:
			s.logger.Info("binary update detected, draining child before restart")
			s.stopChild(child, childDone)
			if h, err := HashFile(s.binaryPath); err == nil {
				s.mu.Lock()
				s.lastHash = h
				s.mu.Unlock()
				s.logger.Info("new binary hash", "hash", fmt.Sprintf("%x", h[:8]))
			}
			s.backoff.Reset()

		case <-ctx.Done():
			s.logger.Info("shutting down, stopping child")
			s.stopChild(child, childDone)
			s.logger.Info("sentinel exiting")
			return nil
		}
	}
}

func (s *Sentinel) startChild() (*exec.Cmd, error) {
	cmd := exec.Command(s.binaryPath, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to exec %s: %w", s.binaryPath, err)
	}
	s.logger.Info("started child process", "pid", cmd.Process.Pid)
	return cmd, nil
}

// stopChild sends SIGTERM and waits on childDone, escalating to SIGKILL after the grace period.
func (s *Sentinel) stopChild(cmd *exec.Cmd, childDone <-chan error) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	s.logger.Info("sending SIGTERM to child", "pid", pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to send SIGTERM", "pid", pid, "error", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-childDone:
		return
	case <-timer.C:
	}
	s.logger.Warn("grace period expired, sending SIGKILL to child", "pid", pid, "grace", s.grace)
	if err := cmd.Process.Kill(); err != nil {
		s.logger.Error("failed to send SIGKILL", "pid", pid, "error", err)
	}
	<-childDone
}

// watchBinary watches the binary's directory, since atomic deploys replace
// the inode, and signals updateCh when the checksum changes.
func (s *Sentinel) watchBinary(ctx context.Context, updateCh chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("failed to create fsnotify watcher", "error", err)
		return
	}
	defer watcher.Close()

	watchDir := filepath.Dir(s.binaryPath)
	binaryName := filepath.Base(s.binaryPath)
	if err := watcher.Add(watchDir); err != nil {
		s.logger.Error("failed to watch directory", "dir", watchDir, "error", err)
		return
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != binaryName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			s.mu.Lock()
			last := s.lastHash
			s.mu.Unlock()
			debounceTimer = time.AfterFunc(DebounceInterval, func() {
				newHash, err := HashFile(s.binaryPath)
				if err != nil {
					s.logger.Warn("failed to hash binary after event", "error", err)
					return
				}
				if newHash == last {
					return
				}
				select {
				case updateCh <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Sentinel) sleep(ctx context.Context, d time.Duration) bool {
	s.logger.Info("waiting before restart", "backoff", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func HashFile(path string) ([sha256.Size]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	var result [sha256.Size]byte
	copy(result[:], h.Sum(nil))
	return result, nil
}
