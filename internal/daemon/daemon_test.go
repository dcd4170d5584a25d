package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kazz187/taskbot/internal/reviewer"
	"github.com/kazz187/taskbot/internal/taskapi"
)

// The opencensus view worker is started at init by a transitive dependency
// of the genai client and lives for the whole test binary.
var leakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

type fakeSource struct {
	mu    sync.Mutex
	tasks []taskapi.Task
	calls atomic.Int32
}

func (s *fakeSource) ListUnclaimed(context.Context) ([]taskapi.Task, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]taskapi.Task(nil), s.tasks...), nil
}

type blockingHandler struct {
	started chan string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan string, 16), release: make(chan struct{})}
}

func (h *blockingHandler) Handle(ctx context.Context, task *taskapi.Task) error {
	h.calls.Add(1)
	h.started <- task.ID
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type funcHandler func(context.Context, *taskapi.Task) error

func (f funcHandler) Handle(ctx context.Context, task *taskapi.Task) error {
	return f(ctx, task)
}

type fakeReviewer struct {
	pending atomic.Int32
}

func (r *fakeReviewer) Pending(context.Context) ([]taskapi.Task, error) {
	r.pending.Add(1)
	return nil, nil
}

func (r *fakeReviewer) Review(context.Context, *taskapi.Task) (*reviewer.Outcome, error) {
	return &reviewer.Outcome{Verdict: reviewer.VerdictApprove}, nil
}

type counter struct{ n atomic.Int32 }

func (c *counter) Aggregate(context.Context) error { c.n.Add(1); return nil }
func (c *counter) Poll(context.Context) error      { c.n.Add(1); return nil }

func testConfig() Config {
	return Config{
		Role:                  "research",
		PollInterval:          time.Hour,
		ReviewInterval:        time.Hour,
		OrchestrationInterval: time.Hour,
		NotificationInterval:  time.Hour,
		MaxConcurrent:         4,
		DrainCheckInterval:    10 * time.Millisecond,
		DrainTimeout:          5 * time.Second,
	}
}

func waitStarted(t *testing.T, h *blockingHandler) string {
	t.Helper()
	select {
	case id := <-h.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not started")
		return ""
	}
}

func TestInFlight(t *testing.T) {
	s := NewInFlight()
	assert.True(t, s.TryAdd("a"))
	assert.False(t, s.TryAdd("a"))
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 1, s.Len())
	s.Remove("a")
	assert.False(t, s.Contains("a"))
	assert.True(t, s.TryAdd("a"))
}

func TestPollTasksNeverDoubleDispatches(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)
	src := &fakeSource{tasks: []taskapi.Task{{ID: "t1"}}}
	h := newBlockingHandler()
	d := New(testConfig(), src, h)
	ctx := context.Background()

	d.pollTasks(ctx)
	waitStarted(t, h)
	d.pollTasks(ctx)
	d.pollTasks(ctx)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, d.InFlight())

	close(h.release)
	d.work.Wait()
	assert.Equal(t, 0, d.InFlight())
}

func TestPollTasksRespectsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)
	src := &fakeSource{tasks: []taskapi.Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}}
	h := newBlockingHandler()
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	d := New(cfg, src, h)

	d.pollTasks(context.Background())
	got := []string{waitStarted(t, h), waitStarted(t, h)}
	assert.ElementsMatch(t, []string{"t1", "t2"}, got)
	assert.Equal(t, 2, d.InFlight())
	assert.False(t, d.taskFlight.Contains("t3"))

	close(h.release)
	d.work.Wait()
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestProcessRecoversPanics(t *testing.T) {
	src := &fakeSource{tasks: []taskapi.Task{{ID: "t1"}}}
	d := New(testConfig(), src, funcHandler(func(context.Context, *taskapi.Task) error {
		panic("handler exploded")
	}))

	d.pollTasks(context.Background())
	d.work.Wait()

	assert.Equal(t, 0, d.InFlight())
	assert.True(t, d.sem.TryAcquire(int64(d.cfg.MaxConcurrent)), "every slot should be released")
}

func TestRunFiresTimersAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)
	src := &fakeSource{tasks: []taskapi.Task{{ID: "t1"}}}
	h := newBlockingHandler()
	rev := &fakeReviewer{}
	agg := &counter{}
	notif := &counter{}
	health := grpchealth.NewStaticChecker()
	d := New(testConfig(), src, h,
		WithReviewer(rev), WithAggregator(agg), WithNotifier(notif), WithHealth(health))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Equal(t, "t1", waitStarted(t, h))
	require.Eventually(t, func() bool {
		return agg.n.Load() == 1 && notif.n.Load() == 1 && rev.pending.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, grpchealth.StatusServing, checkHealth(health))

	cancel()
	require.Eventually(t, func() bool {
		return checkHealth(health) == grpchealth.StatusNotServing
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned before in-flight work drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRunDrainTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)
	src := &fakeSource{tasks: []taskapi.Task{{ID: "stuck"}}}
	h := newBlockingHandler()
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	d := New(cfg, src, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitStarted(t, h)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrDrainTimeout))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up after the drain timeout")
	}
	d.work.Wait()
}

func checkHealth(c *grpchealth.StaticChecker) grpchealth.Status {
	resp, err := c.Check(context.Background(), &grpchealth.CheckRequest{})
	if err != nil {
		return grpchealth.StatusUnknown
	}
	return resp.Status
}
