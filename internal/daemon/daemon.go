// Package daemon runs an agent's poll loops and drains in-flight work on
// shutdown.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/kazz187/taskbot/internal/brain"
	"github.com/kazz187/taskbot/internal/reviewer"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/clog"
	"github.com/kazz187/taskbot/pkg/panicerr"
)

var ErrDrainTimeout = errors.New("in-flight work did not drain before the deadline")

type TaskSource interface {
	ListUnclaimed(ctx context.Context) ([]taskapi.Task, error)
}

type Handler interface {
	Handle(ctx context.Context, task *taskapi.Task) error
}

type Reviewer interface {
	Pending(ctx context.Context) ([]taskapi.Task, error)
	Review(ctx context.Context, task *taskapi.Task) (*reviewer.Outcome, error)
}

type Aggregator interface {
	Aggregate(ctx context.Context) error
}

type Notifier interface {
	Poll(ctx context.Context) error
}

type Config struct {
	Role                  string
	PollInterval          time.Duration
	ReviewInterval        time.Duration
	OrchestrationInterval time.Duration
	NotificationInterval  time.Duration
	MaxConcurrent         int
	DrainCheckInterval    time.Duration
	DrainTimeout          time.Duration
}

// Daemon owns the timers of one agent process. Reviewer, Aggregator and
// Notifier are optional; their timers only run when set.
type Daemon struct {
	cfg        Config
	tasks      TaskSource
	handler    Handler
	reviewer   Reviewer
	aggregator Aggregator
	notifiers  []Notifier
	health     *grpchealth.StaticChecker

	taskFlight   *InFlight
	reviewFlight *InFlight
	sem          *semaphore.Weighted
	work         conc.WaitGroup
}

type Option func(*Daemon)

func WithReviewer(r Reviewer) Option {
	return func(d *Daemon) { d.reviewer = r }
}

func WithAggregator(a Aggregator) Option {
	return func(d *Daemon) { d.aggregator = a }
}

// WithNotifier adds a notifier to the Notification Poll. It may be given
// more than once.
func WithNotifier(n Notifier) Option {
	return func(d *Daemon) { d.notifiers = append(d.notifiers, n) }
}

func WithHealth(h *grpchealth.StaticChecker) Option {
	return func(d *Daemon) { d.health = h }
}

func New(cfg Config, tasks TaskSource, handler Handler, opts ...Option) *Daemon {
	cfg.MaxConcurrent = max(cfg.MaxConcurrent, 1)
	if cfg.DrainCheckInterval <= 0 {
		cfg.DrainCheckInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Minute
	}
	d := &Daemon{
		cfg:          cfg,
		tasks:        tasks,
		handler:      handler,
		taskFlight:   NewInFlight(),
		reviewFlight: NewInFlight(),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts every timer and blocks until ctx is cancelled and in-flight work
// has drained. Work is not cancelled by ctx; it is cancelled only when the
// drain deadline passes, in which case ErrDrainTimeout is returned.
func (d *Daemon) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var timers conc.WaitGroup
	d.startTimer(ctx, &timers, "task", d.cfg.PollInterval, func() { d.pollTasks(workCtx) })
	if d.reviewer != nil {
		d.startTimer(ctx, &timers, "review", d.cfg.ReviewInterval, func() { d.pollReviews(workCtx) })
	}
	if d.aggregator != nil {
		d.startTimer(ctx, &timers, "orchestration", d.cfg.OrchestrationInterval, func() {
			d.tick(workCtx, "orchestration", d.aggregator.Aggregate)
		})
	}
	if len(d.notifiers) > 0 {
		d.startTimer(ctx, &timers, "notification", d.cfg.NotificationInterval, func() {
			for _, n := range d.notifiers {
				d.tick(workCtx, "notification", n.Poll)
			}
		})
	}
	d.setServing(true)
	slog.InfoContext(ctx, "daemon started", "role", d.cfg.Role, "max_concurrent", d.cfg.MaxConcurrent)

	<-ctx.Done()
	d.setServing(false)
	timers.Wait()
	slog.InfoContext(workCtx, "stopped accepting work, draining", "in_flight", d.InFlight())

	if err := d.drain(workCtx); err != nil {
		cancelWork()
		return err
	}
	d.work.Wait()
	slog.InfoContext(workCtx, "daemon stopped")
	return nil
}

func (d *Daemon) InFlight() int {
	return d.taskFlight.Len() + d.reviewFlight.Len()
}

func (d *Daemon) drain(ctx context.Context) error {
	deadline := time.NewTimer(d.cfg.DrainTimeout)
	defer deadline.Stop()
	check := time.NewTicker(d.cfg.DrainCheckInterval)
	defer check.Stop()
	for {
		n := d.InFlight()
		if n == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			slog.ErrorContext(ctx, "drain deadline passed, abandoning in-flight work", "in_flight", d.InFlight())
			return ErrDrainTimeout
		case <-check.C:
			slog.InfoContext(ctx, "waiting for in-flight work", "in_flight", n)
		}
	}
}

// startTimer runs fn once immediately and then every interval until ctx is done.
func (d *Daemon) startTimer(ctx context.Context, wg *conc.WaitGroup, name string, interval time.Duration, fn func()) {
	wg.Go(func() {
		fn()
		if interval <= 0 {
			slog.WarnContext(ctx, "timer has no interval, running once", "timer", name)
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	})
}

func (d *Daemon) tick(ctx context.Context, name string, fn func(context.Context) error) {
	if err := panicerr.SafeContext(fn)(ctx); err != nil {
		slog.ErrorContext(ctx, "poll failed", "timer", name, clog.ErrorAttributeKey, err)
	}
}

func (d *Daemon) pollTasks(ctx context.Context) {
	tasks, err := d.tasks.ListUnclaimed(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list unclaimed tasks", clog.ErrorAttributeKey, err)
		return
	}
	d.dispatchAll(ctx, tasks, d.taskFlight, "task", d.handler.Handle)
}

func (d *Daemon) pollReviews(ctx context.Context) {
	tasks, err := d.reviewer.Pending(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list tasks awaiting review", clog.ErrorAttributeKey, err)
		return
	}
	d.dispatchAll(ctx, tasks, d.reviewFlight, "review", func(ctx context.Context, t *taskapi.Task) error {
		out, err := d.reviewer.Review(ctx, t)
		if err == nil {
			slog.InfoContext(ctx, "reviewed task", "verdict", string(out.Verdict), "forced", out.Forced)
		}
		return err
	})
}

// dispatchAll starts fn for every task not already in flight, as long as a
// concurrency slot is free. The rest wait for a later tick.
func (d *Daemon) dispatchAll(ctx context.Context, tasks []taskapi.Task, flight *InFlight, kind string, fn func(context.Context, *taskapi.Task) error) {
	for i := range tasks {
		task := tasks[i]
		if flight.Contains(task.ID) {
			continue
		}
		if !d.sem.TryAcquire(1) {
			slog.DebugContext(ctx, "concurrency limit reached, deferring remaining tasks", "kind", kind)
			return
		}
		if !flight.TryAdd(task.ID) {
			d.sem.Release(1)
			continue
		}
		d.work.Go(func() {
			defer d.sem.Release(1)
			defer flight.Remove(task.ID)
			d.process(ctx, kind, &task, fn)
		})
	}
}

func (d *Daemon) process(ctx context.Context, kind string, task *taskapi.Task, fn func(context.Context, *taskapi.Task) error) {
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttributes(ctx, map[string]any{
		clog.TaskAttributeKey: task.ID,
		clog.RoleAttributeKey: d.cfg.Role,
		"kind":                kind,
	})
	start := time.Now()
	err := panicerr.Try(func() error { return fn(ctx, task) })
	switch {
	case errors.Is(err, brain.ErrNotReady):
		slog.DebugContext(ctx, "task is waiting on a dependency")
	case err != nil:
		slog.ErrorContext(ctx, "task failed", clog.ErrorAttributeKey, err, "elapsed", time.Since(start))
	default:
		slog.InfoContext(ctx, "task settled", "elapsed", time.Since(start))
	}
}

func (d *Daemon) setServing(serving bool) {
	if d.health == nil {
		return
	}
	status := grpchealth.StatusNotServing
	if serving {
		status = grpchealth.StatusServing
	}
	d.health.SetStatus("", status)
}
