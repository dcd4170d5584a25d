package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
	retryTries      = 3
)

// Resilient wraps a Client with a circuit breaker and bounded retries.
type Resilient struct {
	next       Client
	cb         *gobreaker.CircuitBreaker
	newBackOff func() backoff.BackOff
}

type ResilientOption func(*Resilient)

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) ResilientOption {
	return func(r *Resilient) { r.newBackOff = fn }
}

func NewResilient(next Client, name string, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("llm circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				// Cancellation and rejected requests say nothing about provider health.
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !retryable(err)
			},
		}),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
				backoff.WithMaxElapsedTime(2*time.Minute),
			)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resilient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	var resp *Response
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		result, err := r.cb.Execute(func() (interface{}, error) {
			return r.next.Chat(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			slog.WarnContext(ctx, "llm call failed, retrying", "error", err)
			return err
		}
		resp = result.(*Response)
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), retryTries-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Resilient) State() gobreaker.State {
	return r.cb.State()
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
