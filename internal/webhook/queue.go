// Package webhook delivers task events to bot webhooks with signed bodies
// and a bounded retry ladder.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/sjson"

	"github.com/kazz187/taskbot/pkg/cerr"
)

const DefaultTimeout = 10 * time.Second

type BotLookup interface {
	Bot(id string) (*Bot, bool)
	InterestedBots(projectID, event string) []Bot
}

type Queue struct {
	repo   Repository
	bots   BotLookup
	client *http.Client
	now    func() time.Time

	// manualRetry lets an operator re-queue a failed delivery.
	manualRetry bool
}

type Option func(*Queue)

func WithHTTPClient(c *http.Client) Option {
	return func(q *Queue) { q.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithManualRetry enables Retry. Without it a failed delivery is final.
func WithManualRetry() Option {
	return func(q *Queue) { q.manualRetry = true }
}

func NewQueue(repo Repository, bots BotLookup, timeout time.Duration, opts ...Option) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	q := &Queue{
		repo:   repo,
		bots:   bots,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return marshalPayload(json.RawMessage(p))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Enqueue stores a pending delivery of event to botID. It is due immediately.
func (q *Queue) Enqueue(ctx context.Context, botID, event string, payload any) (*Delivery, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid payload", err)
	}
	now := q.now().UTC()
	d := &Delivery{
		ID:        ulid.Make().String(),
		BotID:     botID,
		Event:     event,
		Payload:   data,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "queued webhook delivery", "delivery_id", d.ID, "bot_id", botID, "event", event)
	return d, nil
}

// Publish fans event out to every bot interested in projectID.
func (q *Queue) Publish(ctx context.Context, projectID, event string, data any) error {
	_, err := q.FanOut(ctx, projectID, event, data)
	return err
}

// FanOut enqueues one delivery per interested bot.
func (q *Queue) FanOut(ctx context.Context, projectID, event string, data any) ([]*Delivery, error) {
	var (
		out  []*Delivery
		errs []error
	)
	for _, b := range q.bots.InterestedBots(projectID, event) {
		d, err := q.Enqueue(ctx, b.ID, event, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to enqueue for bot %s: %w", b.ID, err))
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// Deliver attempts one delivery now. Terminal deliveries are returned untouched.
func (q *Queue) Deliver(ctx context.Context, id string) (*Delivery, error) {
	d, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return d, nil
	}
	q.attempt(ctx, d)
	if err := q.repo.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

type ProcessResult struct {
	Processed int
	Delivered int
	Retrying  int
	Failed    int
}

// ProcessQueue attempts up to BatchSize due deliveries, oldest first.
func (q *Queue) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	due, err := q.repo.ListDue(ctx, q.now().UTC(), BatchSize)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		q.attempt(ctx, d)
		if err := q.repo.Update(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("failed to save delivery %s: %w", d.ID, err))
			continue
		}
		res.Processed++
		switch d.Status {
		case StatusDelivered:
			res.Delivered++
		case StatusFailed:
			res.Failed++
		default:
			res.Retrying++
		}
	}
	if res.Processed > 0 {
		slog.InfoContext(ctx, "processed webhook queue",
			"processed", res.Processed, "delivered", res.Delivered, "retrying", res.Retrying, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

// Retry is an operator override: it puts a failed delivery back in the queue
// for exactly one more attempt. Attempts stay at MaxAttempts, so that attempt
// failing makes the delivery failed again. The automatic ladder never
// re-queues a failed delivery.
func (q *Queue) Retry(ctx context.Context, id string) (*Delivery, error) {
	if !q.manualRetry {
		return nil, cerr.NewError(cerr.PermissionDenied, "manual retry of webhook deliveries is disabled", nil)
	}
	d, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusFailed {
		return nil, cerr.NewError(cerr.FailedPrecondition, "only failed deliveries can be retried", nil)
	}
	now := q.now().UTC()
	d.Status = StatusPending
	d.NextRetryAt = &now
	d.UpdatedAt = now
	if err := q.repo.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RunProcessor calls ProcessQueue immediately and then every interval until
// ctx is done.
func (q *Queue) RunProcessor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := q.ProcessQueue(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to process webhook queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Body builds the signed request body.
func Body(event, deliveryID string, at time.Time, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := sjson.SetBytes([]byte(`{}`), "event", event)
	if err == nil {
		body, err = sjson.SetBytes(body, "deliveryId", deliveryID)
	}
	if err == nil {
		body, err = sjson.SetBytes(body, "timestamp", at.UTC().Format(time.RFC3339))
	}
	if err == nil {
		body, err = sjson.SetRawBytes(body, "data", payload)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook body: %w", err)
	}
	return body, nil
}

func (q *Queue) attempt(ctx context.Context, d *Delivery) {
	now := q.now().UTC()
	d.UpdatedAt = now

	bot, ok := q.bots.Bot(d.BotID)
	if !ok {
		q.recordFailure(ctx, d, now, 0, "", "bot not found")
		return
	}
	if bot.WebhookURL == "" || bot.WebhookSecret == "" {
		q.recordFailure(ctx, d, now, 0, "", "bot has no webhook url or secret")
		return
	}

	body, err := Body(d.Event, d.ID, now, d.Payload)
	if err != nil {
		q.recordFailure(ctx, d, now, 0, "", err.Error())
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bot.WebhookURL, bytes.NewReader(body))
	if err != nil {
		q.recordFailure(ctx, d, now, 0, "", fmt.Sprintf("failed to create request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(bot.WebhookSecret, body))
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Webhook-Delivery", d.ID)

	resp, err := q.client.Do(req)
	if err != nil {
		q.recordFailure(ctx, d, now, 0, "", err.Error())
		return
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, SnippetLimit))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = StatusDelivered
		d.NextRetryAt = nil
		d.HTTPStatus = resp.StatusCode
		d.ResponseSnippet = string(snippet)
		d.LastError = ""
		slog.InfoContext(ctx, "delivered webhook", "delivery_id", d.ID, "bot_id", d.BotID, "status", resp.StatusCode)
		return
	}
	q.recordFailure(ctx, d, now, resp.StatusCode, string(snippet), fmt.Sprintf("unexpected status %d", resp.StatusCode))
}

func (q *Queue) recordFailure(ctx context.Context, d *Delivery, now time.Time, status int, snippet, reason string) {
	d.Attempts = min(d.Attempts+1, MaxAttempts)
	d.HTTPStatus = status
	d.ResponseSnippet = snippet
	d.LastError = reason
	if d.Attempts >= MaxAttempts {
		d.Status = StatusFailed
		d.NextRetryAt = nil
		slog.WarnContext(ctx, "webhook delivery failed permanently", "delivery_id", d.ID, "bot_id", d.BotID, "attempts", d.Attempts, "reason", reason)
		return
	}
	next := now.Add(RetryDelay(d.Attempts))
	d.Status = StatusPending
	d.NextRetryAt = &next
	slog.InfoContext(ctx, "webhook delivery will be retried", "delivery_id", d.ID, "attempts", d.Attempts, "next_retry_at", next, "reason", reason)
}
