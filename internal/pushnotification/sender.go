// Package pushnotification sends Web Push notices when tasks finish.
package pushnotification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const defaultTTL = 24 * 60 * 60

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// VAPIDKeys identify this server to push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Contact    string
}

type Sender struct {
	keys   VAPIDKeys
	repo   Repository
	client webpush.HTTPClient
}

type SenderOption func(*Sender)

func WithHTTPClient(c webpush.HTTPClient) SenderOption {
	return func(s *Sender) { s.client = c }
}

func NewSender(keys VAPIDKeys, repo Repository, opts ...SenderOption) *Sender {
	s := &Sender{keys: keys, repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) Enabled() bool {
	return s.keys.PublicKey != "" && s.keys.PrivateKey != ""
}

func (s *Sender) PublicKey() string {
	return s.keys.PublicKey
}

// SendToAll pushes payload to every subscription and returns how many push
// services accepted it. Subscriptions the push service reports as gone are
// deleted.
func (s *Sender) SendToAll(ctx context.Context, payload *NotificationPayload) (int, error) {
	if !s.Enabled() {
		slog.WarnContext(ctx, "push notification: VAPID keys not configured, skipping")
		return 0, nil
	}

	subs, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list push subscriptions: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	var (
		sent int
		errs []error
	)
	for _, sub := range subs {
		ok, err := s.sendToSubscription(ctx, sub, data)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (s *Sender) sendToSubscription(ctx context.Context, sub *Subscription, data []byte) (bool, error) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, wpSub, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		Subscriber:      s.keys.Contact,
		TTL:             defaultTTL,
	})
	if err != nil {
		return false, fmt.Errorf("failed to push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.repo.Delete(ctx, sub.ID); err != nil {
			return false, fmt.Errorf("failed to delete expired subscription %s: %w", sub.ID, err)
		}
		return false, nil
	case resp.StatusCode >= 400:
		slog.WarnContext(ctx, "push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false, nil
	}
	return true, nil
}
