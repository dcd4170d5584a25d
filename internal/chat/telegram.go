// Package chat is the Telegram control surface of an agent: it creates
// tasks from chat commands and relays their completion back to the chat.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultAPIURL = "https://api.telegram.org"

// MaxMessageLen is Telegram's limit on a single text message.
const MaxMessageLen = 4096

type Update struct {
	ID     int64
	ChatID int64
	From   string
	Text   string
}

type Transport interface {
	Updates(ctx context.Context, offset int64) ([]Update, error)
	Send(ctx context.Context, chatID int64, text string) error
}

// Telegram talks to the Bot API with long polling.
type Telegram struct {
	apiURL      string
	token       string
	pollTimeout time.Duration
	client      *http.Client
}

func NewTelegram(apiURL, token string, pollTimeout time.Duration) *Telegram {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Telegram{
		apiURL:      strings.TrimRight(apiURL, "/"),
		token:       token,
		pollTimeout: pollTimeout,
		// The long poll holds the connection for pollTimeout.
		client: &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

// Updates long-polls for messages with update_id >= offset.
func (t *Telegram) Updates(ctx context.Context, offset int64) ([]Update, error) {
	payload := map[string]any{
		"timeout":         int(t.pollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	result, err := t.call(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var updates []Update
	result.ForEach(func(_, u gjson.Result) bool {
		msg := u.Get("message")
		updates = append(updates, Update{
			ID:     u.Get("update_id").Int(),
			ChatID: msg.Get("chat.id").Int(),
			From:   msg.Get("from.username").String(),
			Text:   strings.TrimSpace(msg.Get("text").String()),
		})
		return true
	})
	return updates, nil
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if r := []rune(text); len(r) > MaxMessageLen {
		text = string(r[:MaxMessageLen-1]) + "…"
	}
	_, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	return err
}

func (t *Telegram) call(ctx context.Context, method string, payload any) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/bot"+t.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return gjson.Result{}, fmt.Errorf("telegram %s failed: %w", method, redact(err, t.token))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read telegram %s response: %w", method, err)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("telegram %s returned status %d with a non-JSON body", method, resp.StatusCode)
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.Get("ok").Bool() {
		return gjson.Result{}, fmt.Errorf("telegram %s returned status %d: %s", method, resp.StatusCode, parsed.Get("description").String())
	}
	return parsed.Get("result"), nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
