package webhook

import (
	"encoding/json"
	"slices"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

const (
	MaxAttempts  = 3
	BatchSize    = 50
	SnippetLimit = 1 << 10
)

// RetryLadder is the wait before the next attempt, indexed by attempts
// already made minus one. The last step repeats.
var RetryLadder = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

func RetryDelay(attempts int) time.Duration {
	i := min(max(attempts-1, 0), len(RetryLadder)-1)
	return RetryLadder[i]
}

type Delivery struct {
	ID              string          `yaml:"id" json:"id"`
	BotID           string          `yaml:"bot_id" json:"botId"`
	Event           string          `yaml:"event" json:"event"`
	Payload         json.RawMessage `yaml:"-" json:"payload"`
	Status          Status          `yaml:"status" json:"status"`
	Attempts        int             `yaml:"attempts" json:"attempts"`
	NextRetryAt     *time.Time      `yaml:"next_retry_at,omitempty" json:"nextRetryAt,omitempty"`
	HTTPStatus      int             `yaml:"http_status,omitempty" json:"httpStatus,omitempty"`
	ResponseSnippet string          `yaml:"response_snippet,omitempty" json:"responseSnippet,omitempty"`
	LastError       string          `yaml:"last_error,omitempty" json:"lastError,omitempty"`
	CreatedAt       time.Time       `yaml:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `yaml:"updated_at" json:"updatedAt"`
}

// Terminal reports whether the delivery will never be attempted again.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}

// Due reports whether a pending delivery may be attempted at now.
func (d *Delivery) Due(now time.Time) bool {
	return d.Status == StatusPending && (d.NextRetryAt == nil || !d.NextRetryAt.After(now))
}

// Bot is a webhook receiver from the bot registry.
type Bot struct {
	ID            string   `yaml:"id"`
	OwnerID       string   `yaml:"owner_id"`
	Name          string   `yaml:"name"`
	WebhookURL    string   `yaml:"webhook_url"`
	WebhookSecret string   `yaml:"webhook_secret"`
	ProjectIDs    []string `yaml:"project_ids"`
	// Events limits delivery to the listed events. Empty means all.
	Events []string `yaml:"events"`
}

type Project struct {
	ID      string `yaml:"id"`
	OwnerID string `yaml:"owner_id"`
}

// InScope reports whether the bot sees events of project. A bot with no
// explicit scope sees the projects its owner owns.
func (b *Bot) InScope(project *Project) bool {
	if len(b.ProjectIDs) > 0 {
		return slices.Contains(b.ProjectIDs, project.ID)
	}
	return b.OwnerID != "" && b.OwnerID == project.OwnerID
}

func (b *Bot) Wants(event string) bool {
	return len(b.Events) == 0 || slices.Contains(b.Events, event)
}
