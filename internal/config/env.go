package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// AgentEnv configures one agent role and its poll loops.
type AgentEnv struct {
	Role                  string        `envconfig:"ROLE" default:"research"`
	TaskAPIURL            string        `envconfig:"TASK_API_URL" default:"http://localhost:3000/api"`
	TaskAPIToken          string        `envconfig:"TASK_API_TOKEN" required:"true"`
	BotID                 string        `envconfig:"BOT_ID"`
	ResearchBotID         string        `envconfig:"RESEARCH_BOT_ID"`
	PollInterval          time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	ReviewInterval        time.Duration `envconfig:"REVIEW_INTERVAL" default:"45s"`
	OrchestrationInterval time.Duration `envconfig:"ORCHESTRATION_INTERVAL" default:"60s"`
	NotificationInterval  time.Duration `envconfig:"NOTIFICATION_INTERVAL" default:"30s"`
	MaxToolRounds         int           `envconfig:"MAX_TOOL_ROUNDS" default:"8"`
	MaxConcurrentTasks    int           `envconfig:"MAX_CONCURRENT_TASKS" default:"4"`
	DrainCheckInterval    time.Duration `envconfig:"DRAIN_CHECK_INTERVAL" default:"5s"`
	DrainTimeout          time.Duration `envconfig:"DRAIN_TIMEOUT" default:"5m"`
	RequestTimeout        time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

type LLMEnv struct {
	Provider    string        `envconfig:"LLM_PROVIDER" default:"openai"`
	Model       string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	APIKey      string        `envconfig:"LLM_API_KEY"`
	BaseURL     string        `envconfig:"LLM_BASE_URL"`
	Timeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"120s"`
	MaxTokens   int           `envconfig:"LLM_MAX_TOKENS" default:"4096"`
	Temperature float64       `envconfig:"LLM_TEMPERATURE" default:"0.2"`
}

type ExecutorEnv struct {
	SandboxTimeout      time.Duration `envconfig:"SANDBOX_TIMEOUT" default:"30s"`
	SandboxOutputCap    int           `envconfig:"SANDBOX_OUTPUT_CAP" default:"51200"`
	PrivilegedTimeout   time.Duration `envconfig:"PRIVILEGED_TIMEOUT" default:"10m"`
	PrivilegedOutputCap int           `envconfig:"PRIVILEGED_OUTPUT_CAP" default:"512000"`
	WorkRoot            string        `envconfig:"WORK_ROOT" default:".taskbot/work"`
}

type SearchEnv struct {
	APIKey  string        `envconfig:"SEARCH_API_KEY"`
	URL     string        `envconfig:"SEARCH_URL" default:"https://google.serper.dev/search"`
	Timeout time.Duration `envconfig:"SEARCH_TIMEOUT" default:"15s"`
}

type ChatEnv struct {
	TelegramToken       string        `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID      int64         `envconfig:"TELEGRAM_CHAT_ID"`
	TelegramAPIURL      string        `envconfig:"TELEGRAM_API_URL" default:"https://api.telegram.org"`
	TelegramPollTimeout time.Duration `envconfig:"TELEGRAM_POLL_TIMEOUT" default:"30s"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".taskbot/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskbot/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type WebhookEnv struct {
	Store           string        `envconfig:"WEBHOOK_STORE" default:"yaml"`
	SQLitePath      string        `envconfig:"WEBHOOK_SQLITE_PATH" default:".taskbot/webhooks.db"`
	BotsFile        string        `envconfig:"WEBHOOK_BOTS_FILE" default:".taskbot/bots.yaml"`
	ProcessInterval time.Duration `envconfig:"WEBHOOK_PROCESS_INTERVAL" default:"30s"`
	DeliveryTimeout time.Duration `envconfig:"WEBHOOK_DELIVERY_TIMEOUT" default:"10s"`
	ManualRetry     bool          `envconfig:"WEBHOOK_MANUAL_RETRY" default:"false"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	AgentEnv
	LLMEnv
	ExecutorEnv
	SearchEnv
	ChatEnv
	StorageEnv
	WebhookEnv
	VAPIDEnv
}

const namespace = "TASKBOT"

const (
	RoleResearch     = "research"
	RoleOrchestrator = "orchestrator"
)

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid env: %w", err)
	}
	return &env, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (e *Env) Validate() error {
	var errs []error
	switch e.Role {
	case RoleResearch, RoleOrchestrator:
	default:
		errs = append(errs, fmt.Errorf("ROLE must be %q or %q, got %q", RoleResearch, RoleOrchestrator, e.Role))
	}
	switch e.Provider {
	case "openai", "anthropic", "gemini":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not supported", e.Provider))
	}
	if e.MaxToolRounds < 1 {
		errs = append(errs, errors.New("MAX_TOOL_ROUNDS must be at least 1"))
	}
	if e.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_TASKS must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":          e.PollInterval,
		"REVIEW_INTERVAL":        e.ReviewInterval,
		"ORCHESTRATION_INTERVAL": e.OrchestrationInterval,
		"NOTIFICATION_INTERVAL":  e.NotificationInterval,
		"SANDBOX_TIMEOUT":        e.SandboxTimeout,
		"PRIVILEGED_TIMEOUT":     e.PrivilegedTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if e.SandboxOutputCap <= 0 || e.PrivilegedOutputCap <= 0 {
		errs = append(errs, errors.New("output caps must be positive"))
	}
	if e.TelegramToken != "" && e.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required when TELEGRAM_TOKEN is set"))
	}
	if e.Role == RoleOrchestrator && e.ResearchBotID == "" {
		errs = append(errs, errors.New("RESEARCH_BOT_ID is required for the orchestrator role"))
	}
	switch e.StorageEnv.Type {
	case "local":
	case "s3":
		if e.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when STORAGE_TYPE=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_TYPE %q is not supported", e.StorageEnv.Type))
	}
	switch e.Store {
	case "yaml", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("WEBHOOK_STORE %q is not supported", e.Store))
	}
	return errors.Join(errs...)
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (e *ChatEnv) ChatEnabled() bool {
	return e.TelegramToken != ""
}

func (e *VAPIDEnv) PushEnabled() bool {
	return e.VAPIDPublicKey != "" && e.VAPIDPrivateKey != ""
}
