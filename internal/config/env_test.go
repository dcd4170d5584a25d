package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("TASKBOT_TASK_API_TOKEN", "tok")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, RoleResearch, env.Role)
	assert.Equal(t, 30*time.Second, env.PollInterval)
	assert.Equal(t, 8, env.MaxToolRounds)
	assert.Equal(t, 51200, env.SandboxOutputCap)
	assert.False(t, env.ManualRetry)
	assert.Equal(t, 512000, env.PrivilegedOutputCap)
	assert.Equal(t, 5*time.Minute, env.DrainTimeout)
	assert.False(t, env.ChatEnabled())
	assert.Equal(t, slog.LevelInfo, env.SlogLevel())
}

func TestLoadEnvRequiresToken(t *testing.T) {
	t.Setenv("TASKBOT_TASK_API_TOKEN", "")
	_, err := LoadEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown role",
			env:     map[string]string{"TASKBOT_ROLE": "janitor"},
			wantErr: "ROLE must be",
		},
		{
			name:    "orchestrator without research bot",
			env:     map[string]string{"TASKBOT_ROLE": "orchestrator"},
			wantErr: "RESEARCH_BOT_ID",
		},
		{
			name:    "telegram without chat id",
			env:     map[string]string{"TASKBOT_TELEGRAM_TOKEN": "x"},
			wantErr: "TELEGRAM_CHAT_ID",
		},
		{
			name:    "zero rounds",
			env:     map[string]string{"TASKBOT_MAX_TOOL_ROUNDS": "0"},
			wantErr: "MAX_TOOL_ROUNDS",
		},
		{
			name:    "s3 without bucket",
			env:     map[string]string{"TASKBOT_STORAGE_TYPE": "s3"},
			wantErr: "S3_BUCKET",
		},
		{
			name: "valid orchestrator",
			env: map[string]string{
				"TASKBOT_ROLE":            "orchestrator",
				"TASKBOT_RESEARCH_BOT_ID": "bot-r",
				"TASKBOT_LLM_PROVIDER":    "anthropic",
				"TASKBOT_LOG_LEVEL":       "debug",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TASKBOT_TASK_API_TOKEN", "tok")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			env, err := LoadEnv()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, slog.LevelDebug, env.SlogLevel())
		})
	}
}
