package webhook_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskbot/internal/webhook"
)

const registryYAML = `
projects:
  - id: p1
    owner_id: alice
bots:
  - id: research
    owner_id: alice
    webhook_url: http://localhost:9000/hook
    webhook_secret: s1
  - id: ops
    project_ids: [p2]
    webhook_url: http://localhost:9001/hook
    webhook_secret: s2
    events: [task.failed]
`

func writeRegistry(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func ids(bots []webhook.Bot) []string {
	out := make([]string, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.ID)
	}
	return out
}

func TestBotRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	writeRegistry(t, path, registryYAML)

	r, err := webhook.NewBotRegistry(path)
	require.NoError(t, err)

	b, ok := r.Bot("ops")
	require.True(t, ok)
	assert.Equal(t, "s2", b.WebhookSecret)
	assert.Equal(t, []string{"p2"}, b.ProjectIDs)
	_, ok = r.Bot("nobody")
	assert.False(t, ok)

	assert.Equal(t, []string{"research"}, ids(r.InterestedBots("p1", "task.completed")))
	assert.Empty(t, r.InterestedBots("p2", "task.completed"))
	assert.Equal(t, []string{"ops"}, ids(r.InterestedBots("p2", "task.failed")))
}

func TestBotRegistryInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	_, err := webhook.NewBotRegistry(path)
	assert.Error(t, err)

	writeRegistry(t, path, "bots: [")
	_, err = webhook.NewBotRegistry(path)
	assert.Error(t, err)
}

func TestBotRegistryWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	writeRegistry(t, path, registryYAML)
	r, err := webhook.NewBotRegistry(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before changing the file.
	time.Sleep(50 * time.Millisecond)
	writeRegistry(t, path, registryYAML+`
  - id: late
    owner_id: alice
    webhook_url: http://localhost:9002/hook
    webhook_secret: s3
`)
	assert.Eventually(t, func() bool {
		_, ok := r.Bot("late")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous contents.
	writeRegistry(t, path, "bots: [")
	time.Sleep(300 * time.Millisecond)
	_, ok := r.Bot("late")
	assert.True(t, ok)
}
