package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kazz187/taskbot/internal/taskapi"
)

const (
	resultPrefix = "[Result"
	snippetRunes = 800
)

// Poll relays a completion notice for every tracked task that has finished
// and stops tracking it. A task counts as finished when it is DONE, or in
// REVIEW for the research role since its part is over by then.
func (b *Bot) Poll(ctx context.Context) error {
	var errs []error
	for _, id := range sortedKeys(b.tracker.Snapshot()) {
		if ctx.Err() != nil {
			break
		}
		if err := b.relay(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) relay(ctx context.Context, taskID string) error {
	chatID, ok := b.tracker.Snapshot()[taskID]
	if !ok {
		return nil
	}
	t, err := b.api.GetTask(ctx, taskID)
	if err != nil {
		if taskapi.IsNotFound(err) {
			slog.InfoContext(ctx, "tracked task no longer exists", "task_id", taskID)
			b.tracker.Untrack(taskID)
			return nil
		}
		return err
	}
	if !b.finished(t) {
		return nil
	}

	comments, err := b.api.ListComments(ctx, taskID)
	if err != nil {
		slog.WarnContext(ctx, "failed to load result for completion notice", "task_id", taskID, "error", err)
	}
	if err := b.transport.Send(ctx, chatID, CompletionMessage(t, comments)); err != nil {
		// Stay tracked so the next poll tries again.
		return fmt.Errorf("failed to send completion notice: %w", err)
	}
	b.tracker.Untrack(taskID)
	slog.InfoContext(ctx, "relayed task completion", "task_id", taskID, "status", string(t.Status))
	return nil
}

func (b *Bot) finished(t *taskapi.Task) bool {
	if t.Status == taskapi.StatusDone || t.Completed {
		return true
	}
	return b.cfg.Role == RoleResearch && t.Status == taskapi.StatusReview
}

// CompletionMessage renders the notice with a snippet of the latest result.
func CompletionMessage(t *taskapi.Task, comments []taskapi.Comment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %q is %s.", t.Title, strings.ToLower(string(t.Status)))
	if result := latestResult(comments); result != "" {
		sb.WriteString("\n\n")
		sb.WriteString(snippet(result, snippetRunes))
	}
	return sb.String()
}

func latestResult(comments []taskapi.Comment) string {
	for i := len(comments) - 1; i >= 0; i-- {
		if comments[i].HasPrefix(resultPrefix) {
			return strings.TrimSpace(comments[i].Content)
		}
	}
	return ""
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRightFunc(string(r[:n]), func(r rune) bool { return r == ' ' || r == '\n' }) + "…"
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
