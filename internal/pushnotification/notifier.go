package pushnotification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kazz187/taskbot/internal/taskapi"
)

type Tasks interface {
	ListTasks(ctx context.Context, f taskapi.ListFilter) ([]taskapi.Task, error)
}

// Notifier pushes a notice for every task of this bot that reaches DONE. The
// first poll only records what is already done, so a restart does not replay
// old completions.
type Notifier struct {
	tasks  Tasks
	sender *Sender

	mu     sync.Mutex
	seen   map[string]struct{}
	primed bool
}

func NewNotifier(tasks Tasks, sender *Sender) *Notifier {
	return &Notifier{tasks: tasks, sender: sender, seen: map[string]struct{}{}}
}

func (n *Notifier) Poll(ctx context.Context) error {
	done, err := n.tasks.ListTasks(ctx, taskapi.ListFilter{AssignedToBot: true, Status: taskapi.StatusDone})
	if err != nil {
		return fmt.Errorf("failed to list finished tasks: %w", err)
	}

	n.mu.Lock()
	var fresh []taskapi.Task
	for _, t := range done {
		if _, ok := n.seen[t.ID]; ok {
			continue
		}
		n.seen[t.ID] = struct{}{}
		if n.primed {
			fresh = append(fresh, t)
		}
	}
	n.primed = true
	n.mu.Unlock()

	for _, t := range fresh {
		sent, err := n.sender.SendToAll(ctx, &NotificationPayload{
			Title: "Task completed",
			Body:  t.Title,
			URL:   "/tasks/" + t.ID,
			Tag:   t.ID,
		})
		if err != nil {
			slog.WarnContext(ctx, "push notification partly failed", "task_id", t.ID, "error", err)
		}
		slog.DebugContext(ctx, "pushed completion notice", "task_id", t.ID, "sent", sent)
	}
	return nil
}
