package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/clog"
)

type Aggregator struct {
	api Tasks
}

func NewAggregator(api Tasks) *Aggregator {
	return &Aggregator{api: api}
}

// Rollup is floor(mean(subtask progress)) bounded below by the
// decomposition floor, and whether every subtask is finished.
func Rollup(subtasks []taskapi.Task) (int, bool) {
	if len(subtasks) == 0 {
		return 0, false
	}
	sum := 0
	done := true
	for _, st := range subtasks {
		p := st.Progress
		if st.Finished() {
			p = 100
		} else {
			done = false
		}
		sum += min(max(p, 0), 100)
	}
	return max(sum/len(subtasks), DecompositionFloor), done
}

// Aggregate updates every in-progress parent task owned by this bot.
func (a *Aggregator) Aggregate(ctx context.Context) error {
	tasks, err := a.api.ListTasks(ctx, taskapi.ListFilter{
		AssignedToBot: true,
		Status:        taskapi.StatusInProgress,
	})
	if err != nil {
		return err
	}
	var errs []error
	for i := range tasks {
		t := &tasks[i]
		if len(t.Subtasks) == 0 {
			continue
		}
		if err := a.aggregateOne(clog.WithTask(ctx, t.ID), t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) aggregateOne(ctx context.Context, t *taskapi.Task) error {
	progress, done := Rollup(t.Subtasks)
	if done {
		if _, err := a.api.AddComment(ctx, t.ID, rollupComment(t.Subtasks)); err != nil {
			slog.WarnContext(ctx, "failed to post roll-up comment", "error", err)
		}
		if _, err := a.api.UpdateTask(ctx, t.ID, taskapi.TaskPatch{
			Status:    taskapi.Ptr(taskapi.StatusDone),
			Progress:  taskapi.Ptr(100),
			Completed: taskapi.Ptr(true),
		}); err != nil {
			return err
		}
		slog.InfoContext(ctx, "all subtasks finished, parent completed", "subtasks", len(t.Subtasks))
		return nil
	}
	if progress == t.Progress {
		return nil
	}
	if _, err := a.api.UpdateTask(ctx, t.ID, taskapi.TaskPatch{Progress: taskapi.Ptr(progress)}); err != nil {
		return err
	}
	slog.DebugContext(ctx, "updated parent progress", "from", t.Progress, "to", progress)
	return nil
}

func rollupComment(subtasks []taskapi.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Summary] All %d subtasks completed:\n", len(subtasks))
	for _, st := range subtasks {
		fmt.Fprintf(&b, "- %s\n", st.Title)
	}
	b.WriteString("\nSee the [Subtask Result] comments above for each result.")
	return b.String()
}
