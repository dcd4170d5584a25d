// Package orchestration holds the privileged agent's pre-loop routing, task
// decomposition and the parent progress roll-up.
package orchestration

import (
	"context"

	"github.com/kazz187/taskbot/internal/taskapi"
)

type Tasks interface {
	UpdateTask(ctx context.Context, id string, patch taskapi.TaskPatch) (*taskapi.Task, error)
	AddComment(ctx context.Context, taskID, content string) (*taskapi.Comment, error)
	CreateTask(ctx context.Context, nt taskapi.NewTask) (*taskapi.Task, error)
	ListTasks(ctx context.Context, f taskapi.ListFilter) ([]taskapi.Task, error)
}

// DecompositionFloor is the parent progress set when subtasks are created.
const DecompositionFloor = 10
