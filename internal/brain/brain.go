// Package brain turns a claimed task into an LLM tool-call conversation and
// reports the outcome back to the Task Service.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/taskbot/internal/taskapi"
)

// ErrNotReady is returned for a subtask whose dependency has not finished.
// The task is left unclaimed and picked up again on a later poll.
var ErrNotReady = errors.New("task dependency is not finished")

const (
	SubtaskResultPrefix = "[Subtask Result"
	resultPrefix        = "[Result"
	reworkPrefix        = "[Rework"
)

type Tasks interface {
	GetTask(ctx context.Context, id string) (*taskapi.Task, error)
	UpdateTask(ctx context.Context, id string, patch taskapi.TaskPatch) (*taskapi.Task, error)
	CreateTask(ctx context.Context, nt taskapi.NewTask) (*taskapi.Task, error)
	ListTasks(ctx context.Context, f taskapi.ListFilter) ([]taskapi.Task, error)
	AddComment(ctx context.Context, taskID, content string) (*taskapi.Comment, error)
	ListComments(ctx context.Context, taskID string) ([]taskapi.Comment, error)
	ListArtifacts(ctx context.Context, taskID string) ([]taskapi.ArtifactMeta, error)
	GetArtifact(ctx context.Context, taskID, artifactID string) (*taskapi.Artifact, error)
	UploadArtifact(ctx context.Context, taskID string, na taskapi.NewArtifact) (*taskapi.ArtifactMeta, error)
}

type Publisher interface {
	Publish(ctx context.Context, projectID, event string, data any) error
}

// Brain processes one claimed task. Handle never panics past its boundary.
type Brain interface {
	Handle(ctx context.Context, task *taskapi.Task) error
}

// checkReady fails with ErrNotReady while the task's dependency is open.
func checkReady(ctx context.Context, api Tasks, task *taskapi.Task) error {
	if task.DependsOnTaskID == nil || *task.DependsOnTaskID == "" {
		return nil
	}
	dep, err := api.GetTask(ctx, *task.DependsOnTaskID)
	if err != nil {
		if taskapi.IsNotFound(err) {
			slog.WarnContext(ctx, "dependency no longer exists, continuing", "depends_on", *task.DependsOnTaskID)
			return nil
		}
		return fmt.Errorf("failed to get dependency: %w", err)
	}
	if !dep.Finished() {
		return ErrNotReady
	}
	return nil
}

// priorContext gathers what earlier work left behind for this task: sibling
// subtask results on the parent thread and the latest rework feedback.
func priorContext(ctx context.Context, api Tasks, task *taskapi.Task) string {
	var sections []string
	if task.IsSubtask() {
		comments, err := api.ListComments(ctx, *task.SubtaskOfID)
		if err != nil {
			slog.WarnContext(ctx, "failed to read parent comments", "error", err)
		}
		var results []string
		for _, c := range comments {
			if c.HasPrefix(SubtaskResultPrefix) {
				results = append(results, strings.TrimSpace(c.Content))
			}
		}
		if len(results) > 0 {
			sections = append(sections, "Results of earlier subtasks from the parent task:\n\n"+strings.Join(results, "\n\n"))
		}
	}

	comments, err := api.ListComments(ctx, task.ID)
	if err != nil {
		slog.WarnContext(ctx, "failed to read task comments", "error", err)
		return strings.Join(sections, "\n\n")
	}
	var lastResult, lastRework string
	for _, c := range comments {
		switch {
		case c.HasPrefix(reworkPrefix):
			lastRework = strings.TrimSpace(c.Content)
		case c.HasPrefix(resultPrefix):
			lastResult = strings.TrimSpace(c.Content)
		}
	}
	if lastRework != "" {
		s := "A reviewer sent your previous attempt back:\n" + lastRework
		if lastResult != "" {
			s += "\n\nYour previous result was:\n" + lastResult
		}
		sections = append(sections, s)
	}
	return strings.Join(sections, "\n\n")
}

func describeAttachments(attachments []taskapi.ArtifactMeta) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Attached files (use download_artifact to fetch them):\n")
	for _, a := range attachments {
		fmt.Fprintf(&b, "- id=%s name=%s type=%s size=%d bytes\n", a.ID, a.FileName, a.MimeType, a.SizeBytes)
	}
	return b.String()
}
