package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/jsonextract"
)

type Decision string

const (
	DecisionSelf      Decision = "self"
	DecisionDelegate  Decision = "delegate"
	DecisionDecompose Decision = "decompose"
)

const routingPrompt = `You route incoming tasks for an orchestrator agent.
Choose exactly one decision:
- "self": you handle it yourself. Prefer this when the task has attachments, needs files, shell access, git or multi-step data processing.
- "delegate": hand the whole task to the research agent. Use this for pure web research, summaries or small self-contained computations.
- "decompose": split into at most 5 subtasks. Only for large tasks with clearly separable steps.
Reply with JSON only: {"decision": "self|delegate|decompose", "reason": "<one sentence>"}`

type Router struct {
	llm llm.Client
}

func NewRouter(client llm.Client) *Router {
	return &Router{llm: client}
}

// Route never fails. Errors and unusable replies resolve to DecisionSelf,
// and subtasks are never decomposed again.
func (r *Router) Route(ctx context.Context, task *taskapi.Task, attachments []taskapi.ArtifactMeta) Decision {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n", task.Title, task.Description)
	if task.IsSubtask() {
		b.WriteString("\nThis task is a subtask of a larger task. \"decompose\" is not allowed.\n")
	}
	if len(attachments) > 0 {
		fmt.Fprintf(&b, "\nThe task has %d attachment(s):\n", len(attachments))
		for _, a := range attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", a.FileName, a.MimeType)
		}
	}

	resp, err := r.llm.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{llm.SystemMessage(routingPrompt), llm.UserMessage(b.String())},
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		slog.WarnContext(ctx, "routing call failed, handling task directly", "error", err)
		return DecisionSelf
	}

	d := ParseDecision(resp.Content)
	if d == DecisionDecompose && task.IsSubtask() {
		d = DecisionSelf
	}
	slog.InfoContext(ctx, "routed task", "decision", string(d))
	return d
}

// ParseDecision reads a routing reply. Anything unrecognized is DecisionSelf.
func ParseDecision(text string) Decision {
	raw := jsonextract.Get(text, "decision").String()
	if raw == "" {
		raw = strings.Trim(strings.TrimSpace(text), `"'.`)
	}
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionDelegate:
		return DecisionDelegate
	case DecisionDecompose:
		return DecisionDecompose
	default:
		return DecisionSelf
	}
}

// Delegate hands the whole task to the research agent.
func Delegate(ctx context.Context, api Tasks, task *taskapi.Task, researchBotID string) error {
	if _, err := api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		AssignedToBotID: taskapi.Ptr(researchBotID),
		Progress:        taskapi.Ptr(0),
		Status:          taskapi.Ptr(taskapi.StatusTodo),
		Completed:       taskapi.Ptr(false),
	}); err != nil {
		return fmt.Errorf("failed to delegate task: %w", err)
	}
	if _, err := api.AddComment(ctx, task.ID, "Delegated to the research agent."); err != nil {
		slog.WarnContext(ctx, "failed to post delegation comment", "error", err)
	}
	return nil
}
