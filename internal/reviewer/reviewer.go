// Package reviewer is the quality gate the orchestrator applies to the
// research agent's results.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/jsonextract"
)

const MaxReworks = 2

const (
	ResultPrefix   = "[Result"
	ReworkPrefix   = "[Rework"
	ApprovedPrefix = "[Approved"
)

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRework  Verdict = "rework"
)

const reviewPrompt = `You review work produced by a research agent.
Judge whether the result fully and correctly answers the task. Minor style issues are not a reason for rework.
When a diff against the previous attempt is provided, check that earlier feedback was addressed.
Reply with JSON only: {"verdict": "approve|rework", "feedback": "<specific, actionable feedback>"}`

type Tasks interface {
	ListTasks(ctx context.Context, f taskapi.ListFilter) ([]taskapi.Task, error)
	ListComments(ctx context.Context, taskID string) ([]taskapi.Comment, error)
	UpdateTask(ctx context.Context, id string, patch taskapi.TaskPatch) (*taskapi.Task, error)
	AddComment(ctx context.Context, taskID, content string) (*taskapi.Comment, error)
}

type Publisher interface {
	Publish(ctx context.Context, projectID, event string, data any) error
}

type Reviewer struct {
	llm           llm.Client
	api           Tasks
	selfBotID     string
	researchBotID string
	publisher     Publisher
}

func New(client llm.Client, api Tasks, selfBotID, researchBotID string, publisher Publisher) *Reviewer {
	return &Reviewer{llm: client, api: api, selfBotID: selfBotID, researchBotID: researchBotID, publisher: publisher}
}

// Pending lists tasks the research agent has handed in for review.
func (r *Reviewer) Pending(ctx context.Context) ([]taskapi.Task, error) {
	tasks, err := r.api.ListTasks(ctx, taskapi.ListFilter{Status: taskapi.StatusReview})
	if err != nil {
		return nil, err
	}
	var out []taskapi.Task
	for _, t := range tasks {
		if t.AssignedToBotID == r.researchBotID {
			out = append(out, t)
		}
	}
	return out, nil
}

type Outcome struct {
	Verdict  Verdict
	Forced   bool
	Cycle    int
	Feedback string
}

// Review judges the latest result of task and moves it to DONE or back to
// the research agent.
func (r *Reviewer) Review(ctx context.Context, task *taskapi.Task) (*Outcome, error) {
	comments, err := r.api.ListComments(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	results := commentsWithPrefix(comments, ResultPrefix, "")
	reworks := ReworkCount(comments, r.selfBotID)

	var out Outcome
	if len(results) == 0 {
		out = Outcome{Verdict: VerdictRework, Feedback: "No [Result] comment was found. Post the final answer as a comment starting with [Result]."}
	} else {
		latest := results[len(results)-1].Content
		var previous string
		if len(results) > 1 {
			previous = results[len(results)-2].Content
		}
		verdict, feedback, err := r.ask(ctx, task, latest, previous, reworks)
		if err != nil {
			return nil, err
		}
		out = Outcome{Verdict: verdict, Feedback: feedback}
	}

	if out.Verdict == VerdictRework && reworks >= MaxReworks {
		out.Verdict = VerdictApprove
		out.Forced = true
	}
	if out.Verdict == VerdictRework {
		out.Cycle = reworks + 1
		return &out, r.rework(ctx, task, out)
	}
	return &out, r.approve(ctx, task, out)
}

func (r *Reviewer) ask(ctx context.Context, task *taskapi.Task, latest, previous string, reworks int) (Verdict, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task title: %s\n\nTask description:\n%s\n\n", task.Title, task.Description)
	fmt.Fprintf(&b, "Rework cycles used: %d of %d.", reworks, MaxReworks)
	if reworks >= MaxReworks {
		b.WriteString(" No further rework is possible; a rework verdict will be approved anyway.")
	}
	fmt.Fprintf(&b, "\n\nLatest result:\n%s\n", latest)
	if previous != "" {
		if diff := Diff(previous, latest); diff != "" {
			fmt.Fprintf(&b, "\nChanges since the previous attempt:\n%s\n", diff)
		}
	}

	resp, err := r.llm.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{llm.SystemMessage(reviewPrompt), llm.UserMessage(b.String())},
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to request review: %w", err)
	}
	verdict, feedback := ParseVerdict(resp.Content)
	return verdict, feedback, nil
}

func (r *Reviewer) rework(ctx context.Context, task *taskapi.Task, out Outcome) error {
	feedback := out.Feedback
	if feedback == "" {
		feedback = "The result does not fully answer the task. Please try again."
	}
	if _, err := r.api.AddComment(ctx, task.ID, fmt.Sprintf("[Rework %d/%d] %s", out.Cycle, MaxReworks, feedback)); err != nil {
		return err
	}
	updated, err := r.api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		AssignedToBotID: taskapi.Ptr(r.researchBotID),
		Status:          taskapi.Ptr(taskapi.StatusTodo),
		Progress:        taskapi.Ptr(0),
		Completed:       taskapi.Ptr(false),
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "sent task back for rework", "cycle", out.Cycle)
	r.publish(ctx, updated, taskapi.EventTaskRework, feedback)
	return nil
}

func (r *Reviewer) approve(ctx context.Context, task *taskapi.Task, out Outcome) error {
	msg := "[Approved]"
	if out.Forced {
		msg = fmt.Sprintf("[Approved] Forced approval after %d rework cycles.", MaxReworks)
	}
	if out.Feedback != "" {
		msg += " " + out.Feedback
	}
	if _, err := r.api.AddComment(ctx, task.ID, msg); err != nil {
		return err
	}
	updated, err := r.api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		Status:    taskapi.Ptr(taskapi.StatusDone),
		Progress:  taskapi.Ptr(100),
		Completed: taskapi.Ptr(true),
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "approved task", "forced", out.Forced)
	r.publish(ctx, updated, taskapi.EventTaskCompleted, msg)
	return nil
}

func (r *Reviewer) publish(ctx context.Context, task *taskapi.Task, event, message string) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, task.ProjectID, event, taskapi.NewEventData(task, r.selfBotID, message)); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event", event, "error", err)
	}
}

// ParseVerdict reads a review reply. Anything that is not clearly a rework
// is an approval, so tasks never stall on malformed output.
func ParseVerdict(text string) (Verdict, string) {
	verdict := strings.ToLower(strings.TrimSpace(jsonextract.Get(text, "verdict").String()))
	feedback := strings.TrimSpace(jsonextract.Get(text, "feedback").String())
	if verdict == string(VerdictRework) {
		return VerdictRework, feedback
	}
	return VerdictApprove, feedback
}

// ReworkCount counts rework comments posted by botID.
func ReworkCount(comments []taskapi.Comment, botID string) int {
	return len(commentsWithPrefix(comments, ReworkPrefix, botID))
}

func commentsWithPrefix(comments []taskapi.Comment, prefix, authorID string) []taskapi.Comment {
	var out []taskapi.Comment
	for _, c := range comments {
		if authorID != "" && c.AuthorID != "" && c.AuthorID != authorID {
			continue
		}
		if c.HasPrefix(prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Diff is a unified diff of two results, empty when they are equal.
func Diff(previous, latest string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(latest),
		FromFile: "previous",
		ToFile:   "latest",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
