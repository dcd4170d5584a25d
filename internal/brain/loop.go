package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/taskbot/internal/artifact"
	"github.com/kazz187/taskbot/internal/guard"
	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/panicerr"
)

const (
	claimProgress = 10
	maxProgress   = 95
	// OversizeThreshold is the tool output size above which the full text is
	// attached as an artifact and the model sees a truncated copy.
	OversizeThreshold = 8 << 10
)

type LoopConfig struct {
	BotID     string
	MaxRounds int
	MaxTokens int
	// Temperature is passed through when set.
	Temperature *float64
}

// ToolLoop runs the claim, converse, finalize sequence shared by both roles.
type ToolLoop struct {
	llm       llm.Client
	api       Tasks
	artifacts *artifact.Handler
	publisher Publisher
	cfg       LoopConfig
}

func NewToolLoop(client llm.Client, api Tasks, publisher Publisher, cfg LoopConfig) *ToolLoop {
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 1
	}
	return &ToolLoop{
		llm:       client,
		api:       api,
		artifacts: artifact.NewHandler(api),
		publisher: publisher,
		cfg:       cfg,
	}
}

// Job is one run of the loop.
type Job struct {
	Task         *taskapi.Task
	SystemPrompt string
	// Context is appended to the user turn after the sanitized description.
	Context     string
	Tools       *Toolset
	FinalStatus taskapi.Status
}

type Outcome struct {
	Result    string
	Rounds    int
	Forced    bool
	Artifacts []string
	Guard     guard.Result
}

type oversized struct {
	name string
	data string
}

// Run executes job. Any failure, including a panic, leaves an [Error]
// comment on the task and is returned to the caller.
func (l *ToolLoop) Run(ctx context.Context, job Job) (*Outcome, error) {
	var out *Outcome
	err := panicerr.Try(func() error {
		var err error
		out, err = l.run(ctx, job)
		return err
	})
	if err != nil {
		l.fail(ctx, job.Task, err)
		return nil, err
	}
	return out, nil
}

func (l *ToolLoop) run(ctx context.Context, job Job) (*Outcome, error) {
	task := job.Task
	progress := newProgressReporter(l.api, task.ID)

	// CLAIMED
	if _, err := l.api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		Status:   taskapi.Ptr(taskapi.StatusInProgress),
		Progress: taskapi.Ptr(claimProgress),
	}); err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	progress.current = claimProgress
	if _, err := l.api.AddComment(ctx, task.ID, "Picking up this task."); err != nil {
		slog.WarnContext(ctx, "failed to post pickup comment", "error", err)
	}
	l.publish(ctx, task, taskapi.EventTaskClaimed, "")
	slog.InfoContext(ctx, "claimed task", "title", task.Title)

	// SANITIZED
	screen := guard.AnalyzeAndSanitize(task.Description)
	if screen.NeedsAudit() {
		msg := fmt.Sprintf("[Security] Possible prompt injection detected (risk %.2f): %s. Continuing with the sanitized description.",
			screen.RiskScore, strings.Join(screen.Flags, ", "))
		if _, err := l.api.AddComment(ctx, task.ID, msg); err != nil {
			slog.WarnContext(ctx, "failed to post audit comment", "error", err)
		}
		slog.WarnContext(ctx, "prompt injection flagged", "flags", screen.Flags, "risk", screen.RiskScore)
	}

	user := fmt.Sprintf("Task: %s\n\n%s", task.Title, screen.SanitizedText)
	if job.Context != "" {
		user += "\n\n" + job.Context
	}
	messages := []llm.Message{llm.SystemMessage(job.SystemPrompt), llm.UserMessage(user)}

	// CONVERSING / TOOL_EXECUTING
	out := &Outcome{Guard: screen}
	var pending []oversized
	var activity []string
	final, done := "", false
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		out.Rounds = round
		resp, err := l.llm.Chat(ctx, l.request(messages, job.Tools))
		if err != nil {
			return nil, fmt.Errorf("failed to get model response in round %d: %w", round, err)
		}
		if len(resp.ToolCalls) == 0 {
			final, done = resp.Content, true
			break
		}
		messages = append(messages, resp.AssistantMessage())
		for n, call := range resp.ToolCalls {
			activity = append(activity, job.Tools.Summary(call))
			result := job.Tools.Call(ctx, call)
			if len(result) > OversizeThreshold {
				name := fmt.Sprintf("tool-output-%d-%d.txt", round, n+1)
				pending = append(pending, oversized{name: name, data: result})
				result = result[:OversizeThreshold] + fmt.Sprintf("\n...[output truncated at %d of %d bytes; full output is attached to the task as %s]", OversizeThreshold, len(result), name)
			}
			messages = append(messages, llm.ToolResultMessage(call, result))
		}
		progress.Advance(ctx, claimProgress+round*(maxProgress-claimProgress)/l.cfg.MaxRounds)
	}

	if !done {
		messages = append(messages, llm.UserMessage(summaryPrompt))
		req := l.request(messages, nil)
		resp, err := l.llm.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to get summary response: %w", err)
		}
		final, out.Forced = resp.Content, true
	}
	final = strings.TrimSpace(final)
	if final == "" {
		final = "(the model returned an empty answer)"
	}
	out.Result = final

	// ARTIFACT_UPLOADED
	for _, o := range pending {
		if _, err := l.artifacts.UploadBytes(ctx, task.ID, o.name, "text/plain", []byte(o.data)); err != nil {
			slog.WarnContext(ctx, "failed to upload tool output", "file", o.name, "error", err)
			continue
		}
		out.Artifacts = append(out.Artifacts, o.name)
	}

	// COMPLETED
	comment := resultComment(final, out, activity)
	if _, err := l.api.AddComment(ctx, task.ID, comment); err != nil {
		return nil, fmt.Errorf("failed to post result: %w", err)
	}
	if task.IsSubtask() {
		parentNote := fmt.Sprintf("%s: %s]\n\n%s", SubtaskResultPrefix, task.Title, final)
		if _, err := l.api.AddComment(ctx, *task.SubtaskOfID, parentNote); err != nil {
			slog.WarnContext(ctx, "failed to post result on parent", "error", err)
		}
	}
	updated, err := l.api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		Status:    taskapi.Ptr(job.FinalStatus),
		Progress:  taskapi.Ptr(100),
		Completed: taskapi.Ptr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}
	event := taskapi.EventTaskCompleted
	if job.FinalStatus == taskapi.StatusReview {
		event = taskapi.EventTaskReview
	}
	l.publish(ctx, updated, event, clip(final, 500))
	slog.InfoContext(ctx, "finished task", "status", job.FinalStatus, "rounds", out.Rounds, "forced_summary", out.Forced)
	return out, nil
}

func (l *ToolLoop) request(messages []llm.Message, tools *Toolset) llm.ChatRequest {
	req := llm.ChatRequest{
		Messages:    messages,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	}
	if tools != nil {
		req.Tools = tools.Definitions()
	}
	return req
}

func resultComment(final string, out *Outcome, activity []string) string {
	var b strings.Builder
	b.WriteString("[Result]\n\n")
	b.WriteString(final)
	if out.Forced {
		b.WriteString("\n\n_The tool round budget ran out; this is a summary of partial progress._")
	}
	if len(out.Artifacts) > 0 {
		b.WriteString("\n\nFull tool output attached: ")
		b.WriteString(strings.Join(out.Artifacts, ", "))
	}
	if len(activity) > 0 {
		b.WriteString("\n\nTools used:\n")
		for _, a := range activity {
			b.WriteString("- ")
			b.WriteString(a)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// fail leaves a diagnostic comment. The task keeps its unfinished status.
func (l *ToolLoop) fail(ctx context.Context, task *taskapi.Task, cause error) {
	slog.ErrorContext(ctx, "task processing failed", "error", cause)
	msg := fmt.Sprintf("[Error] Processing failed: %s", clip(cause.Error(), 1000))
	if _, err := l.api.AddComment(ctx, task.ID, msg); err != nil {
		slog.ErrorContext(ctx, "failed to post error comment", "error", err)
	}
	l.publish(ctx, task, taskapi.EventTaskFailed, cause.Error())
}

func (l *ToolLoop) publish(ctx context.Context, task *taskapi.Task, event, message string) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, task.ProjectID, event, taskapi.NewEventData(task, l.cfg.BotID, message)); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event", event, "error", err)
	}
}

// progressReporter pushes progress only upward and never past maxProgress.
type progressReporter struct {
	api     Tasks
	taskID  string
	current int
}

func newProgressReporter(api Tasks, taskID string) *progressReporter {
	return &progressReporter{api: api, taskID: taskID}
}

func (p *progressReporter) Advance(ctx context.Context, v int) {
	v = min(v, maxProgress)
	if v <= p.current {
		return
	}
	if _, err := p.api.UpdateTask(ctx, p.taskID, taskapi.TaskPatch{Progress: taskapi.Ptr(v)}); err != nil {
		slog.WarnContext(ctx, "failed to update progress", "progress", v, "error", err)
		return
	}
	p.current = v
}
