package brain

import (
	"context"
	"strings"

	"github.com/kazz187/taskbot/internal/executor"
	"github.com/kazz187/taskbot/internal/search"
	"github.com/kazz187/taskbot/internal/taskapi"
)

// Research is the constrained agent: web search plus a throwaway sandbox.
// Its results go to REVIEW for the orchestrator.
type Research struct {
	loop    *ToolLoop
	api     Tasks
	search  *search.Client
	sandbox executor.Executor
}

func NewResearch(loop *ToolLoop, api Tasks, searchClient *search.Client, sandbox executor.Executor) *Research {
	return &Research{loop: loop, api: api, search: searchClient, sandbox: sandbox}
}

func (r *Research) tools() *Toolset {
	tools := []Tool{ExecuteCodeTool(r.sandbox)}
	if r.search.Enabled() {
		tools = append([]Tool{WebSearchTool(r.search)}, tools...)
	}
	return NewToolset(tools...)
}

func (r *Research) Handle(ctx context.Context, task *taskapi.Task) error {
	if err := checkReady(ctx, r.api, task); err != nil {
		return err
	}
	_, err := r.loop.Run(ctx, Job{
		Task:         task,
		SystemPrompt: researchPrompt,
		Context:      strings.TrimSpace(priorContext(ctx, r.api, task)),
		Tools:        r.tools(),
		FinalStatus:  taskapi.StatusReview,
	})
	return err
}
