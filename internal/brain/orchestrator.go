package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/taskbot/internal/artifact"
	"github.com/kazz187/taskbot/internal/executor"
	"github.com/kazz187/taskbot/internal/orchestration"
	"github.com/kazz187/taskbot/internal/search"
	"github.com/kazz187/taskbot/internal/taskapi"
)

// readLimit caps read_file output handed to the model.
const readLimit = 64 << 10

// Orchestrator is the privileged agent. It routes each task, then delegates,
// decomposes or works it in a per-task workspace.
type Orchestrator struct {
	loop          *ToolLoop
	api           Tasks
	router        *orchestration.Router
	decomposer    *orchestration.Decomposer
	workspaces    *executor.Workspaces
	artifacts     *artifact.Handler
	search        *search.Client
	researchBotID string
}

type OrchestratorDeps struct {
	Loop          *ToolLoop
	API           Tasks
	Router        *orchestration.Router
	Decomposer    *orchestration.Decomposer
	Workspaces    *executor.Workspaces
	Search        *search.Client
	ResearchBotID string
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		loop:          d.Loop,
		api:           d.API,
		router:        d.Router,
		decomposer:    d.Decomposer,
		workspaces:    d.Workspaces,
		artifacts:     artifact.NewHandler(d.API),
		search:        d.Search,
		researchBotID: d.ResearchBotID,
	}
}

func (o *Orchestrator) Handle(ctx context.Context, task *taskapi.Task) error {
	if err := checkReady(ctx, o.api, task); err != nil {
		return err
	}
	attachments, err := o.api.ListArtifacts(ctx, task.ID)
	if err != nil {
		slog.WarnContext(ctx, "failed to list attachments", "error", err)
	}

	decision := o.router.Route(ctx, task, attachments)
	if decision == orchestration.DecisionDelegate && o.researchBotID == "" {
		slog.WarnContext(ctx, "no research agent configured, handling delegated task directly")
		decision = orchestration.DecisionSelf
	}
	switch decision {
	case orchestration.DecisionDelegate:
		return orchestration.Delegate(ctx, o.api, task, o.researchBotID)
	case orchestration.DecisionDecompose:
		handled, err := o.decomposer.Decompose(ctx, task)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	return o.handleSelf(ctx, task, attachments)
}

func (o *Orchestrator) handleSelf(ctx context.Context, task *taskapi.Task, attachments []taskapi.ArtifactMeta) error {
	ws, err := o.workspaces.Open(task.ID)
	if err != nil {
		o.loop.fail(ctx, task, err)
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			slog.WarnContext(ctx, "failed to remove workspace", "error", err)
		}
	}()

	extra := []string{describeAttachments(attachments), priorContext(ctx, o.api, task)}
	_, err = o.loop.Run(ctx, Job{
		Task:         task,
		SystemPrompt: orchestratorPrompt + fmt.Sprintf("\nYour working directory is %s.", ws.Dir()),
		Context:      strings.TrimSpace(strings.Join(extra, "\n\n")),
		Tools:        o.tools(ws, task.ID),
		FinalStatus:  taskapi.StatusDone,
	})
	return err
}

func (o *Orchestrator) tools(ws *executor.Workspace, taskID string) *Toolset {
	var tools []Tool
	if o.search.Enabled() {
		tools = append(tools, WebSearchTool(o.search))
	}
	tools = append(tools,
		ExecuteCodeTool(ws),
		RunShellTool(ws),
		GitTool(ws),
		ReadFileTool(ws, readLimit),
		WriteFileTool(ws),
		DownloadArtifactTool(o.artifacts, ws, taskID),
		UploadArtifactTool(o.artifacts, ws, taskID),
	)
	return NewToolset(tools...)
}
