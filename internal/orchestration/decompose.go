package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/pkg/jsonextract"
)

const MaxPlanEntries = 5

const (
	AssignResearch     = "research"
	AssignOrchestrator = "orchestrator"
)

const decomposePrompt = `You split a task into an ordered plan of at most 5 subtasks.
Each subtask is executed by one agent:
- "research": web research, summaries, small computations in a sandbox. No files, no network installs.
- "orchestrator": file processing, attachments, shell, git, multi-step pipelines.
Every description must be self-contained. When a subtask needs the output of an earlier one, say so explicitly and tell it to read the earlier results from the parent task's comment thread.
Reply with JSON only:
{"subtasks": [{"title": "...", "description": "...", "assignTo": "research|orchestrator", "dependsOn": [<indices of earlier subtasks>]}]}`

const dependencyNote = "\n\nThis subtask depends on earlier steps of the same plan. Read their results from the parent task's comment thread ([Subtask Result] comments) before starting."

type PlanEntry struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AssignTo    string `json:"assignTo"`
	DependsOn   []int  `json:"dependsOn,omitempty"`
}

type Decomposer struct {
	llm           llm.Client
	api           Tasks
	selfBotID     string
	researchBotID string
}

func NewDecomposer(client llm.Client, api Tasks, selfBotID, researchBotID string) *Decomposer {
	return &Decomposer{llm: client, api: api, selfBotID: selfBotID, researchBotID: researchBotID}
}

// Decompose creates subtasks for task. It reports false when no usable plan
// came back, in which case the caller handles the task directly.
func (d *Decomposer) Decompose(ctx context.Context, task *taskapi.Task) (bool, error) {
	resp, err := d.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			llm.SystemMessage(decomposePrompt),
			llm.UserMessage(fmt.Sprintf("Title: %s\n\nDescription:\n%s", task.Title, task.Description)),
		},
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		slog.WarnContext(ctx, "decomposition call failed, handling task directly", "error", err)
		return false, nil
	}
	plan := ParsePlan(resp.Content)
	if len(plan) == 0 {
		slog.WarnContext(ctx, "no usable decomposition plan, handling task directly")
		return false, nil
	}

	order := OrderPlan(plan)
	created := make(map[int]*taskapi.Task, len(plan))
	var failed []string
	for _, idx := range order {
		e := plan[idx]
		nt := taskapi.NewTask{
			Title:           e.Title,
			Description:     e.Description,
			AssignedToBotID: d.botFor(e.AssignTo),
			SubtaskOfID:     taskapi.Ptr(task.ID),
			ProjectID:       task.ProjectID,
		}
		if len(e.DependsOn) > 0 {
			nt.Description += dependencyNote
			if dep, ok := created[e.DependsOn[0]]; ok {
				nt.DependsOnTaskID = taskapi.Ptr(dep.ID)
			}
		}
		st, err := d.api.CreateTask(ctx, nt)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create subtask", "title", e.Title, "error", err)
			failed = append(failed, e.Title)
			continue
		}
		created[idx] = st
	}
	if len(created) == 0 {
		return false, nil
	}

	if _, err := d.api.UpdateTask(ctx, task.ID, taskapi.TaskPatch{
		Status:   taskapi.Ptr(taskapi.StatusInProgress),
		Progress: taskapi.Ptr(DecompositionFloor),
	}); err != nil {
		return true, fmt.Errorf("failed to mark decomposed task in progress: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Plan] Split into %d subtask(s):\n", len(created))
	n := 0
	for _, idx := range order {
		st, ok := created[idx]
		if !ok {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s (%s)\n", n, st.Title, assigneeName(plan[idx].AssignTo))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nCould not create: %s\n", strings.Join(failed, ", "))
	}
	if _, err := d.api.AddComment(ctx, task.ID, b.String()); err != nil {
		slog.WarnContext(ctx, "failed to post plan summary", "error", err)
	}
	return true, nil
}

func (d *Decomposer) botFor(assignTo string) string {
	if normalizeAssignee(assignTo) == AssignOrchestrator {
		return d.selfBotID
	}
	return d.researchBotID
}

func normalizeAssignee(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "orchestrator", "self", "privileged", "file":
		return AssignOrchestrator
	default:
		return AssignResearch
	}
}

func assigneeName(s string) string {
	return normalizeAssignee(s) + " agent"
}

// ParsePlan accepts either {"subtasks": [...]} or a bare array. Entries
// without a title or description are dropped and the plan is capped.
func ParsePlan(text string) []PlanEntry {
	var raw json.RawMessage
	if err := jsonextract.Decode(text, &raw); err != nil {
		return nil
	}
	var entries []PlanEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var env struct {
			Subtasks []PlanEntry `json:"subtasks"`
			Plan     []PlanEntry `json:"plan"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil
		}
		entries = env.Subtasks
		if len(entries) == 0 {
			entries = env.Plan
		}
	}

	// Indices in dependsOn refer to the reply as given, so they are remapped
	// after invalid entries are dropped.
	remap := map[int]int{}
	var plan []PlanEntry
	for i, e := range entries {
		e.Title = strings.TrimSpace(e.Title)
		e.Description = strings.TrimSpace(e.Description)
		if e.Title == "" || e.Description == "" {
			continue
		}
		if len(plan) == MaxPlanEntries {
			break
		}
		remap[i] = len(plan)
		plan = append(plan, e)
	}
	for i := range plan {
		var deps []int
		for _, d := range plan[i].DependsOn {
			if nd, ok := remap[d]; ok && nd != i {
				deps = append(deps, nd)
			}
		}
		plan[i].DependsOn = deps
	}
	return plan
}

// OrderPlan returns plan indices so dependencies come first. A plan already
// in dependency order, or one with a cycle, keeps its given order.
func OrderPlan(plan []PlanEntry) []int {
	given := make([]int, len(plan))
	inOrder := true
	for i, e := range plan {
		given[i] = i
		for _, d := range e.DependsOn {
			if d > i {
				inOrder = false
			}
		}
	}
	if inOrder {
		return given
	}

	var edges []toposort.Edge
	for i, e := range plan {
		if len(e.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, i})
			continue
		}
		for _, d := range e.DependsOn {
			edges = append(edges, toposort.Edge{d, i})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return given
	}
	order := make([]int, 0, len(sorted))
	for _, v := range sorted {
		if idx, ok := v.(int); ok {
			order = append(order, idx)
		}
	}
	if len(order) != len(plan) {
		return given
	}
	return order
}
