package orchestration

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskbot/internal/llm/llmtest"
	"github.com/kazz187/taskbot/internal/taskapi"
	"github.com/kazz187/taskbot/internal/taskapi/taskapitest"
)

const (
	orchestratorID = "bot-orch"
	researchID     = "bot-research"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		text string
		want Decision
	}{
		{text: `{"decision":"delegate","reason":"pure research"}`, want: DecisionDelegate},
		{text: "Sure!\n```json\n{\"decision\": \"DECOMPOSE\"}\n```", want: DecisionDecompose},
		{text: "delegate", want: DecisionDelegate},
		{text: `{"decision":"outsource"}`, want: DecisionSelf},
		{text: "I think I'll handle this", want: DecisionSelf},
		{text: "", want: DecisionSelf},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDecision(tt.text))
		})
	}
}

func TestRoute(t *testing.T) {
	sub := "parent"
	tests := []struct {
		name  string
		task  taskapi.Task
		reply string
		fail  bool
		want  Decision
	}{
		{name: "delegate", task: taskapi.Task{Title: "news"}, reply: `{"decision":"delegate"}`, want: DecisionDelegate},
		{name: "decompose top level", task: taskapi.Task{Title: "big"}, reply: `{"decision":"decompose"}`, want: DecisionDecompose},
		{name: "decompose subtask downgraded", task: taskapi.Task{Title: "s", SubtaskOfID: &sub}, reply: `{"decision":"decompose"}`, want: DecisionSelf},
		{name: "llm failure", task: taskapi.Task{Title: "x"}, fail: true, want: DecisionSelf},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := llmtest.New(llmtest.Text(tt.reply))
			if tt.fail {
				stub.FailNext(errors.New("provider down"))
			}
			got := NewRouter(stub).Route(context.Background(), &tt.task, []taskapi.ArtifactMeta{{FileName: "a.csv", MimeType: "text/csv"}})
			assert.Equal(t, tt.want, got)
			if !tt.fail {
				prompt := stub.Requests()[0].Messages[1].Content
				assert.Contains(t, prompt, "a.csv")
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantLen   int
		wantTitle []string
		wantDeps  [][]int
	}{
		{
			name:      "envelope",
			text:      `{"subtasks":[{"title":"a","description":"da","assignTo":"research"},{"title":"b","description":"db","assignTo":"orchestrator","dependsOn":[0]}]}`,
			wantLen:   2,
			wantTitle: []string{"a", "b"},
			wantDeps:  [][]int{nil, {0}},
		},
		{
			name:      "bare array with prose",
			text:      "Here is the plan:\n[{\"title\":\"a\",\"description\":\"da\"}]",
			wantLen:   1,
			wantTitle: []string{"a"},
			wantDeps:  [][]int{nil},
		},
		{
			name:      "invalid entries dropped and deps remapped",
			text:      `[{"title":"","description":"x"},{"title":"b","description":"db"},{"title":"c","description":"dc","dependsOn":[1,0,2]}]`,
			wantLen:   2,
			wantTitle: []string{"b", "c"},
			wantDeps:  [][]int{nil, {0}},
		},
		{
			name:    "capped",
			text:    `[{"title":"1","description":"d"},{"title":"2","description":"d"},{"title":"3","description":"d"},{"title":"4","description":"d"},{"title":"5","description":"d"},{"title":"6","description":"d"}]`,
			wantLen: 5,
		},
		{name: "garbage", text: "no plan today", wantLen: 0},
		{name: "empty", text: `{"subtasks":[]}`, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := ParsePlan(tt.text)
			require.Len(t, plan, tt.wantLen)
			for i, title := range tt.wantTitle {
				assert.Equal(t, title, plan[i].Title)
			}
			for i, deps := range tt.wantDeps {
				assert.Equal(t, deps, plan[i].DependsOn)
			}
		})
	}
}

func TestOrderPlan(t *testing.T) {
	tests := []struct {
		name string
		plan []PlanEntry
		want []int
	}{
		{name: "already ordered", plan: []PlanEntry{{}, {DependsOn: []int{0}}, {}}, want: []int{0, 1, 2}},
		{name: "reversed", plan: []PlanEntry{{DependsOn: []int{1}}, {}}, want: []int{1, 0}},
		{name: "cycle keeps given order", plan: []PlanEntry{{DependsOn: []int{1}}, {DependsOn: []int{0}}}, want: []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OrderPlan(tt.plan))
		})
	}
}

func TestDecompose(t *testing.T) {
	srv := taskapitest.New(t, taskapi.BotIdentity{ID: orchestratorID})
	parentID := srv.AddTask(taskapi.Task{Title: "Quarterly report", Description: "Research and chart", AssignedToBotID: orchestratorID, ProjectID: "p1"})
	parent := srv.Task(parentID)

	stub := llmtest.New(llmtest.Text(`{"subtasks":[
		{"title":"Chart","description":"Build the chart","assignTo":"orchestrator","dependsOn":[1]},
		{"title":"Research","description":"Find the numbers","assignTo":"research"}
	]}`))
	d := NewDecomposer(stub, srv.Client(), orchestratorID, researchID)

	handled, err := d.Decompose(context.Background(), &parent)
	require.NoError(t, err)
	assert.True(t, handled)

	got := srv.Task(parentID)
	assert.Equal(t, taskapi.StatusInProgress, got.Status)
	assert.Equal(t, DecompositionFloor, got.Progress)
	require.Len(t, got.Subtasks, 2)

	research, chart := got.Subtasks[0], got.Subtasks[1]
	assert.Equal(t, "Research", research.Title)
	assert.Equal(t, researchID, research.AssignedToBotID)
	assert.Equal(t, "p1", research.ProjectID)
	assert.Equal(t, "Chart", chart.Title)
	assert.Equal(t, orchestratorID, chart.AssignedToBotID)
	require.NotNil(t, chart.DependsOnTaskID)
	assert.Equal(t, research.ID, *chart.DependsOnTaskID)
	assert.Contains(t, chart.Description, "parent task's comment thread")

	comments := srv.Comments(parentID)
	require.Len(t, comments, 1)
	assert.True(t, strings.HasPrefix(comments[0].Content, "[Plan] Split into 2 subtask(s)"))
}

func TestDecomposeFallsBack(t *testing.T) {
	srv := taskapitest.New(t, taskapi.BotIdentity{ID: orchestratorID})
	id := srv.AddTask(taskapi.Task{Title: "t", AssignedToBotID: orchestratorID})
	task := srv.Task(id)

	for _, reply := range []string{"I would rather not", `{"subtasks":[{"title":"no description"}]}`} {
		d := NewDecomposer(llmtest.New(llmtest.Text(reply)), srv.Client(), orchestratorID, researchID)
		handled, err := d.Decompose(context.Background(), &task)
		require.NoError(t, err)
		assert.False(t, handled)
	}

	// Subtask creation failing entirely also falls back.
	srv.SetHook(func(r *http.Request) int {
		if r.Method == http.MethodPost && r.URL.Path == "/bot/tasks" {
			return http.StatusBadRequest
		}
		return 0
	})
	d := NewDecomposer(llmtest.New(llmtest.Text(`[{"title":"a","description":"b"}]`)), srv.Client(), orchestratorID, researchID)
	handled, err := d.Decompose(context.Background(), &task)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, taskapi.StatusTodo, srv.Task(id).Status)
}

func TestRollup(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []taskapi.Task
		want     int
		wantDone bool
	}{
		{name: "floor of mean", subtasks: []taskapi.Task{{Progress: 50}, {Progress: 25}, {Progress: 0}}, want: 25},
		{name: "never below floor", subtasks: []taskapi.Task{{Progress: 0}, {Progress: 5}}, want: 10},
		{name: "done counts as 100", subtasks: []taskapi.Task{{Status: taskapi.StatusDone, Progress: 100}, {Progress: 51}}, want: 75},
		{name: "all done", subtasks: []taskapi.Task{{Completed: true, Progress: 100}, {Status: taskapi.StatusDone}}, want: 100, wantDone: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, done := Rollup(tt.subtasks)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDone, done)
		})
	}
}

func TestAggregate(t *testing.T) {
	srv := taskapitest.New(t, taskapi.BotIdentity{ID: orchestratorID})
	client := srv.Client()
	agg := NewAggregator(client)

	parentID := srv.AddTask(taskapi.Task{Title: "p", AssignedToBotID: orchestratorID, Status: taskapi.StatusInProgress, Progress: 10})
	plainID := srv.AddTask(taskapi.Task{Title: "plain", AssignedToBotID: orchestratorID, Status: taskapi.StatusInProgress, Progress: 40})
	s1 := srv.AddTask(taskapi.Task{Title: "s1", AssignedToBotID: researchID, SubtaskOfID: &parentID})
	s2 := srv.AddTask(taskapi.Task{Title: "s2", AssignedToBotID: researchID, SubtaskOfID: &parentID})
	ctx := context.Background()

	_, err := client.UpdateTask(ctx, s1, taskapi.TaskPatch{Progress: taskapi.Ptr(60)})
	require.NoError(t, err)
	require.NoError(t, agg.Aggregate(ctx))
	assert.Equal(t, 30, srv.Task(parentID).Progress)
	assert.Equal(t, 40, srv.Task(plainID).Progress)

	// No change, no write.
	require.NoError(t, agg.Aggregate(ctx))
	assert.Equal(t, []int{30}, srv.ProgressHistory(parentID))

	for _, id := range []string{s1, s2} {
		_, err := client.UpdateTask(ctx, id, taskapi.TaskPatch{
			Status: taskapi.Ptr(taskapi.StatusDone), Completed: taskapi.Ptr(true), Progress: taskapi.Ptr(100),
		})
		require.NoError(t, err)
	}
	require.NoError(t, agg.Aggregate(ctx))
	parent := srv.Task(parentID)
	assert.Equal(t, taskapi.StatusDone, parent.Status)
	assert.True(t, parent.Completed)
	assert.Equal(t, 100, parent.Progress)
	comments := srv.Comments(parentID)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1].Content, "[Summary] All 2 subtasks completed")
}
