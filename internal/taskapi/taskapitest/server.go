// Package taskapitest is an in-memory Task Service for tests.
package taskapitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/taskbot/internal/taskapi"
)

type Server struct {
	URL string

	mu        sync.Mutex
	bot       taskapi.BotIdentity
	tasks     map[string]*taskapi.Task
	order     []string
	comments  map[string][]taskapi.Comment
	artifacts map[string][]taskapi.Artifact
	progress  map[string][]int
	seq       int
	hook      func(r *http.Request) int
}

// New starts a server that authenticates as bot. It is closed with the test.
func New(t testing.TB, bot taskapi.BotIdentity) *Server {
	t.Helper()
	s := &Server{
		bot:       bot,
		tasks:     map[string]*taskapi.Task{},
		comments:  map[string][]taskapi.Comment{},
		artifacts: map[string][]taskapi.Artifact{},
		progress:  map[string][]int{},
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Client returns a client for the server that never sleeps between retries.
func (s *Server) Client() *taskapi.Client {
	return taskapi.NewClient(s.URL, "test-token", 5*time.Second,
		taskapi.WithSleep(func(_ context.Context, _ time.Duration) error { return nil }))
}

// SetHook installs fn, which may return a status code to fail a request with, or 0.
func (s *Server) SetHook(fn func(r *http.Request) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// AddTask stores t, assigning an id when empty.
func (s *Server) AddTask(t taskapi.Task) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = s.nextID("task")
	}
	if t.Status == "" {
		t.Status = taskapi.StatusTodo
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	return t.ID
}

// AddComment appends a comment authored by authorID.
func (s *Server) AddComment(taskID, authorID string, authorType taskapi.AuthorType, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendComment(taskID, authorID, authorType, content)
}

func (s *Server) appendComment(taskID, authorID string, authorType taskapi.AuthorType, content string) taskapi.Comment {
	c := taskapi.Comment{
		ID:         s.nextID("comment"),
		TaskID:     taskID,
		Content:    content,
		AuthorType: authorType,
		AuthorID:   authorID,
		CreatedAt:  time.Now(),
	}
	s.comments[taskID] = append(s.comments[taskID], c)
	return c
}

func (s *Server) AddArtifact(taskID string, a taskapi.Artifact) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("artifact")
	}
	a.TaskID = taskID
	s.artifacts[taskID] = append(s.artifacts[taskID], a)
	return a.ID
}

func (s *Server) Task(id string) taskapi.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return taskapi.Task{}
	}
	return s.expand(t)
}

// Tasks returns every task in creation order.
func (s *Server) Tasks() []taskapi.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]taskapi.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.expand(s.tasks[id]))
	}
	return out
}

func (s *Server) Comments(taskID string) []taskapi.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.comments[taskID])
}

func (s *Server) Artifacts(taskID string) []taskapi.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.artifacts[taskID])
}

// ProgressHistory lists every progress value written by PATCH for the task.
func (s *Server) ProgressHistory(taskID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.progress[taskID])
}

func (s *Server) expand(t *taskapi.Task) taskapi.Task {
	out := *t
	out.Subtasks = nil
	for _, id := range s.order {
		st := s.tasks[id]
		if st.SubtaskOfID != nil && *st.SubtaskOfID == t.ID {
			out.Subtasks = append(out.Subtasks, *st)
		}
	}
	return out
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middleware)
	r.Get("/bot/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.bot)
	})
	r.Route("/bot/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Patch("/", s.patchTask)
			r.Get("/comments", s.listComments)
			r.Post("/comments", s.createComment)
			r.Get("/artifacts", s.listArtifacts)
			r.Post("/artifacts", s.createArtifact)
			r.Get("/artifacts/{aid}", s.getArtifact)
		})
	})
	return r
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		hook := s.hook
		s.mu.Unlock()
		if hook != nil {
			if status := hook(r); status != 0 {
				http.Error(w, "injected failure", status)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []taskapi.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if q.Get("assignedToBot") == "true" && t.AssignedToBotID != s.bot.ID {
			continue
		}
		if c := q.Get("completed"); c != "" && strconv.FormatBool(t.Completed) != c {
			continue
		}
		if st := q.Get("status"); st != "" && string(t.Status) != st {
			continue
		}
		matched = append(matched, s.expand(t))
	}

	offset, _ := strconv.Atoi(q.Get("cursor"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 2
	}
	end := min(offset+limit, len(matched))
	if offset > end {
		offset = end
	}
	resp := map[string]any{"tasks": matched[offset:end]}
	if end < len(matched) {
		resp["nextCursor"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var nt taskapi.NewTask
	if err := json.NewDecoder(r.Body).Decode(&nt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	t := taskapi.Task{
		ID:              s.nextID("task"),
		Title:           nt.Title,
		Description:     nt.Description,
		Status:          taskapi.StatusTodo,
		AssignedToBotID: nt.AssignedToBotID,
		SubtaskOfID:     nt.SubtaskOfID,
		DependsOnTaskID: nt.DependsOnTaskID,
		ProjectID:       nt.ProjectID,
		CreatedAt:       time.Now(),
	}
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*taskapi.Task, bool) {
	t, ok := s.tasks[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
	}
	return t, ok
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, s.expand(t))
	}
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	var p taskapi.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
		s.progress[t.ID] = append(s.progress[t.ID], *p.Progress)
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.AssignedToBotID != nil {
		t.AssignedToBotID = *p.AssignedToBotID
	}
	t.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, s.expand(t))
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"comments": s.comments[chi.URLParam(r, "id")]})
	}
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, s.appendComment(t.ID, s.bot.ID, taskapi.AuthorBot, body.Content))
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	metas := []taskapi.ArtifactMeta{}
	for _, a := range s.artifacts[t.ID] {
		metas = append(metas, a.ArtifactMeta)
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": metas})
}

func (s *Server) createArtifact(w http.ResponseWriter, r *http.Request) {
	var na taskapi.NewArtifact
	if err := json.NewDecoder(r.Body).Decode(&na); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	a := taskapi.Artifact{
		ArtifactMeta: taskapi.ArtifactMeta{
			ID:        s.nextID("artifact"),
			TaskID:    t.ID,
			FileName:  na.FileName,
			MimeType:  na.MimeType,
			SizeBytes: int64(len(na.Content)) * 3 / 4,
		},
		Content: na.Content,
	}
	s.artifacts[t.ID] = append(s.artifacts[t.ID], a)
	writeJSON(w, http.StatusCreated, a.ArtifactMeta)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	aid := chi.URLParam(r, "aid")
	for _, a := range s.artifacts[t.ID] {
		if a.ID == aid {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	http.Error(w, `{"error":"artifact not found"}`, http.StatusNotFound)
}
