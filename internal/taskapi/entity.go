package taskapi

import (
	"strings"
	"time"
)

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
)

type Task struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Status          Status         `json:"status"`
	Progress        int            `json:"progress"`
	Completed       bool           `json:"completed"`
	AssignedToBotID string         `json:"assignedToBotId,omitempty"`
	SubtaskOfID     *string        `json:"subtaskOfId,omitempty"`
	DependsOnTaskID *string        `json:"dependsOnTaskId,omitempty"`
	ProjectID       string         `json:"projectId,omitempty"`
	Subtasks        []Task         `json:"subtasks,omitempty"`
	Artifacts       []ArtifactMeta `json:"artifacts,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (t *Task) IsSubtask() bool {
	return t.SubtaskOfID != nil && *t.SubtaskOfID != ""
}

// Finished reports whether the task counts as complete for roll-ups.
func (t *Task) Finished() bool {
	return t.Completed || t.Status == StatusDone
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Status          *Status `json:"status,omitempty"`
	Progress        *int    `json:"progress,omitempty"`
	Completed       *bool   `json:"completed,omitempty"`
	AssignedToBotID *string `json:"assignedToBotId,omitempty"`
}

type NewTask struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	AssignedToBotID string  `json:"assignedToBotId,omitempty"`
	SubtaskOfID     *string `json:"subtaskOfId,omitempty"`
	DependsOnTaskID *string `json:"dependsOnTaskId,omitempty"`
	ProjectID       string  `json:"projectId,omitempty"`
}

type AuthorType string

const (
	AuthorBot   AuthorType = "bot"
	AuthorHuman AuthorType = "human"
)

type Comment struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Content    string     `json:"content"`
	AuthorType AuthorType `json:"authorType"`
	AuthorID   string     `json:"authorId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (c *Comment) HasPrefix(prefix string) bool {
	return strings.HasPrefix(strings.TrimSpace(c.Content), prefix)
}

type ArtifactMeta struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

type Artifact struct {
	ArtifactMeta
	// Content is base64 encoded.
	Content string `json:"content"`
}

type NewArtifact struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

type BotIdentity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	ProjectIDs  []string `json:"projectIds"`
}

type ListFilter struct {
	AssignedToBot bool
	Completed     *bool
	Status        Status
	Limit         int
}

func Ptr[T any](v T) *T {
	return &v
}
