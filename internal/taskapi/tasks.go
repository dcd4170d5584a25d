package taskapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// maxListPages bounds cursor pagination for one listing.
const maxListPages = 20

type listTasksResponse struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"nextCursor"`
}

type listCommentsResponse struct {
	Comments []Comment `json:"comments"`
}

type listArtifactsResponse struct {
	Artifacts []ArtifactMeta `json:"artifacts"`
}

type commentRequest struct {
	Content string `json:"content"`
}

func (c *Client) Me(ctx context.Context) (*BotIdentity, error) {
	var me BotIdentity
	if err := c.Request(ctx, http.MethodGet, "/bot/me", nil, &me); err != nil {
		return nil, fmt.Errorf("failed to get bot identity: %w", err)
	}
	return &me, nil
}

// ListTasks follows the cursor until exhausted.
func (c *Client) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	var (
		all    []Task
		cursor string
	)
	for range maxListPages {
		q := url.Values{}
		if f.AssignedToBot {
			q.Set("assignedToBot", "true")
		}
		if f.Completed != nil {
			q.Set("completed", strconv.FormatBool(*f.Completed))
		}
		if f.Status != "" {
			q.Set("status", string(f.Status))
		}
		if f.Limit > 0 {
			q.Set("limit", strconv.Itoa(f.Limit))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		path := "/bot/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp listTasksResponse
		if err := c.Request(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		all = append(all, resp.Tasks...)
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}

// ListUnclaimed returns open tasks assigned to this bot that nobody has started.
func (c *Client) ListUnclaimed(ctx context.Context) ([]Task, error) {
	tasks, err := c.ListTasks(ctx, ListFilter{AssignedToBot: true, Completed: Ptr(false)})
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.Progress == 0 && !t.Finished() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.Request(ctx, http.MethodGet, "/bot/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	var t Task
	if err := c.Request(ctx, http.MethodPatch, "/bot/tasks/"+url.PathEscape(id), patch, &t); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return &t, nil
}

func (c *Client) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	var t Task
	if err := c.Request(ctx, http.MethodPost, "/bot/tasks", nt, &t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &t, nil
}

func (c *Client) AddComment(ctx context.Context, taskID, content string) (*Comment, error) {
	var cm Comment
	path := "/bot/tasks/" + url.PathEscape(taskID) + "/comments"
	if err := c.Request(ctx, http.MethodPost, path, commentRequest{Content: content}, &cm); err != nil {
		return nil, fmt.Errorf("failed to add comment to task %s: %w", taskID, err)
	}
	return &cm, nil
}

// ListComments returns the thread oldest first.
func (c *Client) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	var resp listCommentsResponse
	path := "/bot/tasks/" + url.PathEscape(taskID) + "/comments"
	if err := c.Request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list comments of task %s: %w", taskID, err)
	}
	return resp.Comments, nil
}

func (c *Client) ListArtifacts(ctx context.Context, taskID string) ([]ArtifactMeta, error) {
	var resp listArtifactsResponse
	path := "/bot/tasks/" + url.PathEscape(taskID) + "/artifacts"
	if err := c.Request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list artifacts of task %s: %w", taskID, err)
	}
	return resp.Artifacts, nil
}

func (c *Client) GetArtifact(ctx context.Context, taskID, artifactID string) (*Artifact, error) {
	var a Artifact
	path := "/bot/tasks/" + url.PathEscape(taskID) + "/artifacts/" + url.PathEscape(artifactID)
	if err := c.Request(ctx, http.MethodGet, path, nil, &a); err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", artifactID, err)
	}
	return &a, nil
}

func (c *Client) UploadArtifact(ctx context.Context, taskID string, na NewArtifact) (*ArtifactMeta, error) {
	var meta ArtifactMeta
	path := "/bot/tasks/" + url.PathEscape(taskID) + "/artifacts"
	if err := c.Request(ctx, http.MethodPost, path, na, &meta); err != nil {
		return nil, fmt.Errorf("failed to upload artifact to task %s: %w", taskID, err)
	}
	return &meta, nil
}
