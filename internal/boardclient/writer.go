package boardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/boardsync/internal/domain"
)

// Writer performs authoritative writes and returns the canonical object
// the store persisted.
type Writer interface {
	CreateTask(ctx context.Context, columnID string, in NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	AddComment(ctx context.Context, taskID string, in NewComment) (domain.Comment, error)
	PostChat(ctx context.Context, projectID string, in NewChatMessage) (domain.ChatMessage, error)
}

// NewTask is the body of a task creation.
type NewTask struct {
	Title     string `json:"title"`
	ProjectID string `json:"projectId"`
}

// TaskPatch carries the fields of a partial task update. Nil fields are
// left unchanged.
type TaskPatch struct {
	ColumnID    *string    `json:"columnId,omitempty"`
	Position    *int       `json:"position,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Status      *string    `json:"status,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	AssigneeIDs *[]string  `json:"assigneeIds,omitempty"`
	LabelIDs    *[]string  `json:"labelIds,omitempty"`
}

func (p TaskPatch) apply(t domain.Task) domain.Task {
	if p.ColumnID != nil {
		t.ColumnID = *p.ColumnID
	}
	if p.Position != nil {
		t.Position = *p.Position
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.AssigneeIDs != nil {
		t.AssigneeIDs = append([]string(nil), (*p.AssigneeIDs)...)
	}
	if p.LabelIDs != nil {
		t.LabelIDs = append([]string(nil), (*p.LabelIDs)...)
	}
	return t
}

// NewComment is the body of a comment creation.
type NewComment struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

// NewChatMessage is the body of a chat post.
type NewChatMessage struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
	ReplyTo  string   `json:"replyTo,omitempty"`
}

// HTTPError is a non-2xx answer from the REST API.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// HTTPWriter is a Writer over the board's REST API.
type HTTPWriter struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPWriter returns a writer against base, such as
// "https://board.example". A nil client uses a 15s timeout client.
func NewHTTPWriter(base, token string, client *http.Client) *HTTPWriter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPWriter{base: strings.TrimRight(base, "/"), token: token, client: client}
}

// CreateTask posts to /api/columns/{columnId}/tasks.
func (w *HTTPWriter) CreateTask(ctx context.Context, columnID string, in NewTask) (domain.Task, error) {
	var t domain.Task
	err := w.do(ctx, http.MethodPost, "/api/columns/"+url.PathEscape(columnID)+"/tasks", in, &t)
	return t, err
}

// UpdateTask patches /api/tasks/{taskId}.
func (w *HTTPWriter) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (domain.Task, error) {
	var t domain.Task
	err := w.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), patch, &t)
	return t, err
}

// DeleteTask deletes /api/tasks/{taskId}.
func (w *HTTPWriter) DeleteTask(ctx context.Context, taskID string) error {
	return w.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

// AddComment posts to /api/tasks/{taskId}/comments.
func (w *HTTPWriter) AddComment(ctx context.Context, taskID string, in NewComment) (domain.Comment, error) {
	var c domain.Comment
	err := w.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/comments", in, &c)
	return c, err
}

// PostChat posts to /api/projects/{projectId}/chat.
func (w *HTTPWriter) PostChat(ctx context.Context, projectID string, in NewChatMessage) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := w.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/chat", in, &m)
	return m, err
}

// Roster reads the presence records of a project.
func (w *HTTPWriter) Roster(ctx context.Context, projectID string) (domain.Roster, error) {
	var r domain.Roster
	err := w.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/presence", nil, &r)
	return r, err
}

func (w *HTTPWriter) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.base+path, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&msg)
		return &HTTPError{Status: resp.StatusCode, Message: msg.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
