// Package domain contains core domain types for the boardsync service.
package domain

import (
	"time"
)

// Task is the canonical board task as persisted by the storage collaborator.
type Task struct {
	ID          string     `json:"id"`
	ColumnID    string     `json:"columnId"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status,omitempty"`
	Position    int        `json:"position"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	AssigneeIDs []string   `json:"assigneeIds,omitempty"`
	LabelIDs    []string   `json:"labelIds,omitempty"`
	CreatedByID string     `json:"createdById,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Comment is a comment attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Activity is one entry of a project's activity feed.
type Activity struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	TaskID    string         `json:"taskId,omitempty"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ChatMessage is a project chat message.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cursor is a pointer position on the board canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the live status of one user within one project.
// At most one record exists per (ProjectID, UserID).
type Presence struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Viewing   string    `json:"viewing,omitempty"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Key returns the register key for the record.
func (p Presence) Key() PresenceKey {
	return PresenceKey{ProjectID: p.ProjectID, UserID: p.UserID}
}

// PresenceKey identifies a presence record.
type PresenceKey struct {
	ProjectID string
	UserID    string
}

func (k PresenceKey) String() string {
	return k.ProjectID + ":" + k.UserID
}
