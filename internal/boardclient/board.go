// Package boardclient is the client side of the live-sync layer: a local
// view of one project's board that applies broadcasts, reconciles the
// client's own mutations, and talks to the gateway over WebSocket.
package boardclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/reconcile"
)

// Board is the local view of one project. Safe for concurrent use.
type Board struct {
	projectID string
	tasks     *reconcile.Reconciler[string, domain.Task]

	mu         sync.RWMutex
	comments   map[string][]domain.Comment
	activities []domain.Activity
	chat       []domain.ChatMessage
	presence   map[string]domain.Presence
	typing     map[string]bool
}

// NewBoard returns an empty view of projectID.
func NewBoard(projectID string) *Board {
	return &Board{
		projectID: projectID,
		tasks:     reconcile.New(reconcile.WithNewer[string, domain.Task](taskNewer)),
		comments:  make(map[string][]domain.Comment),
		presence:  make(map[string]domain.Presence),
		typing:    make(map[string]bool),
	}
}

// taskNewer orders task versions by the server's update time. A zero time
// carries no ordering and is always accepted.
func taskNewer(incoming, known domain.Task) bool {
	if incoming.UpdatedAt.IsZero() || known.UpdatedAt.IsZero() {
		return true
	}
	return !incoming.UpdatedAt.Before(known.UpdatedAt)
}

// ProjectID returns the project the board mirrors.
func (b *Board) ProjectID() string { return b.projectID }

// LoadTasks seeds the board with tasks read on load.
func (b *Board) LoadTasks(tasks []domain.Task) {
	for _, t := range tasks {
		b.tasks.Apply(t.ID, t)
	}
}

// Apply folds one event into the view. Events for other projects and
// reply-only frames other than the roster are ignored.
func (b *Board) Apply(ev domain.Event) error {
	if ev.ProjectID != "" && ev.ProjectID != b.projectID {
		return nil
	}
	switch ev.Type {
	case domain.KindTaskCreated, domain.KindTaskUpdated:
		var t domain.Task
		if err := ev.Decode(&t); err != nil {
			return err
		}
		b.tasks.Apply(t.ID, t)
	case domain.KindTaskDeleted:
		var d domain.TaskDeleted
		if err := ev.Decode(&d); err != nil {
			return err
		}
		b.tasks.Forget(d.TaskID)
	case domain.KindCommentAdded:
		var c domain.CommentAdded
		if err := ev.Decode(&c); err != nil {
			return err
		}
		b.addComment(c.TaskID, c.Comment)
	case domain.KindActivityNew:
		var a domain.Activity
		if err := ev.Decode(&a); err != nil {
			return err
		}
		b.addActivity(a)
	case domain.KindChatMessage:
		var m domain.ChatMessage
		if err := ev.Decode(&m); err != nil {
			return err
		}
		b.addChat(m)
	case domain.KindChatTyping:
		var t domain.Typing
		if err := ev.Decode(&t); err != nil {
			return err
		}
		b.setTyping(t.UserID, t.IsTyping)
	case domain.KindCursorMove:
		var m domain.CursorMove
		if err := ev.Decode(&m); err != nil {
			return err
		}
		b.moveCursor(m)
	case domain.KindPresenceUpdate:
		var p domain.Presence
		if err := ev.Decode(&p); err != nil {
			return err
		}
		b.mu.Lock()
		b.presence[p.UserID] = p
		b.mu.Unlock()
	case domain.KindPresenceLeft:
		var l domain.PresenceLeft
		if err := ev.Decode(&l); err != nil {
			return err
		}
		b.mu.Lock()
		delete(b.presence, l.UserID)
		delete(b.typing, l.UserID)
		b.mu.Unlock()
	case domain.KindRoomRoster:
		var r domain.Roster
		if err := ev.Decode(&r); err != nil {
			return err
		}
		b.mu.Lock()
		b.presence = make(map[string]domain.Presence, len(r.Members))
		for _, p := range r.Members {
			b.presence[p.UserID] = p
		}
		b.mu.Unlock()
	}
	return nil
}

// MoveTask optimistically moves a task, then confirms it with w. A failed
// write leaves the task where it was and returns a
// *domain.ReconciliationConflict.
func (b *Board) MoveTask(ctx context.Context, w Writer, taskID, columnID string, position int) (domain.Task, error) {
	return b.UpdateTask(ctx, w, taskID, TaskPatch{ColumnID: &columnID, Position: &position})
}

// UpdateTask optimistically applies patch, then confirms it with w.
func (b *Board) UpdateTask(ctx context.Context, w Writer, taskID string, patch TaskPatch) (domain.Task, error) {
	return b.tasks.Update(ctx, taskID, patch.apply, func(ctx context.Context, _ domain.Task) (domain.Task, error) {
		return w.UpdateTask(ctx, taskID, patch)
	})
}

// DeleteTask optimistically removes a task, then confirms it with w.
func (b *Board) DeleteTask(ctx context.Context, w Writer, taskID string) error {
	return b.tasks.Remove(ctx, taskID, func(ctx context.Context) error {
		return w.DeleteTask(ctx, taskID)
	})
}

// CreateTask asks w to create a task and adds the canonical result. The
// id is assigned by the store, so creation is not applied optimistically.
func (b *Board) CreateTask(ctx context.Context, w Writer, columnID string, in NewTask) (domain.Task, error) {
	if in.ProjectID == "" {
		in.ProjectID = b.projectID
	}
	t, err := w.CreateTask(ctx, columnID, in)
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	b.tasks.Apply(t.ID, t)
	return t, nil
}

// AddComment asks w to persist a comment and adds the canonical result.
func (b *Board) AddComment(ctx context.Context, w Writer, taskID string, in NewComment) (domain.Comment, error) {
	c, err := w.AddComment(ctx, taskID, in)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	b.addComment(taskID, c)
	return c, nil
}

// PostChat asks w to persist a chat message and adds the canonical result.
func (b *Board) PostChat(ctx context.Context, w Writer, in NewChatMessage) (domain.ChatMessage, error) {
	m, err := w.PostChat(ctx, b.projectID, in)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("post chat: %w", err)
	}
	b.addChat(m)
	return m, nil
}

// Task returns one task.
func (b *Board) Task(id string) (domain.Task, bool) {
	return b.tasks.Get(id)
}

// Tasks returns every task ordered by column then position.
func (b *Board) Tasks() []domain.Task {
	all := b.tasks.Values()
	out := make([]domain.Task, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ColumnID != out[j].ColumnID {
			return out[i].ColumnID < out[j].ColumnID
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Comments returns the comments of a task in arrival order.
func (b *Board) Comments(taskID string) []domain.Comment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Comment(nil), b.comments[taskID]...)
}

// Activities returns the feed, newest first.
func (b *Board) Activities() []domain.Activity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Activity(nil), b.activities...)
}

// Chat returns the chat log in arrival order.
func (b *Board) Chat() []domain.ChatMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.ChatMessage(nil), b.chat...)
}

// Presence returns the online members sorted by user id.
func (b *Board) Presence() []domain.Presence {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Presence, 0, len(b.presence))
	for _, p := range b.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Typing returns the users currently typing, sorted.
func (b *Board) Typing() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.typing))
	for u := range b.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (b *Board) addComment(taskID string, c domain.Comment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.comments[taskID] {
		if c.ID != "" && existing.ID == c.ID {
			return
		}
	}
	b.comments[taskID] = append(b.comments[taskID], c)
}

func (b *Board) addActivity(a domain.Activity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.activities {
		if a.ID != "" && existing.ID == a.ID {
			return
		}
	}
	b.activities = append([]domain.Activity{a}, b.activities...)
}

func (b *Board) addChat(m domain.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.chat {
		if m.ID != "" && existing.ID == m.ID {
			return
		}
	}
	b.chat = append(b.chat, m)
}

func (b *Board) setTyping(userID string, typing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if typing {
		b.typing[userID] = true
	} else {
		delete(b.typing, userID)
	}
}

func (b *Board) moveCursor(m domain.CursorMove) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.presence[m.UserID]
	if !ok {
		return
	}
	p.Cursor = &domain.Cursor{X: m.X, Y: m.Y}
	b.presence[m.UserID] = p
}
