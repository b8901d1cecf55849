package boardclient

import (
	"context"
	"fmt"

	"github.com/ashureev/boardsync/internal/domain"
)

// Session drives one user's board. Mutations go through the Board and the
// authoritative Writer; each confirmed write is then broadcast to the room
// over the Client with the canonical payload. A rejected write broadcasts
// nothing.
type Session struct {
	board  *Board
	writer Writer
	client *Client
}

// NewSession ties b, w and c together. c must have joined b's project.
func NewSession(b *Board, w Writer, c *Client) *Session {
	return &Session{board: b, writer: w, client: c}
}

// Board returns the local view.
func (s *Session) Board() *Board { return s.board }

// Run applies incoming events to the board until ctx ends. fn may be nil.
func (s *Session) Run(ctx context.Context, fn func(domain.Event)) error {
	return s.client.Run(ctx, s.board, fn)
}

// MoveTask moves a task to columnID at position.
func (s *Session) MoveTask(ctx context.Context, taskID, columnID string, position int) (domain.Task, error) {
	return s.UpdateTask(ctx, taskID, TaskPatch{ColumnID: &columnID, Position: &position})
}

// UpdateTask applies patch to a task.
func (s *Session) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (domain.Task, error) {
	t, err := s.board.UpdateTask(ctx, s.writer, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	return t, s.publish(ctx, domain.KindTaskUpdated, t)
}

// DeleteTask removes a task.
func (s *Session) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.board.DeleteTask(ctx, s.writer, taskID); err != nil {
		return err
	}
	return s.publish(ctx, domain.KindTaskDeleted, domain.TaskDeleted{TaskID: taskID})
}

// CreateTask creates a task in columnID.
func (s *Session) CreateTask(ctx context.Context, columnID string, in NewTask) (domain.Task, error) {
	t, err := s.board.CreateTask(ctx, s.writer, columnID, in)
	if err != nil {
		return domain.Task{}, err
	}
	return t, s.publish(ctx, domain.KindTaskCreated, t)
}

// AddComment comments on a task.
func (s *Session) AddComment(ctx context.Context, taskID string, in NewComment) (domain.Comment, error) {
	c, err := s.board.AddComment(ctx, s.writer, taskID, in)
	if err != nil {
		return domain.Comment{}, err
	}
	return c, s.publish(ctx, domain.KindCommentAdded, domain.CommentAdded{TaskID: taskID, Comment: c})
}

// PostChat posts to the project chat.
func (s *Session) PostChat(ctx context.Context, in NewChatMessage) (domain.ChatMessage, error) {
	m, err := s.board.PostChat(ctx, s.writer, in)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return m, s.publish(ctx, domain.KindChatMessage, m)
}

// publish broadcasts a confirmed write. The write already stands when this
// fails; peers recover it from the next load.
func (s *Session) publish(ctx context.Context, kind domain.Kind, payload any) error {
	if err := s.client.Send(ctx, kind, s.board.ProjectID(), payload); err != nil {
		return fmt.Errorf("broadcast confirmed write: %w", err)
	}
	return nil
}
