// Package presence defines the presence register and an in-memory implementation.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/ashureev/boardsync/internal/domain"
)

// Register stores at most one presence record per (project, user).
// Writers to the same key are serialized by the caller.
type Register interface {
	// Upsert creates or overwrites the record keyed by rec.Key().
	Upsert(ctx context.Context, rec domain.Presence) error

	// Get returns the record for (projectID, userID); ok is false when absent.
	Get(ctx context.Context, projectID, userID string) (rec domain.Presence, ok bool, err error)

	// GetAll returns every record of projectID ordered by user id.
	GetAll(ctx context.Context, projectID string) ([]domain.Presence, error)

	// Remove deletes the record for (projectID, userID). Removing an absent
	// record is not an error.
	Remove(ctx context.Context, projectID, userID string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// Memory is a process-local Register.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]map[string]domain.Presence
}

// NewMemory returns an empty in-memory register.
func NewMemory() *Memory {
	return &Memory{projects: make(map[string]map[string]domain.Presence)}
}

// Upsert stores rec.
func (m *Memory) Upsert(ctx context.Context, rec domain.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.projects[rec.ProjectID]
	if !ok {
		users = make(map[string]domain.Presence)
		m.projects[rec.ProjectID] = users
	}
	users[rec.UserID] = clone(rec)
	return nil
}

// Get returns a copy of one record.
func (m *Memory) Get(ctx context.Context, projectID, userID string) (domain.Presence, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Presence{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.projects[projectID][userID]
	if !ok {
		return domain.Presence{}, false, nil
	}
	return clone(rec), true, nil
}

// GetAll returns a copy of the project's records.
func (m *Memory) GetAll(ctx context.Context, projectID string) ([]domain.Presence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := m.projects[projectID]
	out := make([]domain.Presence, 0, len(users))
	for _, rec := range users {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Remove deletes a record and drops the project map once it is empty.
func (m *Memory) Remove(ctx context.Context, projectID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.projects[projectID]
	if !ok {
		return nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.projects, projectID)
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func clone(rec domain.Presence) domain.Presence {
	if rec.Cursor != nil {
		c := *rec.Cursor
		rec.Cursor = &c
	}
	return rec
}
