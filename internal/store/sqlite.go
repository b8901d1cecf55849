package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
)

// SQLitePresence implements PresenceStore using SQLite.
type SQLitePresence struct {
	db     *sql.DB
	nodeID string
}

// NewSQLitePresence opens (creating if needed) the presence database at
// dbPath. Records written through it are owned by nodeID.
func NewSQLitePresence(dbPath, nodeID string) (*SQLitePresence, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLitePresence{db: db, nodeID: nodeID}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLitePresence) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS presence (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		viewing TEXT,
		cursor_x REAL,
		cursor_y REAL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_presence_node ON presence(node_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLitePresence) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert creates or overwrites the record for rec's key.
func (s *SQLitePresence) Upsert(ctx context.Context, rec domain.Presence) error {
	query := `
	INSERT INTO presence (project_id, user_id, node_id, online, viewing, cursor_x, cursor_y, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, user_id) DO UPDATE SET
		node_id = excluded.node_id,
		online = excluded.online,
		viewing = excluded.viewing,
		cursor_x = excluded.cursor_x,
		cursor_y = excluded.cursor_y,
		last_seen = excluded.last_seen`

	var viewing, cursorX, cursorY interface{}
	if rec.Viewing != "" {
		viewing = rec.Viewing
	}
	if rec.Cursor != nil {
		cursorX, cursorY = rec.Cursor.X, rec.Cursor.Y
	}

	return s.withRetry(ctx, "upsert presence", rec.Key(), func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ProjectID, rec.UserID, s.nodeID, rec.Online,
			viewing, cursorX, cursorY, rec.LastSeen.UnixMilli(),
		)
		return err
	})
}

// Get returns the record for (projectID, userID).
func (s *SQLitePresence) Get(ctx context.Context, projectID, userID string) (domain.Presence, bool, error) {
	query := `
		SELECT user_id, online, viewing, cursor_x, cursor_y, last_seen
		FROM presence WHERE project_id = ? AND user_id = ?`

	rec, err := scanPresence(s.db.QueryRowContext(ctx, query, projectID, userID), projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Presence{}, false, nil
	}
	if err != nil {
		return domain.Presence{}, false, fmt.Errorf("scan presence row: %w", err)
	}
	return rec, true, nil
}

// GetAll returns every record of projectID ordered by user id.
func (s *SQLitePresence) GetAll(ctx context.Context, projectID string) ([]domain.Presence, error) {
	query := `
		SELECT user_id, online, viewing, cursor_x, cursor_y, last_seen
		FROM presence WHERE project_id = ? ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close presence rows", "error", closeErr)
		}
	}()

	out := make([]domain.Presence, 0)
	for rows.Next() {
		rec, err := scanPresence(rows, projectID)
		if err != nil {
			return nil, fmt.Errorf("scan presence row: %w", err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPresence(row scanner, projectID string) (domain.Presence, error) {
	rec := domain.Presence{ProjectID: projectID}
	var viewing sql.NullString
	var cursorX, cursorY sql.NullFloat64
	var lastSeen int64

	if err := row.Scan(&rec.UserID, &rec.Online, &viewing, &cursorX, &cursorY, &lastSeen); err != nil {
		return domain.Presence{}, err
	}

	rec.Viewing = viewing.String
	if cursorX.Valid && cursorY.Valid {
		rec.Cursor = &domain.Cursor{X: cursorX.Float64, Y: cursorY.Float64}
	}
	rec.LastSeen = time.UnixMilli(lastSeen).UTC()
	return rec, nil
}

// Remove deletes the record for (projectID, userID).
func (s *SQLitePresence) Remove(ctx context.Context, projectID, userID string) error {
	key := domain.PresenceKey{ProjectID: projectID, UserID: userID}
	return s.withRetry(ctx, "remove presence", key, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE project_id = ? AND user_id = ?`, projectID, userID)
		return err
	})
}

// PurgeNode removes records owned by nodeID. It runs at startup, before any
// connection is admitted, to drop records a crashed predecessor left online.
func (s *SQLitePresence) PurgeNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("purge presence for node %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge presence rows affected: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLitePresence) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying SQLite busy/locked failures with exponential
// backoff: 50ms, 100ms.
func (s *SQLitePresence) withRetry(ctx context.Context, op string, key domain.PresenceKey, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("presence write hit SQLITE_BUSY, retrying",
			"op", op,
			"key", key.String(),
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", op, key, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
