// Package store provides externally backed presence persistence.
package store

import (
	"context"

	"github.com/ashureev/boardsync/internal/presence"
)

// PresenceStore is a presence register that outlives the process and tracks
// which gateway node wrote each record.
type PresenceStore interface {
	presence.Register

	// PurgeNode removes every record written by nodeID and returns how many
	// rows were deleted.
	PurgeNode(ctx context.Context, nodeID string) (int64, error)

	// Close closes the database connection.
	Close() error
}

var _ PresenceStore = (*SQLitePresence)(nil)
