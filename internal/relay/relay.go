// Package relay fans domain events out to the members of a project room.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/room"
	"github.com/ashureev/boardsync/internal/telemetry"
)

// Receipt summarizes one broadcast. Delivery is best-effort, so it is the
// only result a sender gets.
type Receipt struct {
	Enqueued int
	Dropped  int
}

// ExcludesSender reports whether kind is withheld from the connection that
// sent it. Ephemeral pointer and typing signals are; durable changes and
// presence transitions echo to the sender too.
func ExcludesSender(kind domain.Kind) bool {
	switch kind {
	case domain.KindCursorMove, domain.KindChatTyping:
		return true
	}
	return false
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records relay outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithSlowConsumer sets the callback run when a recipient's outbox is full.
// It is called on the broadcasting goroutine and must not block.
func WithSlowConsumer(fn func(connID string)) Option {
	return func(r *Relay) { r.onSlow = fn }
}

// Relay routes frames to registered connection outboxes.
type Relay struct {
	members room.Membership
	logger  *slog.Logger
	metrics *telemetry.Metrics
	onSlow  func(connID string)

	mu       sync.RWMutex
	outboxes map[string]*Outbox
}

// New returns a relay resolving rooms through members.
func New(members room.Membership, opts ...Option) *Relay {
	r := &Relay{
		members:  members,
		logger:   slog.Default(),
		outboxes: make(map[string]*Outbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes connID addressable.
func (r *Relay) Register(connID string, ob *Outbox) {
	r.mu.Lock()
	r.outboxes[connID] = ob
	r.mu.Unlock()
}

// Unregister removes connID. Frames addressed to it afterwards are dropped.
func (r *Relay) Unregister(connID string) {
	r.mu.Lock()
	delete(r.outboxes, connID)
	r.mu.Unlock()
}

// Publish broadcasts ev to its project room, applying the sender policy.
func (r *Relay) Publish(ctx context.Context, ev domain.Event, senderConnID string) Receipt {
	exclude := ""
	if ExcludesSender(ev.Type) {
		exclude = senderConnID
	}
	return r.Broadcast(ctx, ev.ProjectID, ev, exclude)
}

// Broadcast delivers ev to every current member of roomID except exclude.
// The frame is encoded once and shared by all recipients.
func (r *Relay) Broadcast(ctx context.Context, roomID string, ev domain.Event, exclude string) Receipt {
	frame, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode event", "kind", ev.Type, "project_id", roomID, "error", err)
		return Receipt{}
	}

	members := r.members.Members(roomID)

	// Snapshot outboxes to avoid holding the lock while offering.
	targets := make([]target, 0, len(members))
	r.mu.RLock()
	for _, m := range members {
		if m.ConnID == exclude {
			continue
		}
		targets = append(targets, target{connID: m.ConnID, outbox: r.outboxes[m.ConnID]})
	}
	r.mu.RUnlock()

	var rc Receipt
	for _, t := range targets {
		if r.offer(t, ev.Type, frame) {
			rc.Enqueued++
		} else {
			rc.Dropped++
		}
	}

	r.metrics.Relayed(ctx, string(ev.Type), rc.Enqueued, rc.Dropped)
	return rc
}

// Send delivers ev to a single connection, bypassing room membership.
func (r *Relay) Send(ctx context.Context, connID string, ev domain.Event) bool {
	frame, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode reply", "kind", ev.Type, "conn_id", connID, "error", err)
		return false
	}

	r.mu.RLock()
	ob := r.outboxes[connID]
	r.mu.RUnlock()

	ok := r.offer(target{connID: connID, outbox: ob}, ev.Type, frame)
	if ok {
		r.metrics.Relayed(ctx, string(ev.Type), 1, 0)
	} else {
		r.metrics.Relayed(ctx, string(ev.Type), 0, 1)
	}
	return ok
}

type target struct {
	connID string
	outbox *Outbox
}

func (r *Relay) offer(t target, kind domain.Kind, frame []byte) bool {
	if t.outbox == nil {
		r.logDrop(&domain.DeliveryError{ConnID: t.connID, Kind: kind, Reason: "not registered"}, slog.LevelDebug)
		return false
	}

	switch t.outbox.Offer(frame) {
	case Delivered:
		return true
	case Full:
		r.logDrop(&domain.DeliveryError{ConnID: t.connID, Kind: kind, Reason: "outbox full"}, slog.LevelWarn)
		if r.onSlow != nil {
			r.onSlow(t.connID)
		}
	case Closed:
		r.logDrop(&domain.DeliveryError{ConnID: t.connID, Kind: kind, Reason: "connection closed"}, slog.LevelDebug)
	}
	return false
}

func (r *Relay) logDrop(err *domain.DeliveryError, level slog.Level) {
	r.logger.Log(context.Background(), level, "event dropped",
		"conn_id", err.ConnID,
		"kind", err.Kind,
		"error", err.Error(),
	)
}
