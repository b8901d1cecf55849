// Package gateway owns the lifecycle of live connections: admission, room
// membership, presence bookkeeping and disconnect cleanup.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/identity"
	"github.com/ashureev/boardsync/internal/presence"
	"github.com/ashureev/boardsync/internal/relay"
	"github.com/ashureev/boardsync/internal/room"
	"github.com/ashureev/boardsync/internal/telemetry"
)

const (
	defaultOutboxSize     = 256
	defaultCleanupTimeout = 10 * time.Second

	removeAttempts  = 3
	removeBaseDelay = 25 * time.Millisecond
)

// Options configures a Gateway. Verifier and Register are required.
type Options struct {
	Verifier       identity.Verifier
	Register       presence.Register
	Members        room.Membership
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	Tracer         trace.Tracer
	OutboxSize     int
	CleanupTimeout time.Duration
	Now            func() time.Time
}

// Gateway admits connections and executes their signals.
type Gateway struct {
	verifier       identity.Verifier
	register       presence.Register
	members        room.Membership
	relay          *relay.Relay
	locks          *keyLocks
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
	outboxSize     int
	cleanupTimeout time.Duration
	now            func() time.Time

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New returns a Gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		verifier:       opts.Verifier,
		register:       opts.Register,
		members:        opts.Members,
		locks:          newKeyLocks(),
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		outboxSize:     opts.OutboxSize,
		cleanupTimeout: opts.CleanupTimeout,
		now:            opts.Now,
		conns:          make(map[string]*Conn),
	}
	if g.members == nil {
		g.members = room.NewMemory()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("github.com/ashureev/boardsync/internal/gateway")
	}
	if g.outboxSize <= 0 {
		g.outboxSize = defaultOutboxSize
	}
	if g.cleanupTimeout <= 0 {
		g.cleanupTimeout = defaultCleanupTimeout
	}
	if g.now == nil {
		g.now = func() time.Time { return time.Now().UTC() }
	}
	g.relay = relay.New(g.members,
		relay.WithLogger(g.logger),
		relay.WithMetrics(g.metrics),
		relay.WithSlowConsumer(g.evict),
	)
	return g
}

// Admit verifies credential and registers a new connection. A failed
// verification returns an *domain.AuthError and creates nothing.
func (g *Gateway) Admit(ctx context.Context, credential, transport string) (*Conn, error) {
	if credential == "" {
		return nil, domain.ErrAuthMissing
	}
	userID, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		var authErr *domain.AuthError
		if !errors.As(err, &authErr) {
			err = &domain.AuthError{Reason: domain.AuthInvalid, Err: err}
		}
		return nil, err
	}

	c := newConn(uuid.NewString(), userID, transport, relay.NewOutbox(g.outboxSize))

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.relay.Register(c.id, c.outbox)
	g.metrics.ConnOpened(ctx, transport)

	g.logger.Info("connection admitted", "conn_id", c.id, "user_id", userID, "transport", transport)

	g.reply(c, domain.KindConnected, "", domain.Connected{ConnID: c.id, UserID: userID, Transport: transport})
	return c, nil
}

// Conn returns the live connection with id.
func (g *Gateway) Conn(id string) (*Conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Handle executes one inbound signal. Failures scoped to the signal are
// answered with an error frame to c alone and returned as *domain.RoomError.
func (g *Gateway) Handle(c *Conn, in domain.Inbound) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return roomErr(domain.RoomClosed, in, nil)
	}

	h, ok := dispatchTable[in.Type]
	if !ok {
		err := roomErr(domain.RoomUnknownSignal, in, fmt.Errorf("unknown signal %q", in.Type))
		g.replyError(c, err)
		return err
	}

	next, effects, err := h(c.state(), in)
	if err != nil {
		var re *domain.RoomError
		if errors.As(err, &re) {
			g.replyError(c, re)
		}
		return err
	}
	c.setPhase(next.Phase)

	for _, eff := range effects {
		if err := g.apply(c, eff); err != nil {
			var re *domain.RoomError
			if errors.As(err, &re) {
				g.replyError(c, re)
			}
			return err
		}
	}
	return nil
}

// Malformed answers a frame that could not be decoded as a signal.
func (g *Gateway) Malformed(c *Conn, cause error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := &domain.RoomError{Code: domain.RoomBadPayload, Err: cause}
	if c.isClosed() {
		err.Code = domain.RoomClosed
		return err
	}
	g.replyError(c, err)
	return err
}

// Join adds c to projectID.
func (g *Gateway) Join(c *Conn, projectID string) error {
	return g.Handle(c, domain.Inbound{Type: domain.KindJoinRoom, ProjectID: projectID})
}

// Leave removes c from projectID.
func (g *Gateway) Leave(c *Conn, projectID string) error {
	return g.Handle(c, domain.Inbound{Type: domain.KindLeaveRoom, ProjectID: projectID})
}

func (g *Gateway) apply(c *Conn, eff Effect) error {
	switch eff.Kind {
	case EffectJoin:
		return g.join(c, eff.ProjectID)
	case EffectLeave:
		return g.leave(c.ctx, c, eff.ProjectID)
	case EffectBroadcast:
		ev := eff.Event
		ev.TS = g.now()
		g.relay.Publish(c.ctx, ev, c.id)
		return nil
	case EffectReply:
		ev := eff.Event
		ev.TS = g.now()
		g.relay.Send(c.ctx, c.id, ev)
		return nil
	case EffectPresence:
		return g.patchPresence(c, eff.Op, eff.ProjectID, eff.Patch)
	}
	return fmt.Errorf("unknown effect %d", eff.Kind)
}

func lockKey(projectID, userID string) string {
	return domain.PresenceKey{ProjectID: projectID, UserID: userID}.String()
}

// join commits membership and presence together. If the presence write
// fails a first join is rolled back, so a join is never half applied.
func (g *Gateway) join(c *Conn, projectID string) (err error) {
	ctx, span := g.tracer.Start(c.ctx, "gateway.join", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("user_id", c.userID),
	))
	defer func() { endSpan(span, err) }()

	unlock := g.locks.Lock(lockKey(projectID, c.userID))
	defer unlock()

	first := g.members.Add(projectID, room.Member{ConnID: c.id, UserID: c.userID})
	rollback := func(cause error) error {
		if first {
			g.members.Remove(projectID, c.id)
		}
		c.settlePhase()
		code := domain.RoomBackend
		if c.isClosed() {
			code = domain.RoomClosed
		}
		return &domain.RoomError{Code: code, Op: domain.KindJoinRoom, ProjectID: projectID, Err: cause}
	}

	// The stored cursor and viewing survive a rejoin, so an unreadable
	// record fails the join rather than being overwritten.
	rec, ok, err := g.register.Get(ctx, projectID, c.userID)
	if err != nil {
		return rollback(err)
	}
	if !ok {
		rec = domain.Presence{UserID: c.userID, ProjectID: projectID}
	}
	rec.Online = true
	rec.LastSeen = g.now()

	if err := g.register.Upsert(ctx, rec); err != nil {
		return rollback(err)
	}
	c.addRoom(projectID)

	if first {
		g.metrics.Joined(ctx)
		g.logger.Info("room joined", "conn_id", c.id, "user_id", c.userID, "project_id", projectID)
	}

	g.announce(ctx, rec)

	members, err := g.register.GetAll(ctx, projectID)
	if err != nil {
		// The join stands; the client falls back to the REST roster.
		g.logger.Warn("failed to read roster", "project_id", projectID, "error", err)
		g.replyError(c, &domain.RoomError{Code: domain.RoomNoRoster, Op: domain.KindJoinRoom, ProjectID: projectID, Err: err})
		return nil
	}
	g.reply(c, domain.KindRoomRoster, projectID, domain.Roster{ProjectID: projectID, Members: members})
	return nil
}

// leave drops c from projectID. The presence record and presence-left go
// only when c was the user's last connection in the room.
func (g *Gateway) leave(ctx context.Context, c *Conn, projectID string) (err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.leave", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("user_id", c.userID),
	))
	defer func() { endSpan(span, err) }()

	unlock := g.locks.Lock(lockKey(projectID, c.userID))
	defer unlock()

	removed, userConns := g.members.Remove(projectID, c.id)
	c.removeRoom(projectID)
	if !removed || userConns > 0 {
		return nil
	}

	err = g.dropPresence(ctx, projectID, c.userID)

	ev, evErr := domain.NewEvent(domain.KindPresenceLeft, projectID, c.userID, domain.PresenceLeft{UserID: c.userID})
	if evErr != nil {
		return errors.Join(err, evErr)
	}
	ev.TS = g.now()
	g.relay.Broadcast(ctx, projectID, ev, "")

	g.logger.Info("room left", "conn_id", c.id, "user_id", c.userID, "project_id", projectID)
	return err
}

// dropPresence deletes the record of a user with no connection left in
// projectID, retrying with exponential backoff. If the delete keeps failing
// the record is stored offline instead, so no online record outlives the
// user's last connection.
func (g *Gateway) dropPresence(ctx context.Context, projectID, userID string) error {
	var rmErr error
retry:
	for i := 0; i < removeAttempts; i++ {
		if rmErr = g.register.Remove(ctx, projectID, userID); rmErr == nil {
			return nil
		}
		if i == removeAttempts-1 {
			break
		}
		delay := removeBaseDelay * time.Duration(1<<i)
		g.logger.Debug("presence remove failed, retrying",
			"project_id", projectID,
			"user_id", userID,
			"attempt", i+1,
			"delay", delay,
			"error", rmErr)
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(delay):
		}
	}

	// ctx may be the cancelled connection context.
	fallbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cleanupTimeout)
	defer cancel()
	offline := domain.Presence{UserID: userID, ProjectID: projectID, Online: false, LastSeen: g.now()}
	if upErr := g.register.Upsert(fallbackCtx, offline); upErr != nil {
		return fmt.Errorf("remove presence %s/%s: %w", projectID, userID, errors.Join(rmErr, upErr))
	}
	g.logger.Warn("presence remove failed, record marked offline",
		"project_id", projectID,
		"user_id", userID,
		"error", rmErr)
	return nil
}

func (g *Gateway) patchPresence(c *Conn, op domain.Kind, projectID string, patch PresencePatch) error {
	ctx := c.ctx
	unlock := g.locks.Lock(lockKey(projectID, c.userID))
	defer unlock()

	if !g.members.Contains(projectID, c.id) {
		return &domain.RoomError{Code: domain.RoomNotJoined, Op: op, ProjectID: projectID}
	}

	rec, ok, err := g.register.Get(ctx, projectID, c.userID)
	if err != nil {
		return &domain.RoomError{Code: domain.RoomBackend, Op: op, ProjectID: projectID, Err: err}
	}
	if !ok {
		rec = domain.Presence{UserID: c.userID, ProjectID: projectID}
	}
	if patch.Cursor != nil {
		cur := *patch.Cursor
		rec.Cursor = &cur
	}
	if patch.Viewing != nil {
		rec.Viewing = *patch.Viewing
	}
	rec.Online = true
	rec.LastSeen = g.now()

	if err := g.register.Upsert(ctx, rec); err != nil {
		return &domain.RoomError{Code: domain.RoomBackend, Op: op, ProjectID: projectID, Err: err}
	}
	if patch.Announce {
		g.announce(ctx, rec)
	}
	return nil
}

// announce broadcasts rec as presence-update to its whole room.
func (g *Gateway) announce(ctx context.Context, rec domain.Presence) {
	ev, err := domain.NewEvent(domain.KindPresenceUpdate, rec.ProjectID, rec.UserID, rec)
	if err != nil {
		g.logger.Error("failed to encode presence update", "error", err)
		return
	}
	ev.TS = g.now()
	g.relay.Broadcast(ctx, rec.ProjectID, ev, "")
}

// Disconnect closes c for cause and leaves every room it joined. Repeated
// calls are no-ops. It cancels in-flight operations of c before cleaning up,
// so a racing join ends with c outside the room.
func (g *Gateway) Disconnect(c *Conn, cause string) (err error) {
	if !c.markClosed(cause) {
		return nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cleanupTimeout)
	defer cancel()
	ctx, span := g.tracer.Start(ctx, "gateway.disconnect", trace.WithAttributes(
		attribute.String("conn_id", c.id),
		attribute.String("cause", cause),
	))
	defer func() { endSpan(span, err) }()

	rooms := make(map[string]struct{})
	for _, r := range g.members.RoomsOf(c.id) {
		rooms[r] = struct{}{}
	}
	for _, r := range c.Rooms() {
		rooms[r] = struct{}{}
	}
	ordered := make([]string, 0, len(rooms))
	for r := range rooms {
		ordered = append(ordered, r)
	}
	sort.Strings(ordered)

	var errs []error
	for _, r := range ordered {
		if leaveErr := g.leave(ctx, c, r); leaveErr != nil {
			errs = append(errs, leaveErr)
		}
	}

	g.relay.Unregister(c.id)
	c.outbox.Close()

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.metrics.ConnClosed(ctx, c.transport)

	err = errors.Join(errs...)
	if err != nil {
		g.logger.Error("disconnect cleanup incomplete", "conn_id", c.id, "user_id", c.userID, "cause", cause, "error", err)
	} else {
		g.logger.Info("connection closed", "conn_id", c.id, "user_id", c.userID, "cause", cause, "rooms", len(ordered))
	}
	return err
}

// CloseAll disconnects every live connection.
func (g *Gateway) CloseAll(cause string) error {
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := g.Disconnect(c, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Roster returns the presence records of projectID.
func (g *Gateway) Roster(ctx context.Context, projectID string) ([]domain.Presence, error) {
	members, err := g.register.GetAll(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", projectID, err)
	}
	return members, nil
}

// Publish relays a server-originated event to its project room, for
// authoritative writes that broadcast on the writer's behalf.
func (g *Gateway) Publish(ctx context.Context, ev domain.Event) relay.Receipt {
	if ev.TS.IsZero() {
		ev.TS = g.now()
	}
	return g.relay.Broadcast(ctx, ev.ProjectID, ev, "")
}

// evict runs on the broadcasting goroutine, so the disconnect is detached.
func (g *Gateway) evict(connID string) {
	c, ok := g.Conn(connID)
	if !ok || c.isClosed() || !c.evicting.CompareAndSwap(false, true) {
		return
	}
	g.metrics.Evicted(context.Background())
	g.logger.Warn("evicting slow consumer", "conn_id", c.id, "user_id", c.userID, "queued", c.outbox.Len())
	go func() {
		_ = g.Disconnect(c, CauseSlowConsumer)
	}()
}

func (g *Gateway) reply(c *Conn, kind domain.Kind, projectID string, payload any) {
	ev, err := domain.NewEvent(kind, projectID, c.userID, payload)
	if err != nil {
		g.logger.Error("failed to encode reply", "kind", kind, "error", err)
		return
	}
	g.relay.Send(c.ctx, c.id, ev)
}

func (g *Gateway) replyError(c *Conn, re *domain.RoomError) {
	g.logger.Debug("signal rejected", "conn_id", c.id, "user_id", c.userID, "op", re.Op, "code", re.Code)
	g.reply(c, domain.KindError, re.ProjectID, re.Frame())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
