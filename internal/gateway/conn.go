package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ashureev/boardsync/internal/relay"
)

// Phase is a connection lifecycle state.
type Phase int

const (
	Connecting Phase = iota
	Authenticated
	JoiningRoom
	InRoom
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case JoiningRoom:
		return "joining_room"
	case InRoom:
		return "in_room"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Disconnect causes.
const (
	CauseTransport    = "transport-closed"
	CauseClientClose  = "client-close"
	CauseIdle         = "idle-timeout"
	CauseSlowConsumer = "slow-consumer"
	CauseShutdown     = "server-shutdown"
)

// Conn is one admitted connection. Its user id is fixed at admission.
type Conn struct {
	id        string
	userID    string
	transport string
	outbox    *relay.Outbox

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes the connection's own signal handling and cleanup.
	opMu sync.Mutex

	mu    sync.Mutex
	phase Phase
	rooms map[string]struct{}
	cause string

	closed   atomic.Bool
	evicting atomic.Bool
}

func newConn(id, userID, transport string, outbox *relay.Outbox) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		userID:    userID,
		transport: transport,
		outbox:    outbox,
		ctx:       ctx,
		cancel:    cancel,
		phase:     Authenticated,
		rooms:     make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the user bound at admission.
func (c *Conn) UserID() string { return c.userID }

// Transport names the transport carrying the connection.
func (c *Conn) Transport() string { return c.transport }

// Outbox returns the frames queued for the client.
func (c *Conn) Outbox() *relay.Outbox { return c.outbox }

// Context is cancelled when the connection starts closing.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed when the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Phase returns the current lifecycle state.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Evicted reports whether c was marked as a slow consumer. Frames still
// queued for an evicted connection are not worth delivering.
func (c *Conn) Evicted() bool { return c.evicting.Load() }

// Cause returns why the connection closed, or "" while open.
func (c *Conn) Cause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Rooms returns the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) state() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make(map[string]bool, len(c.rooms))
	for r := range c.rooms {
		rooms[r] = true
	}
	return ConnState{ConnID: c.id, UserID: c.userID, Phase: c.phase, Rooms: rooms}
}

// setPhase moves to p unless the connection is already closed.
func (c *Conn) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Closed {
		c.phase = p
	}
}

func (c *Conn) addRoom(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[projectID] = struct{}{}
	if c.phase != Closed {
		c.phase = InRoom
	}
}

func (c *Conn) removeRoom(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, projectID)
	if c.phase != Closed && len(c.rooms) == 0 {
		c.phase = Authenticated
	}
}

// settlePhase derives the phase from the joined rooms after a failed join.
func (c *Conn) settlePhase() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Closed {
		return
	}
	if len(c.rooms) > 0 {
		c.phase = InRoom
	} else {
		c.phase = Authenticated
	}
}

// markClosed transitions to Closed exactly once.
func (c *Conn) markClosed(cause string) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.phase = Closed
	c.cause = cause
	c.mu.Unlock()
	c.cancel()
	return true
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}
