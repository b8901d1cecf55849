package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/boardsync/internal/api"
	"github.com/ashureev/boardsync/internal/gateway"
	"github.com/ashureev/boardsync/internal/identity"
	"github.com/ashureev/boardsync/internal/relay"
)

const (
	maxPollBatch    = 128
	maxSignalBatch  = 64
	minReapInterval = time.Second
)

// PollOptions configures a PollHandler.
type PollOptions struct {
	MaxWait     time.Duration
	IdleTimeout time.Duration
	ReadLimit   int64
	Logger      *slog.Logger
	Now         func() time.Time
}

// PollHandler serves the long-poll fallback. Each session wraps one gateway
// connection; every request re-verifies the credential and must come from
// the user the session was opened for.
type PollHandler struct {
	gw          Sessions
	verifier    identity.Verifier
	maxWait     time.Duration
	idleTimeout time.Duration
	readLimit   int64
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*pollSession
}

type pollSession struct {
	id   string
	conn *gateway.Conn

	mu       sync.Mutex
	lastSeen time.Time
	polling  bool
}

// OpenResponse is returned when a poll session is created.
type OpenResponse struct {
	SessionID string `json:"sid"`
	ConnID    string `json:"connId"`
	UserID    string `json:"userId"`
}

// NewPollHandler creates a new long-poll handler.
func NewPollHandler(gw Sessions, v identity.Verifier, opts PollOptions) *PollHandler {
	h := &PollHandler{
		gw:          gw,
		verifier:    v,
		maxWait:     opts.MaxWait,
		idleTimeout: opts.IdleTimeout,
		readLimit:   opts.ReadLimit,
		logger:      opts.Logger,
		now:         opts.Now,
		sessions:    make(map[string]*pollSession),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxWait <= 0 {
		h.maxWait = 25 * time.Second
	}
	if h.idleTimeout <= h.maxWait {
		h.idleTimeout = 2 * h.maxWait
	}
	if h.readLimit <= 0 {
		h.readLimit = 64 << 10
	}
	return h
}

// Routes returns the poll endpoints, relative to their mount point.
func (h *PollHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Open)
	r.Get("/{sid}", h.Poll)
	r.Post("/{sid}", h.Send)
	r.Delete("/{sid}", h.Close)
	return r
}

// Len returns the number of open sessions.
func (h *PollHandler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Open admits a connection and starts a session for it.
func (h *PollHandler) Open(w http.ResponseWriter, r *http.Request) {
	c, err := h.gw.Admit(r.Context(), identity.CredentialFromRequest(r), TransportPoll)
	if err != nil {
		h.logger.Info("Poll admission rejected", "ip", identity.IPFromRequest(r), "error", err)
		identity.WriteAuthError(w, err)
		return
	}

	s := &pollSession{id: uuid.NewString(), conn: c, lastSeen: h.now()}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.logger.Debug("Poll session opened", "sid", s.id, "conn_id", c.ID(), "user_id", c.UserID())
	api.JSON(w, http.StatusCreated, OpenResponse{SessionID: s.id, ConnID: c.ID(), UserID: c.UserID()})
}

// Poll waits up to ?wait= (capped at the configured maximum) for frames
// and returns them as a JSON array. An empty array means the wait elapsed.
func (h *PollHandler) Poll(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.begin(h.now()) {
		api.Error(w, http.StatusConflict, "poll already in progress")
		return
	}
	defer s.end(h.now())

	ctx, cancel := context.WithTimeout(r.Context(), h.waitFor(r))
	defer cancel()

	frames, err := s.conn.Outbox().Drain(ctx, maxPollBatch)
	if errors.Is(err, relay.ErrOutboxClosed) {
		h.remove(s.id)
		api.JSON(w, http.StatusGone, map[string]string{"error": "connection closed", "cause": s.conn.Cause()})
		return
	}

	batch := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		batch = append(batch, f)
	}
	api.JSON(w, http.StatusOK, batch)
}

// Send accepts one signal object or a JSON array of them, processed in order.
func (h *PollHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.touch(h.now())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.readLimit))
	if err != nil {
		api.Error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	frames, err := splitBatch(body)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := 0
	for _, f := range frames {
		if !handleFrame(h.gw, s.conn, f, h.logger) {
			api.JSON(w, http.StatusGone, map[string]string{"error": "connection closed", "cause": s.conn.Cause()})
			return
		}
		accepted++
	}
	api.JSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// Close ends the session and disconnects its connection.
func (h *PollHandler) Close(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.remove(s.id)
	if err := h.gw.Disconnect(s.conn, gateway.CauseClientClose); err != nil {
		h.logger.Warn("Poll cleanup incomplete", "sid", s.id, "conn_id", s.conn.ID(), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartReaper runs a background goroutine that disconnects sessions no
// client has polled within the idle timeout.
func (h *PollHandler) StartReaper(ctx context.Context) {
	interval := h.idleTimeout / 2
	if interval < minReapInterval {
		interval = minReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		h.logger.Info("Poll reaper started", "interval", interval, "idle_timeout", h.idleTimeout)
		for {
			select {
			case <-ticker.C:
				h.reap()
			case <-ctx.Done():
				h.logger.Info("Poll reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reap disconnects idle sessions and returns how many it removed.
func (h *PollHandler) reap() int {
	now := h.now()
	h.mu.Lock()
	var expired []*pollSession
	for id, s := range h.sessions {
		if s.idle(now, h.idleTimeout) {
			expired = append(expired, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range expired {
		if err := h.gw.Disconnect(s.conn, gateway.CauseIdle); err != nil {
			h.logger.Warn("Poll reaper cleanup incomplete", "sid", s.id, "conn_id", s.conn.ID(), "error", err)
		}
	}
	if len(expired) > 0 {
		h.logger.Info("Poll reaper removed idle sessions", "count", len(expired))
	}
	return len(expired)
}

// session authenticates the request and resolves its session, writing the
// error response itself when either fails.
func (h *PollHandler) session(w http.ResponseWriter, r *http.Request) (*pollSession, bool) {
	userID, err := identity.Authenticate(r, h.verifier)
	if err != nil {
		identity.WriteAuthError(w, err)
		return nil, false
	}

	h.mu.RLock()
	s, ok := h.sessions[chi.URLParam(r, "sid")]
	h.mu.RUnlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	if s.conn.UserID() != userID {
		api.Error(w, http.StatusForbidden, "session belongs to another user")
		return nil, false
	}
	return s, true
}

func (h *PollHandler) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// waitFor reads ?wait= as a Go duration or whole seconds.
func (h *PollHandler) waitFor(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return h.maxWait
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return h.maxWait
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		d = 0
	}
	if d > h.maxWait {
		d = h.maxWait
	}
	return d
}

func splitBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, errors.New("malformed signal batch")
	}
	if len(frames) > maxSignalBatch {
		return nil, errors.New("too many signals in batch")
	}
	return frames, nil
}

func (s *pollSession) begin(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return false
	}
	s.polling = true
	s.lastSeen = now
	return true
}

func (s *pollSession) end(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = false
	s.lastSeen = now
}

func (s *pollSession) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *pollSession) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.polling && now.Sub(s.lastSeen) > timeout
}
