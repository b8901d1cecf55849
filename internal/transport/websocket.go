package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/boardsync/internal/gateway"
	"github.com/ashureev/boardsync/internal/identity"
)

const writeTimeout = 10 * time.Second

// WebSocketOptions configures a WebSocketHandler.
type WebSocketOptions struct {
	AllowedOrigins []string
	ReadLimit      int64
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// WebSocketHandler serves the persistent transport. The credential is
// verified before the upgrade, so a rejected client never holds a socket.
type WebSocketHandler struct {
	gw           Sessions
	origins      []string
	readLimit    int64
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(gw Sessions, opts WebSocketOptions) *WebSocketHandler {
	h := &WebSocketHandler{
		gw:           gw,
		origins:      opts.AllowedOrigins,
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	c, err := h.gw.Admit(r.Context(), identity.CredentialFromRequest(r), TransportWebSocket)
	if err != nil {
		h.logger.Info("WebSocket admission rejected", "ip", identity.IPFromRequest(r), "error", err)
		identity.WriteAuthError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", c.UserID())
		_ = h.gw.Disconnect(c, gateway.CauseTransport)
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		once  sync.Once
		cause = gateway.CauseTransport
	)
	stop := func(why string) {
		once.Do(func() { cause = why })
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> gateway.
	go func() {
		defer wg.Done()
		stop(h.inputLoop(ctx, ws, c))
	}()

	// Output loop: outbox -> WebSocket.
	go func() {
		defer wg.Done()
		stop(h.outputLoop(ctx, ws, c))
	}()

	if h.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if why := h.pingLoop(ctx, ws, c); why != "" {
				stop(why)
			}
		}()
	}

	wg.Wait()

	if err := h.gw.Disconnect(c, cause); err != nil {
		h.logger.Warn("WebSocket cleanup incomplete", "conn_id", c.ID(), "error", err)
	}
	status, reason := closeStatus(c.Cause())
	if closeErr := ws.Close(status, reason); closeErr != nil {
		h.logger.Debug("Failed to close websocket", "error", closeErr, "conn_id", c.ID())
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.origins)
	return false
}

// inputLoop returns the disconnect cause once reading stops.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, c *gateway.Conn) string {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				h.logger.Debug("WebSocket closed by client", "conn_id", c.ID())
				return gateway.CauseClientClose
			case -1:
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket read error", "error", err, "conn_id", c.ID())
				}
			}
			return gateway.CauseTransport
		}
		if !handleFrame(h.gw, c, message, h.logger) {
			return gateway.CauseTransport
		}
	}
}

// outputLoop writes queued frames until the outbox closes. A closed outbox
// means the gateway disconnected c, so the socket is closed with its cause.
// An evicted connection gets no more frames.
func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, c *gateway.Conn) string {
	frames := c.Outbox().C()
	for {
		select {
		case frame, ok := <-frames:
			if !ok || c.Evicted() {
				cause := c.Cause()
				if c.Evicted() {
					cause = gateway.CauseSlowConsumer
				}
				status, reason := closeStatus(cause)
				if err := ws.Close(status, reason); err != nil {
					h.logger.Debug("Failed to close websocket", "error", err, "conn_id", c.ID())
				}
				return cause
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					h.logger.Debug("WebSocket write error", "error", err, "conn_id", c.ID())
				}
				return gateway.CauseTransport
			}
		case <-ctx.Done():
			return gateway.CauseTransport
		}
	}
}

// pingLoop returns a cause when the peer stops answering pings, or "" when
// ctx ends first.
func (h *WebSocketHandler) pingLoop(ctx context.Context, ws *websocket.Conn, c *gateway.Conn) string {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.pingInterval)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ""
				}
				h.logger.Info("WebSocket ping failed", "conn_id", c.ID(), "error", err)
				return gateway.CauseIdle
			}
		case <-ctx.Done():
			return ""
		}
	}
}

func closeStatus(cause string) (websocket.StatusCode, string) {
	switch cause {
	case gateway.CauseSlowConsumer:
		return websocket.StatusPolicyViolation, cause
	case gateway.CauseShutdown:
		return websocket.StatusGoingAway, cause
	case gateway.CauseIdle:
		return websocket.StatusPolicyViolation, cause
	}
	return websocket.StatusNormalClosure, "session ended"
}
