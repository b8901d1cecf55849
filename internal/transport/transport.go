// Package transport carries gateway connections over WebSocket and HTTP
// long-poll. Both feed the same Gateway; the relay never knows which one a
// recipient uses.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ashureev/boardsync/internal/domain"
	"github.com/ashureev/boardsync/internal/gateway"
)

// Transport names reported on admitted connections.
const (
	TransportWebSocket = "websocket"
	TransportPoll      = "long-poll"
)

// Sessions is the part of the gateway a transport drives.
type Sessions interface {
	Admit(ctx context.Context, credential, transport string) (*gateway.Conn, error)
	Handle(c *gateway.Conn, in domain.Inbound) error
	Malformed(c *gateway.Conn, cause error) error
	Disconnect(c *gateway.Conn, cause string) error
}

// handleFrame decodes one client frame and runs it. It reports false once
// the connection no longer accepts signals.
func handleFrame(gw Sessions, c *gateway.Conn, data []byte, logger *slog.Logger) bool {
	var in domain.Inbound
	var err error
	if decodeErr := json.Unmarshal(data, &in); decodeErr != nil {
		err = gw.Malformed(c, decodeErr)
	} else {
		err = gw.Handle(c, in)
	}
	if err == nil {
		return true
	}

	var re *domain.RoomError
	if errors.As(err, &re) {
		return re.Code != domain.RoomClosed
	}
	logger.Warn("signal failed", "conn_id", c.ID(), "user_id", c.UserID(), "type", in.Type, "error", err)
	return true
}
