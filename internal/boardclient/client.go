package boardclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashureev/boardsync/internal/domain"
)

// Client is a WebSocket connection to the gateway.
type Client struct {
	ws     *websocket.Conn
	connID string
	userID string
	logger *slog.Logger
}

// Dial connects to the gateway's WebSocket endpoint at url (ws:// or
// wss://) and waits for the connected frame.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &domain.AuthError{Reason: domain.AuthInvalid, Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{ws: ws, logger: logger}
	ev, err := c.Next(ctx)
	if err != nil {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("await connected frame: %w", err)
	}
	var hello domain.Connected
	if ev.Type != domain.KindConnected || ev.Decode(&hello) != nil {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("unexpected first frame %q", ev.Type)
	}
	c.connID, c.userID = hello.ConnID, hello.UserID
	logger.Debug("Connected to gateway", "conn_id", c.connID, "user_id", c.userID)
	return c, nil
}

// ConnID returns the id assigned by the gateway.
func (c *Client) ConnID() string { return c.connID }

// UserID returns the identity the gateway bound to the connection.
func (c *Client) UserID() string { return c.userID }

// Send writes one signal.
func (c *Client) Send(ctx context.Context, kind domain.Kind, projectID string, payload any) error {
	in := domain.Inbound{Type: kind, ProjectID: projectID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", kind, err)
		}
		in.Data = data
	}
	frame, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// Join asks to join a project room.
func (c *Client) Join(ctx context.Context, projectID string) error {
	return c.Send(ctx, domain.KindJoinRoom, projectID, nil)
}

// Leave asks to leave a project room.
func (c *Client) Leave(ctx context.Context, projectID string) error {
	return c.Send(ctx, domain.KindLeaveRoom, projectID, nil)
}

// Typing reports whether the user is typing in the project chat.
func (c *Client) Typing(ctx context.Context, projectID string, typing bool) error {
	return c.Send(ctx, domain.KindChatTyping, projectID, map[string]bool{"isTyping": typing})
}

// MoveCursor reports the user's cursor position.
func (c *Client) MoveCursor(ctx context.Context, projectID string, x, y float64) error {
	return c.Send(ctx, domain.KindCursorMove, projectID, domain.Cursor{X: x, Y: y})
}

// Viewing reports the entity the user has open.
func (c *Client) Viewing(ctx context.Context, projectID, entity string) error {
	return c.Send(ctx, domain.KindViewing, projectID, domain.Viewing{Entity: entity})
}

// Next reads one frame.
func (c *Client) Next(ctx context.Context) (domain.Event, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	return ev, nil
}

// Run applies every frame to b and hands it to fn, until ctx ends or the
// connection closes. fn may be nil.
func (c *Client) Run(ctx context.Context, b *Board, fn func(domain.Event)) error {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if b != nil {
			if err := b.Apply(ev); err != nil {
				c.logger.Warn("Failed to apply event", "type", ev.Type, "error", err)
			}
		}
		if fn != nil {
			fn(ev)
		}
	}
}

// Close performs the closing handshake.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client closed")
}
