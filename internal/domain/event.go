package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags inbound signals and outbound frames.
type Kind string

// Broadcast event kinds.
const (
	KindTaskCreated    Kind = "task-created"
	KindTaskUpdated    Kind = "task-updated"
	KindTaskDeleted    Kind = "task-deleted"
	KindCommentAdded   Kind = "comment-added"
	KindActivityNew    Kind = "activity-new"
	KindChatMessage    Kind = "chat-message"
	KindChatTyping     Kind = "chat-typing"
	KindCursorMove     Kind = "cursor-move"
	KindPresenceUpdate Kind = "presence-update"
	KindPresenceLeft   Kind = "presence-left"
)

// Inbound-only signal kinds.
const (
	KindJoinRoom  Kind = "join-room"
	KindLeaveRoom Kind = "leave-room"
	KindViewing   Kind = "viewing"
	KindPing      Kind = "ping"
)

// Reply-only frame kinds, sent to a single connection.
const (
	KindConnected  Kind = "connected"
	KindRoomRoster Kind = "room-roster"
	KindError      Kind = "error"
	KindPong       Kind = "pong"
)

// IsBroadcast reports whether k is relayed to a room.
func (k Kind) IsBroadcast() bool {
	switch k {
	case KindTaskCreated, KindTaskUpdated, KindTaskDeleted,
		KindCommentAdded, KindActivityNew, KindChatMessage,
		KindChatTyping, KindCursorMove,
		KindPresenceUpdate, KindPresenceLeft:
		return true
	}
	return false
}

// Inbound is a signal sent by a client to the gateway.
type Inbound struct {
	Type      Kind            `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame. Data holds the encoded payload so a frame is
// encoded once and shared by every recipient.
type Event struct {
	Type      Kind            `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	TS        time.Time       `json:"ts"`
}

// NewEvent builds an Event, encoding payload as its data.
func NewEvent(kind Kind, projectID, userID string, payload any) (Event, error) {
	ev := Event{
		Type:      kind,
		ProjectID: projectID,
		UserID:    userID,
		TS:        time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TaskDeleted carries only the removed task's identifier.
type TaskDeleted struct {
	TaskID string `json:"taskId"`
}

// CommentAdded is the payload of a comment-added event.
type CommentAdded struct {
	TaskID  string  `json:"taskId"`
	Comment Comment `json:"comment"`
}

// Typing is the payload of a chat-typing event.
type Typing struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// CursorMove is the payload of a cursor-move event.
type CursorMove struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// PresenceLeft is the payload of a presence-left event.
type PresenceLeft struct {
	UserID string `json:"userId"`
}

// Viewing is the payload of the inbound viewing signal.
type Viewing struct {
	Entity string `json:"entity"`
}

// Roster is the full presence set of a project, returned on the room-read path.
type Roster struct {
	ProjectID string     `json:"projectId"`
	Members   []Presence `json:"members"`
}

// Connected is sent once after successful admission.
type Connected struct {
	ConnID    string `json:"connId"`
	UserID    string `json:"userId"`
	Transport string `json:"transport"`
}

// ErrorFrame reports an operation failure to the originating connection.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     Kind   `json:"ref,omitempty"`
}
