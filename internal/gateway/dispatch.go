package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/boardsync/internal/domain"
)

// ConnState is the view of a connection handed to signal handlers.
type ConnState struct {
	ConnID string
	UserID string
	Phase  Phase
	Rooms  map[string]bool
}

// InRoom reports whether the connection has joined projectID.
func (s ConnState) InRoom(projectID string) bool {
	return s.Rooms[projectID]
}

// EffectKind enumerates what the runtime does on a handler's behalf.
type EffectKind int

const (
	EffectJoin EffectKind = iota
	EffectLeave
	EffectBroadcast
	EffectReply
	EffectPresence
)

// PresencePatch describes a change to the sender's presence record.
type PresencePatch struct {
	Cursor   *domain.Cursor
	Viewing  *string
	Announce bool // broadcast presence-update after the write
}

// Effect is one side effect requested by a handler.
type Effect struct {
	Kind      EffectKind
	Op        domain.Kind
	ProjectID string
	Event     domain.Event
	Patch     PresencePatch
}

// handler computes the effects of one inbound signal. Handlers are pure:
// they read only their arguments and never touch shared state.
type handler func(ConnState, domain.Inbound) (ConnState, []Effect, error)

var dispatchTable = map[domain.Kind]handler{
	domain.KindJoinRoom:     handleJoin,
	domain.KindLeaveRoom:    handleLeave,
	domain.KindTaskCreated:  relayObject[domain.Task](validTask),
	domain.KindTaskUpdated:  relayObject[domain.Task](validTask),
	domain.KindTaskDeleted:  relayObject[domain.TaskDeleted](validTaskDeleted),
	domain.KindCommentAdded: relayObject[domain.CommentAdded](validCommentAdded),
	domain.KindActivityNew:  relayObject[domain.Activity](nil),
	domain.KindChatMessage:  relayObject[domain.ChatMessage](nil),
	domain.KindChatTyping:   handleTyping,
	domain.KindCursorMove:   handleCursor,
	domain.KindViewing:      handleViewing,
	domain.KindPing:         handlePing,
}

func roomErr(code string, in domain.Inbound, err error) *domain.RoomError {
	return &domain.RoomError{Code: code, Op: in.Type, ProjectID: in.ProjectID, Err: err}
}

func handleJoin(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
	if in.ProjectID == "" {
		return s, nil, roomErr(domain.RoomMissingProject, in, nil)
	}
	s.Phase = JoiningRoom
	return s, []Effect{{Kind: EffectJoin, ProjectID: in.ProjectID}}, nil
}

func handleLeave(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
	if in.ProjectID == "" {
		return s, nil, roomErr(domain.RoomMissingProject, in, nil)
	}
	if !s.InRoom(in.ProjectID) {
		return s, nil, nil
	}
	return s, []Effect{{Kind: EffectLeave, ProjectID: in.ProjectID}}, nil
}

// requireRoom rejects room-scoped signals from connections outside the room.
func requireRoom(s ConnState, in domain.Inbound) error {
	if in.ProjectID == "" {
		return roomErr(domain.RoomMissingProject, in, nil)
	}
	if !s.InRoom(in.ProjectID) {
		return roomErr(domain.RoomNotJoined, in, nil)
	}
	return nil
}

func decode(in domain.Inbound, v any) error {
	if len(in.Data) == 0 {
		return roomErr(domain.RoomBadPayload, in, fmt.Errorf("missing data"))
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return roomErr(domain.RoomBadPayload, in, err)
	}
	return nil
}

func broadcast(s ConnState, in domain.Inbound, data json.RawMessage) Effect {
	return Effect{
		Kind:      EffectBroadcast,
		ProjectID: in.ProjectID,
		Event: domain.Event{
			Type:      in.Type,
			ProjectID: in.ProjectID,
			UserID:    s.UserID,
			Data:      data,
		},
	}
}

func encode(in domain.Inbound, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, roomErr(domain.RoomBadPayload, in, err)
	}
	return data, nil
}

// relayObject validates the payload as T and relays the client's bytes
// untouched, so fields unknown to the gateway survive.
func relayObject[T any](valid func(T) error) handler {
	return func(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
		if err := requireRoom(s, in); err != nil {
			return s, nil, err
		}
		var v T
		if err := decode(in, &v); err != nil {
			return s, nil, err
		}
		if valid != nil {
			if err := valid(v); err != nil {
				return s, nil, roomErr(domain.RoomBadPayload, in, err)
			}
		}
		return s, []Effect{broadcast(s, in, in.Data)}, nil
	}
}

func validTask(t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	return nil
}

func validTaskDeleted(t domain.TaskDeleted) error {
	if t.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

func validCommentAdded(c domain.CommentAdded) error {
	if c.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

func handleTyping(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
	if err := requireRoom(s, in); err != nil {
		return s, nil, err
	}
	var body struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := decode(in, &body); err != nil {
		return s, nil, err
	}
	data, err := encode(in, domain.Typing{UserID: s.UserID, IsTyping: body.IsTyping})
	if err != nil {
		return s, nil, err
	}
	return s, []Effect{broadcast(s, in, data)}, nil
}

func handleCursor(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
	if err := requireRoom(s, in); err != nil {
		return s, nil, err
	}
	var pos domain.Cursor
	if err := decode(in, &pos); err != nil {
		return s, nil, err
	}
	data, err := encode(in, domain.CursorMove{UserID: s.UserID, X: pos.X, Y: pos.Y})
	if err != nil {
		return s, nil, err
	}
	return s, []Effect{
		{Kind: EffectPresence, Op: in.Type, ProjectID: in.ProjectID, Patch: PresencePatch{Cursor: &pos}},
		broadcast(s, in, data),
	}, nil
}

func handleViewing(s ConnState, in domain.Inbound) (ConnState, []Effect, error) {
	if err := requireRoom(s, in); err != nil {
		return s, nil, err
	}
	var v domain.Viewing
	if err := decode(in, &v); err != nil {
		return s, nil, err
	}
	return s, []Effect{{
		Kind:      EffectPresence,
		Op:        in.Type,
		ProjectID: in.ProjectID,
		Patch:     PresencePatch{Viewing: &v.Entity, Announce: true},
	}}, nil
}

func handlePing(s ConnState, _ domain.Inbound) (ConnState, []Effect, error) {
	return s, []Effect{{Kind: EffectReply, Event: domain.Event{Type: domain.KindPong, UserID: s.UserID}}}, nil
}
