package domain

import (
	"errors"
	"fmt"
)

// AuthReason distinguishes authentication failures.
type AuthReason string

const (
	AuthMissing AuthReason = "missing"
	AuthInvalid AuthReason = "invalid"
)

// Sentinel auth errors for errors.Is comparisons.
var (
	ErrAuthMissing = &AuthError{Reason: AuthMissing}
	ErrAuthInvalid = &AuthError{Reason: AuthInvalid}
)

// AuthError is fatal to the connection and never retried.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication %s: %v", e.Reason, e.Err)
	}
	return "authentication " + string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError with the same reason.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

// RoomError codes.
const (
	RoomMissingProject = "missing_project"
	RoomNotJoined      = "not_joined"
	RoomClosed         = "connection_closed"
	RoomBadPayload     = "bad_payload"
	RoomUnknownSignal  = "unknown_signal"
	RoomBackend        = "presence_unavailable"
	RoomNoRoster       = "roster_unavailable"
)

// RoomError reports a room operation the connection state does not support.
// It is returned to the originator only and is never fatal.
type RoomError struct {
	Code      string
	Op        Kind
	ProjectID string
	Err       error
}

func (e *RoomError) Error() string {
	msg := fmt.Sprintf("%s %q: %s", e.Op, e.ProjectID, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoomError) Unwrap() error { return e.Err }

// Frame converts the error to the reply sent to the originating connection.
func (e *RoomError) Frame() ErrorFrame {
	return ErrorFrame{Code: e.Code, Message: e.Error(), Ref: e.Op}
}

// DeliveryError describes an event that could not reach a recipient. It is
// logged and counted, never surfaced to the sender.
type DeliveryError struct {
	ConnID string
	Kind   Kind
	Reason string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %s", e.Kind, e.ConnID, e.Reason)
}

// ReconciliationConflict reports an authoritative write rejected after an
// optimistic apply. The local change has been reverted when this is returned.
type ReconciliationConflict struct {
	Key string
	Err error
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconcile %s: authoritative write rejected: %v", e.Key, e.Err)
}

func (e *ReconciliationConflict) Unwrap() error { return e.Err }
