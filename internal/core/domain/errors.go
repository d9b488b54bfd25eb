package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout         = errors.New("timed out waiting for response")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosed      = errors.New("room closed")
	ErrNotConnected    = errors.New("peer not connected")
	ErrTransportClosed = errors.New("signalling transport closed")
	ErrUnknownKind     = errors.New("unknown signalling transport kind")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Denial reasons, as sent in DENIED payloads.
const (
	ReasonBadName       = "BAD_NAME"
	ReasonBadPassword   = "BAD_PASSWORD"
	ReasonBadVersion    = "BAD_VERSION"
	ReasonAlreadyJoined = "ALREADY_JOINED"
	ReasonRoomFull      = "ROOM_FULL"
	ReasonBadIdentity   = "BAD_IDENTITY"
	ReasonRoomNotFound  = "ROOM_NOT_FOUND"
)

// ValidationFailure is one reason a join request was rejected. All failures
// of a request are collected so the requester can show every problem at
// once.
type ValidationFailure struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Denial is the error form of a DENIED response. It is terminal for the
// single request; the participant may retry with a fresh join.
type Denial struct {
	Reasons []ValidationFailure `json:"reasons"`
}

func (d *Denial) Error() string {
	if len(d.Reasons) == 0 {
		return "join denied"
	}
	parts := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		parts[i] = fmt.Sprintf("%s: %s", r.Field, r.Reason)
	}
	return "join denied: " + strings.Join(parts, ", ")
}

// HasReason reports whether the denial includes the given reason code.
func (d *Denial) HasReason(reason string) bool {
	for _, r := range d.Reasons {
		if r.Reason == reason {
			return true
		}
	}
	return false
}
