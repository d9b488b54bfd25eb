package domain

import (
	"samspill/pkg/crypto"
)

// Identity is the opaque id a peer is addressed by on the signalling
// channel. Participants use their wrapped ExternalID so that only the host
// can map the id back to key material; the host is addressed by the fixed
// HostIdentity within its own room.
type Identity string

// HostIdentity addresses the room's host on the signalling channel.
const HostIdentity Identity = "host"

// Role says which side of a room this process is.
type Role string

const (
	RoleHost        Role = "HOST"
	RoleParticipant Role = "PARTICIPANT"
)

// ConnectionState is the lifecycle of one peer-to-peer session.
type ConnectionState string

const (
	ConnectionIdle       ConnectionState = "IDLE"
	ConnectionConnecting ConnectionState = "CONNECTING"
	ConnectionConnected  ConnectionState = "CONNECTED"
	ConnectionClosed     ConnectionState = "CLOSED"
)

// TransportState is the lifecycle of the signalling channel itself.
type TransportState string

const (
	TransportConnecting   TransportState = "CONNECTING"
	TransportConnected    TransportState = "CONNECTED"
	TransportDisconnected TransportState = "DISCONNECTED"
)

// RoomState is the relay-visible room lifecycle. A sleeping room still
// exists but the relay withholds join traffic until it wakes.
type RoomState string

const (
	RoomActive   RoomState = "ACTIVE"
	RoomSleeping RoomState = "SLEEPING"
	RoomNone     RoomState = "NONE"
)

// Participant is the host-side record of one joined peer. The identity is
// immutable for the life of the participant; the connection state follows
// the underlying peer session.
type Participant struct {
	ID              Identity
	Name            string
	ConnectionState ConnectionState
}

// RoomCodeType controls whether the host descriptor is addressable from
// the short room code alone or requires the out-of-band room key.
type RoomCodeType string

const (
	RoomCodeVisible RoomCodeType = "ROOM_CODE"
	RoomCodeHidden  RoomCodeType = "HIDDEN"
)

// RoomConfig is fixed at room creation and never mutated afterwards.
type RoomConfig struct {
	Role            Role
	MaxParticipants int
	Password        string
	RoomCodeType    RoomCodeType
	StunServers     []string

	// Participant-side join details.
	RoomCode string
	RoomKey  crypto.KeyID
	Name     string
}

// HasPassword reports whether joining requires a password digest.
func (c *RoomConfig) HasPassword() bool {
	return c.Password != ""
}
