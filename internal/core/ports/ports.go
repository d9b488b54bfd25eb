package ports

import (
	"context"
	"encoding/json"

	"samspill/internal/core/domain"
	"samspill/pkg/events"
)

// TransportEventType tags entries on a transport's event stream.
type TransportEventType string

const (
	EventState     TransportEventType = "STATE"
	EventRoomState TransportEventType = "ROOM_STATE"
	EventMessage   TransportEventType = "MESSAGE"
)

// TransportEvent is one entry of a transport's ordered event stream.
// Exactly the fields matching Type are set. Message data is raw: it may be
// a cleartext message or a sealed one, and only the endpoints can tell.
type TransportEvent struct {
	Type      TransportEventType
	State     domain.TransportState
	RoomState domain.RoomState
	Source    domain.Identity
	Data      json.RawMessage
}

// RoomHandle controls a channel after it has been created or opened.
type RoomHandle interface {
	// RoomCode is the short code participants join by. Empty for the
	// manual transport, where joining is a copy/paste action.
	RoomCode() string
	// Sleep gates join traffic while a game is running.
	Sleep(ctx context.Context) error
	// Wake resumes join traffic, typically after a participant dropped.
	Wake(ctx context.Context) error
	// Kick tells the relay an identity may not silently rejoin.
	Kick(ctx context.Context, id domain.Identity) error
	// Quit announces teardown to the channel before Destroy.
	Quit(ctx context.Context) error
	// Destroy releases the channel and all its resources.
	Destroy()
}

// Transport is a signalling relay client. Implementations route opaque
// envelopes by target id and surface inbound traffic as events; they never
// interpret message contents beyond the channel-control frames (ROOM,
// SLEEP, WAKE, QUIT) that belong to the transport itself.
type Transport interface {
	// CreateChannel opens a channel as host and publishes the host
	// descriptor.
	CreateChannel(ctx context.Context, cfg *domain.RoomConfig, descriptor domain.HostPayload) (RoomHandle, error)
	// OpenChannel connects to an existing channel as participant.
	OpenChannel(ctx context.Context, cfg *domain.RoomConfig) (RoomHandle, error)
	// Send routes data to one identity, or to everyone when target is
	// nil. The data is carried verbatim.
	Send(ctx context.Context, target *domain.Identity, data json.RawMessage) error
	// Identity is the id this endpoint is addressable by on the channel.
	Identity() domain.Identity
	// Events is the ordered stream of transport state, room state and
	// inbound messages.
	Events() *events.Stream[TransportEvent]
}

// PeerLink is one peer-to-peer session as seen by the rooms: a small state
// machine around a connection plus a typed message channel. Send is a no-op
// unless the session is connected, by contract, to tolerate races between
// phase-driven sends and transient disconnects.
type PeerLink interface {
	Connect(initiator bool, onLocalSignal func(json.RawMessage)) error
	Signal(remote json.RawMessage, onCounterSignal func(json.RawMessage)) error
	Send(t domain.MessageType, payload any)
	Reconnect() error
	Close()
	State() domain.ConnectionState
	States() *events.Stream[domain.ConnectionState]
	Messages() *events.Stream[domain.Message]
}
