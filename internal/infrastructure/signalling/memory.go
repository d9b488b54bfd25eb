package signalling

import (
	"context"
	"encoding/json"
	"sync"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/pkg/events"
	"samspill/pkg/utils"
)

// MemoryRelay is an in-process relay with the same routing semantics as
// the relay server: envelopes from the host fan out to participants,
// envelopes from participants go to the host. It exists for tests and for
// single-process demos.
type MemoryRelay struct {
	mu           sync.Mutex
	roomCode     string
	host         *MemoryTransport
	participants map[domain.Identity]*MemoryTransport
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		roomCode:     utils.NewRoomCode(),
		participants: make(map[domain.Identity]*MemoryTransport),
	}
}

// HostTransport returns the host-side endpoint of this relay.
func (r *MemoryRelay) HostTransport() *MemoryTransport {
	return &MemoryTransport{relay: r, events: events.NewStream[ports.TransportEvent]()}
}

// ParticipantTransport returns a fresh participant-side endpoint.
func (r *MemoryRelay) ParticipantTransport() *MemoryTransport {
	return &MemoryTransport{relay: r, events: events.NewStream[ports.TransportEvent]()}
}

func (r *MemoryRelay) route(from *MemoryTransport, envelope domain.Envelope) {
	r.mu.Lock()
	var targets []*MemoryTransport
	if from == r.host {
		if envelope.Target == nil {
			for _, p := range r.participants {
				targets = append(targets, p)
			}
		} else if p, ok := r.participants[*envelope.Target]; ok {
			targets = append(targets, p)
		}
	} else if r.host != nil {
		targets = append(targets, r.host)
	}
	r.mu.Unlock()

	for _, target := range targets {
		target.events.Emit(ports.TransportEvent{
			Type:   ports.EventMessage,
			Source: envelope.Source,
			Data:   envelope.Data,
		})
	}
}

// MemoryTransport is one endpoint of a MemoryRelay.
type MemoryTransport struct {
	relay    *MemoryRelay
	identity domain.Identity
	events   *events.Stream[ports.TransportEvent]
	// descriptor caches the HOST message for replay to late joiners.
	descriptor json.RawMessage
}

func (t *MemoryTransport) Events() *events.Stream[ports.TransportEvent] {
	return t.events
}

func (t *MemoryTransport) Identity() domain.Identity {
	return t.identity
}

func (t *MemoryTransport) CreateChannel(ctx context.Context, cfg *domain.RoomConfig, descriptor domain.HostPayload) (ports.RoomHandle, error) {
	t.identity = domain.HostIdentity
	t.relay.mu.Lock()
	t.relay.host = t
	t.relay.mu.Unlock()

	emitState(t.events, domain.TransportConnected)
	if err := t.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageHost, descriptor))); err != nil {
		return nil, err
	}
	emitRoomState(t.events, domain.RoomActive)
	return memoryHandle{transport: t}, nil
}

func (t *MemoryTransport) OpenChannel(ctx context.Context, cfg *domain.RoomConfig) (ports.RoomHandle, error) {
	t.identity = domain.Identity(utils.NewPeerID())

	t.relay.mu.Lock()
	host := t.relay.host
	t.relay.participants[t.identity] = t
	t.relay.mu.Unlock()
	if host == nil {
		emitState(t.events, domain.TransportDisconnected)
		return nil, domain.ErrRoomNotFound
	}

	emitState(t.events, domain.TransportConnected)
	emitRoomState(t.events, domain.RoomActive)

	// Replay the host descriptor to the new subscriber, as the relay
	// server does.
	if host.descriptor != nil {
		t.events.Emit(ports.TransportEvent{
			Type:   ports.EventMessage,
			Source: domain.HostIdentity,
			Data:   host.descriptor,
		})
	}
	return memoryHandle{transport: t}, nil
}

func (t *MemoryTransport) Send(ctx context.Context, target *domain.Identity, data json.RawMessage) error {
	if t.identity == domain.HostIdentity && messageType(data) == domain.MessageHost {
		t.descriptor = data
	}
	t.relay.route(t, domain.Envelope{Target: target, Source: t.identity, Data: data})
	return nil
}

type memoryHandle struct {
	transport *MemoryTransport
}

func (h memoryHandle) RoomCode() string { return h.transport.relay.roomCode }

func (h memoryHandle) Sleep(ctx context.Context) error { return nil }

func (h memoryHandle) Wake(ctx context.Context) error { return nil }

func (h memoryHandle) Kick(ctx context.Context, id domain.Identity) error {
	h.transport.relay.mu.Lock()
	delete(h.transport.relay.participants, id)
	h.transport.relay.mu.Unlock()
	return nil
}

func (h memoryHandle) Quit(ctx context.Context) error {
	emitRoomState(h.transport.events, domain.RoomNone)
	return nil
}

func (h memoryHandle) Destroy() {
	h.transport.relay.mu.Lock()
	if h.transport.relay.host == h.transport {
		h.transport.relay.host = nil
	} else {
		delete(h.transport.relay.participants, h.transport.identity)
	}
	h.transport.relay.mu.Unlock()
	emitState(h.transport.events, domain.TransportDisconnected)
}
