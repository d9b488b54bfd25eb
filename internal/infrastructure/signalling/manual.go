package signalling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/pkg/events"
	"samspill/pkg/utils"
)

// ManualTransport is the copy/paste relay: nothing is delivered
// automatically. Every outbound envelope is surfaced on the Outbox stream
// for the user to hand over, and inbound envelopes enter through Inject.
// Sleep, wake and kick are user actions in this mode, so the handle treats
// them as no-ops.
type ManualTransport struct {
	identity domain.Identity
	events   *events.Stream[ports.TransportEvent]
	outbox   *events.Stream[string]
	logger   *zap.SugaredLogger
}

func NewManualTransport(logger *zap.Logger) *ManualTransport {
	return &ManualTransport{
		events: events.NewStream[ports.TransportEvent](),
		outbox: events.NewStream[string](),
		logger: logger.Sugar(),
	}
}

func (t *ManualTransport) Events() *events.Stream[ports.TransportEvent] {
	return t.events
}

// Outbox emits every envelope this side wants delivered, encoded for
// copying.
func (t *ManualTransport) Outbox() *events.Stream[string] {
	return t.outbox
}

func (t *ManualTransport) Identity() domain.Identity {
	return t.identity
}

func (t *ManualTransport) CreateChannel(ctx context.Context, cfg *domain.RoomConfig, descriptor domain.HostPayload) (ports.RoomHandle, error) {
	t.identity = domain.HostIdentity
	emitState(t.events, domain.TransportConnected)
	if err := t.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageHost, descriptor))); err != nil {
		return nil, err
	}
	emitRoomState(t.events, domain.RoomActive)
	return manualHandle{transport: t}, nil
}

func (t *ManualTransport) OpenChannel(ctx context.Context, cfg *domain.RoomConfig) (ports.RoomHandle, error) {
	t.identity = domain.Identity(utils.NewPeerID())
	emitState(t.events, domain.TransportConnected)
	emitRoomState(t.events, domain.RoomActive)
	return manualHandle{transport: t}, nil
}

func (t *ManualTransport) Send(ctx context.Context, target *domain.Identity, data json.RawMessage) error {
	envelope := domain.Envelope{
		Target: target,
		Source: t.identity,
		Data:   data,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	t.outbox.Emit(base64.StdEncoding.EncodeToString(raw))
	return nil
}

// Inject feeds one pasted envelope into the channel.
func (t *ManualTransport) Inject(encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode pasted envelope: %w", err)
	}
	var envelope domain.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse pasted envelope: %w", err)
	}
	if envelope.Target != nil && *envelope.Target != t.identity {
		return fmt.Errorf("envelope is addressed to %s", *envelope.Target)
	}
	t.events.Emit(ports.TransportEvent{
		Type:   ports.EventMessage,
		Source: envelope.Source,
		Data:   envelope.Data,
	})
	return nil
}

type manualHandle struct {
	transport *ManualTransport
}

func (manualHandle) RoomCode() string { return "" }

func (manualHandle) Sleep(ctx context.Context) error { return nil }

func (manualHandle) Wake(ctx context.Context) error { return nil }

func (manualHandle) Kick(ctx context.Context, id domain.Identity) error { return nil }

func (h manualHandle) Quit(ctx context.Context) error {
	emitRoomState(h.transport.events, domain.RoomNone)
	return nil
}

func (h manualHandle) Destroy() {
	emitState(h.transport.events, domain.TransportDisconnected)
}
