package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/internal/core/services"
	"samspill/pkg/crypto"
	"samspill/pkg/events"
	"samspill/pkg/validation"
)

// ParticipantRoom is the joining side: one signalling channel and one peer
// link to the host. The link survives reconnects; its identity, and with
// it everything the host has recorded for this participant, is the wrapped
// key established at join time.
type ParticipantRoom struct {
	cfg        *domain.RoomConfig
	transport  ports.Transport
	logger     *zap.SugaredLogger
	newSession func(stunServers []string) ports.PeerLink

	mu          sync.Mutex
	handle      ports.RoomHandle
	key         crypto.KeyID
	external    crypto.ExternalID
	hostPublic  crypto.PublicKeyID
	settings    domain.RoomSettings
	session     ports.PeerLink
	joinSent    bool
	closed      bool
	unsubscribe func()

	messages *events.Stream[domain.Message]
	states   *events.Stream[domain.ConnectionState]
}

func NewParticipantRoom(cfg *domain.RoomConfig, transport ports.Transport, newSession func(stunServers []string) ports.PeerLink, logger *zap.Logger) *ParticipantRoom {
	return &ParticipantRoom{
		cfg:        cfg,
		transport:  transport,
		logger:     logger.Sugar(),
		newSession: newSession,
		messages:   events.NewStream[domain.Message](),
		states:     events.NewStream[domain.ConnectionState](),
	}
}

// Settings returns the host descriptor settings, available after Join.
func (r *ParticipantRoom) Settings() domain.RoomSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Messages streams everything the host sends over the data channel. The
// stream is owned by the room and stays valid before Join and across
// reconnects.
func (r *ParticipantRoom) Messages() *events.Stream[domain.Message] {
	return r.messages
}

// States streams the host link's connection state.
func (r *ParticipantRoom) States() *events.Stream[domain.ConnectionState] {
	return r.states
}

// State returns the current host link state, IDLE before Join.
func (r *ParticipantRoom) State() domain.ConnectionState {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return domain.ConnectionIdle
	}
	return session.State()
}

// Join runs the whole rendezvous: open the channel, read the host
// descriptor, send a JOIN carrying a wrapped identity and a connection
// offer, and complete the peer handshake from the ACCEPTED response.
// A DENIED response is returned as *domain.Denial.
func (r *ParticipantRoom) Join(ctx context.Context, name string) error {
	if err := validation.ValidateDisplayName(name); err != nil {
		return err
	}
	if err := validation.ValidateRoomCode(r.cfg.RoomCode); err != nil {
		return err
	}

	inbox := make(chan ports.TransportEvent, 16)
	unsubscribe := r.transport.Events().Subscribe(func(ev ports.TransportEvent) {
		if ev.Type == ports.EventMessage {
			select {
			case inbox <- ev:
			default:
			}
		}
	})

	handle, err := r.transport.OpenChannel(ctx, r.cfg)
	if err != nil {
		unsubscribe()
		return err
	}
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()

	descriptor, err := r.awaitDescriptor(ctx, inbox)
	if err != nil {
		unsubscribe()
		return err
	}
	r.mu.Lock()
	r.hostPublic = descriptor.PublicKey
	r.settings = descriptor.Settings
	r.mu.Unlock()

	if descriptor.Settings.Version != domain.ProtocolVersion {
		unsubscribe()
		return fmt.Errorf("protocol version %d, need %d: %w",
			descriptor.Settings.Version, domain.ProtocolVersion, domain.ErrVersionMismatch)
	}

	if err := r.prepareIdentity(name, descriptor); err != nil {
		unsubscribe()
		return err
	}

	if err := r.connectPeer(name, descriptor); err != nil {
		unsubscribe()
		return err
	}

	verdict, err := r.awaitVerdict(ctx, inbox)
	if err != nil {
		unsubscribe()
		return err
	}
	if verdict.Type == domain.MessageDenied {
		var denial domain.Denial
		if err := json.Unmarshal(verdict.Payload, &denial); err != nil {
			return fmt.Errorf("malformed denial: %w", err)
		}
		unsubscribe()
		return &denial
	}

	var accepted domain.AcceptedPayload
	if err := json.Unmarshal(verdict.Payload, &accepted); err != nil {
		unsubscribe()
		return fmt.Errorf("malformed accept: %w", err)
	}
	if err := r.session.Signal(accepted.CounterSignal, nil); err != nil {
		unsubscribe()
		return err
	}

	// From here on the subscription serves reconnect signalling.
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	go r.consumeSignals(inbox)

	r.logger.Infow("joined room", "room_code", r.cfg.RoomCode)
	return nil
}

func (r *ParticipantRoom) awaitDescriptor(ctx context.Context, inbox <-chan ports.TransportEvent) (domain.HostPayload, error) {
	waitCtx, cancel := context.WithTimeout(ctx, joinWait)
	defer cancel()
	for {
		select {
		case ev := <-inbox:
			msg, err := services.Open(ev.Data, "")
			if err != nil || msg.Type != domain.MessageHost {
				continue
			}
			var descriptor domain.HostPayload
			if err := json.Unmarshal(msg.Payload, &descriptor); err != nil {
				return domain.HostPayload{}, fmt.Errorf("malformed host descriptor: %w", err)
			}
			return descriptor, nil
		case <-waitCtx.Done():
			return domain.HostPayload{}, fmt.Errorf("waiting for host descriptor: %w", domain.ErrTimeout)
		}
	}
}

func (r *ParticipantRoom) prepareIdentity(name string, descriptor domain.HostPayload) error {
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return err
	}
	external, err := crypto.WrapIdentity(key, descriptor.PublicKey, r.cfg.RoomKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.key = key
	r.external = external
	r.mu.Unlock()
	return nil
}

// connectPeer builds the initiator link. The first local signal rides
// inside the JOIN request; all later ones, produced by reconnects, go out
// as sealed SIGNAL messages.
func (r *ParticipantRoom) connectPeer(name string, descriptor domain.HostPayload) error {
	sealedName, err := crypto.EncryptValue(name, r.key)
	if err != nil {
		return err
	}
	var digest crypto.Digest
	if r.cfg.Password != "" {
		digest = crypto.HashPassword(r.cfg.Password, descriptor.PublicKey)
	}

	session := r.newSession(r.cfg.StunServers)
	session.States().Subscribe(r.handleLinkState)
	session.States().Subscribe(func(state domain.ConnectionState) {
		r.states.Emit(state)
	})
	session.Messages().Subscribe(func(msg domain.Message) {
		r.messages.Emit(msg)
	})
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()

	return session.Connect(true, func(signal json.RawMessage) {
		r.mu.Lock()
		first := !r.joinSent
		r.joinSent = true
		r.mu.Unlock()

		if first {
			join := domain.JoinPayload{
				ExternalID: r.external,
				Name:       sealedName,
				Password:   digest,
				Signal:     signal,
				Version:    domain.ProtocolVersion,
			}
			r.send(domain.NewMessage(domain.MessageJoin, join), "")
			return
		}
		r.send(domain.NewMessage(domain.MessageSignal, domain.SignalPayload{Signal: signal}), r.key)
	})
}

func (r *ParticipantRoom) awaitVerdict(ctx context.Context, inbox <-chan ports.TransportEvent) (domain.Message, error) {
	waitCtx, cancel := context.WithTimeout(ctx, joinWait)
	defer cancel()
	for {
		select {
		case ev := <-inbox:
			msg, err := services.Open(ev.Data, r.key)
			if err != nil {
				continue
			}
			if msg.Type == domain.MessageAccepted || msg.Type == domain.MessageDenied {
				return msg, nil
			}
		case <-waitCtx.Done():
			return domain.Message{}, fmt.Errorf("waiting for join verdict: %w", domain.ErrTimeout)
		}
	}
}

// consumeSignals handles post-join signalling traffic: the host's
// counter-signals to our reconnect offers.
func (r *ParticipantRoom) consumeSignals(inbox <-chan ports.TransportEvent) {
	for ev := range inbox {
		r.mu.Lock()
		closed := r.closed
		key := r.key
		r.mu.Unlock()
		if closed {
			return
		}

		msg, err := services.Open(ev.Data, key)
		if err != nil || msg.Type != domain.MessageSignal {
			continue
		}
		var sig domain.SignalPayload
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			continue
		}
		if err := r.session.Signal(sig.Signal, nil); err != nil {
			r.logger.Warnw("host counter-signal failed", "error", err)
		}
	}
}

// handleLinkState drives the reconnect loop: a closed link dials again
// with a fresh offer, and every successful connect asks the host for the
// full session state.
func (r *ParticipantRoom) handleLinkState(state domain.ConnectionState) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	switch state {
	case domain.ConnectionConnected:
		r.session.Send(domain.MessageRequestState, nil)
	case domain.ConnectionClosed:
		if err := r.session.Reconnect(); err != nil {
			r.logger.Warnw("host reconnect failed", "error", err)
		}
	}
}

// ToHost sends one message to the host over the data channel. Dropped
// before Join, like any send on a disconnected link.
func (r *ParticipantRoom) ToHost(t domain.MessageType, payload any) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session != nil {
		session.Send(t, payload)
	}
}

// Quit announces leaving and releases everything.
func (r *ParticipantRoom) Quit(ctx context.Context) error {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	var err error
	if handle != nil {
		err = handle.Quit(ctx)
	}
	r.Close()
	return err
}

// Close releases the link, the channel and all subscriptions.
func (r *ParticipantRoom) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handle := r.handle
	unsubscribe := r.unsubscribe
	session := r.session
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if session != nil {
		session.Close()
	}
	if handle != nil {
		handle.Destroy()
	}
}

func (r *ParticipantRoom) send(msg domain.Message, key crypto.KeyID) {
	var data json.RawMessage
	var err error
	if key != "" {
		data, err = services.Seal(msg, key)
	} else {
		data, err = json.Marshal(msg)
	}
	if err != nil {
		r.logger.Errorw("encode signalling message failed", "type", msg.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinWait)
	defer cancel()
	host := domain.HostIdentity
	if err := r.transport.Send(ctx, &host, data); err != nil {
		r.logger.Warnw("signalling send failed", "type", msg.Type, "error", err)
	}
}
