// Package room holds the two aggregates the application drives: the host
// room, owner of the authoritative session and the participant links, and
// the participant room, mirror of a single host link. Everything reaches
// the outside world through a signalling transport and per-peer data
// channels; all inbound traffic surfaces on event streams.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/internal/core/services"
	"samspill/pkg/crypto"
	"samspill/pkg/events"
)

// joinWait bounds the signalling handshakes. Matches the transports' own
// response timeout.
const joinWait = 20 * time.Second

// PeerMessage is one message received from a participant over its data
// channel.
type PeerMessage struct {
	Participant domain.Identity
	Message     domain.Message
}

type remoteParticipant struct {
	routingID  domain.Identity
	externalID crypto.ExternalID
	name       string
	key        crypto.KeyID
	session    ports.PeerLink
	unsubs     []func()
}

// HostRoom owns the room end to end: crypto identity, signalling channel,
// join validation and one peer session per admitted participant. The
// participant map is replaced on every change, never mutated, so roster
// snapshots handed out stay stable.
type HostRoom struct {
	cfg        *domain.RoomConfig
	transport  ports.Transport
	logger     *zap.SugaredLogger
	newSession func(stunServers []string) ports.PeerLink

	keys       *crypto.HostKeyPair
	rendezvous *services.Rendezvous

	mu           sync.Mutex
	handle       ports.RoomHandle
	participants map[domain.Identity]*remoteParticipant
	joined       map[domain.Identity]bool
	closed       bool
	unsubscribe  func()

	messages *events.Stream[PeerMessage]
	roster   *events.Stream[[]domain.Participant]
}

// NewHostRoom builds a host room over the given transport. newSession
// constructs one peer link per admitted participant.
func NewHostRoom(cfg *domain.RoomConfig, transport ports.Transport, newSession func(stunServers []string) ports.PeerLink, logger *zap.Logger) *HostRoom {
	return &HostRoom{
		cfg:          cfg,
		transport:    transport,
		logger:       logger.Sugar(),
		newSession:   newSession,
		participants: make(map[domain.Identity]*remoteParticipant),
		joined:       make(map[domain.Identity]bool),
		messages:     events.NewStream[PeerMessage](),
		roster:       events.NewStream[[]domain.Participant](),
	}
}

// Open generates the room's key material, publishes the host descriptor
// and starts accepting joins. The assigned room code lands in the config.
func (r *HostRoom) Open(ctx context.Context) error {
	var wrap crypto.KeyID
	if r.cfg.RoomCodeType == domain.RoomCodeHidden {
		if r.cfg.RoomKey == "" {
			key, err := crypto.GenerateSymmetricKey()
			if err != nil {
				return err
			}
			r.cfg.RoomKey = key
		}
		wrap = r.cfg.RoomKey
	}

	keys, err := crypto.GenerateKeyPair(wrap)
	if err != nil {
		return err
	}
	r.keys = keys
	r.rendezvous = services.NewRendezvous(r.cfg, keys, r.logger.Desugar())

	descriptor := domain.HostPayload{
		PublicKey: keys.Public,
		Settings: domain.RoomSettings{
			Version:         domain.ProtocolVersion,
			RoomType:        r.cfg.RoomCodeType,
			HasPassword:     r.cfg.HasPassword(),
			MaxParticipants: r.cfg.MaxParticipants,
		},
	}

	r.unsubscribe = r.transport.Events().Subscribe(func(ev ports.TransportEvent) {
		if ev.Type == ports.EventMessage {
			r.handleSignalling(ev.Source, ev.Data)
		}
	})

	handle, err := r.transport.CreateChannel(ctx, r.cfg, descriptor)
	if err != nil {
		r.unsubscribe()
		return err
	}
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()
	r.cfg.RoomCode = handle.RoomCode()

	r.logger.Infow("room opened", "room_code", r.cfg.RoomCode, "room_type", r.cfg.RoomCodeType)
	return nil
}

// RoomCode returns the code participants join by.
func (r *HostRoom) RoomCode() string {
	return r.cfg.RoomCode
}

// RoomKey returns the shared room key of a hidden room, empty otherwise.
// Hosts distribute it out of band together with the room code.
func (r *HostRoom) RoomKey() crypto.KeyID {
	return r.cfg.RoomKey
}

// Messages streams everything participants send over their data channels.
func (r *HostRoom) Messages() *events.Stream[PeerMessage] {
	return r.messages
}

// Roster streams the participant list on every membership or connection
// change.
func (r *HostRoom) Roster() *events.Stream[[]domain.Participant] {
	return r.roster
}

// Participants returns the current roster snapshot.
func (r *HostRoom) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *HostRoom) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, domain.Participant{
			ID:              p.routingID,
			Name:            p.name,
			ConnectionState: p.session.State(),
		})
	}
	return out
}

// Broadcast sends one message to every participant over its data channel.
// Participants that are not currently connected are skipped by the links
// themselves.
func (r *HostRoom) Broadcast(t domain.MessageType, payload any) {
	r.mu.Lock()
	sessions := make([]ports.PeerLink, 0, len(r.participants))
	for _, p := range r.participants {
		sessions = append(sessions, p.session)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Send(t, payload)
	}
}

// SendTo sends one message to a single participant.
func (r *HostRoom) SendTo(id domain.Identity, t domain.MessageType, payload any) {
	r.mu.Lock()
	p := r.participants[id]
	r.mu.Unlock()
	if p != nil {
		p.session.Send(t, payload)
	}
}

// Kick removes a participant and tells the relay so it cannot silently
// rejoin.
func (r *HostRoom) Kick(ctx context.Context, id domain.Identity) error {
	r.mu.Lock()
	p := r.participants[id]
	if p != nil {
		next := make(map[domain.Identity]*remoteParticipant, len(r.participants))
		for k, v := range r.participants {
			if k != id {
				next[k] = v
			}
		}
		r.participants = next
		delete(r.joined, domain.Identity(p.externalID))
	}
	handle := r.handle
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.session.Close()
	r.emitRoster()
	if handle != nil {
		return handle.Kick(ctx, id)
	}
	return nil
}

// GameStart puts the signalling channel to sleep so no new participants
// join mid-game.
func (r *HostRoom) GameStart(ctx context.Context) error {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return domain.ErrRoomClosed
	}
	return handle.Sleep(ctx)
}

// Quit announces teardown to the channel and releases everything.
func (r *HostRoom) Quit(ctx context.Context) error {
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

// Close releases the transport, every peer session and all subscriptions.
func (r *HostRoom) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	participants := r.participants
	r.participants = make(map[domain.Identity]*remoteParticipant)
	handle := r.handle
	unsubscribe := r.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, p := range participants {
		for _, unsub := range p.unsubs {
			unsub()
		}
		p.session.Close()
	}
	if handle != nil {
		handle.Destroy()
	}
}

// handleSignalling routes one inbound signalling message. Traffic from a
// known participant is sealed under its key; anything else must be a
// cleartext JOIN.
func (r *HostRoom) handleSignalling(source domain.Identity, data json.RawMessage) {
	r.mu.Lock()
	p := r.participants[source]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	if p != nil {
		msg, err := services.Open(data, p.key)
		if err != nil {
			r.logger.Warnw("undecodable message from participant", "source", source, "error", err)
			return
		}
		if msg.Type == domain.MessageSignal {
			r.handleSignal(p, msg.Payload)
		}
		return
	}

	msg, err := services.Open(data, "")
	if err != nil {
		return
	}
	if msg.Type != domain.MessageJoin {
		return
	}
	var join domain.JoinPayload
	if err := json.Unmarshal(msg.Payload, &join); err != nil {
		r.logger.Warnw("malformed join", "source", source, "error", err)
		return
	}
	r.handleJoin(source, join)
}

func (r *HostRoom) handleJoin(source domain.Identity, join domain.JoinPayload) {
	r.mu.Lock()
	joined := make(map[domain.Identity]bool, len(r.joined))
	for k, v := range r.joined {
		joined[k] = v
	}
	r.mu.Unlock()

	admission, denial := r.rendezvous.Admit(join, joined)
	if denial != nil {
		// The identity may not have unwrapped, so the denial goes out in
		// the clear.
		r.send(source, domain.NewMessage(domain.MessageDenied, denial), "")
		return
	}

	session := r.newSession(r.cfg.StunServers)
	p := &remoteParticipant{
		routingID:  source,
		externalID: join.ExternalID,
		name:       admission.Name,
		key:        admission.Key,
		session:    session,
	}

	p.unsubs = append(p.unsubs, session.States().Subscribe(func(state domain.ConnectionState) {
		r.handleParticipantState(p, state)
	}))
	p.unsubs = append(p.unsubs, session.Messages().Subscribe(func(msg domain.Message) {
		r.messages.Emit(PeerMessage{Participant: p.routingID, Message: msg})
	}))

	if err := session.Connect(false, nil); err != nil {
		r.logger.Errorw("responder connect failed", "source", source, "error", err)
		session.Close()
		return
	}

	r.mu.Lock()
	next := make(map[domain.Identity]*remoteParticipant, len(r.participants)+1)
	for k, v := range r.participants {
		next[k] = v
	}
	next[source] = p
	r.participants = next
	r.joined[domain.Identity(join.ExternalID)] = true
	r.mu.Unlock()

	err := session.Signal(join.Signal, func(counter json.RawMessage) {
		r.send(source, domain.NewMessage(domain.MessageAccepted, domain.AcceptedPayload{CounterSignal: counter}), p.key)
	})
	if err != nil {
		r.logger.Errorw("join signal failed", "source", source, "error", err)
		return
	}

	r.logger.Infow("participant admitted", "source", source, "name", admission.Name)
	r.emitRoster()
}

// handleSignal handles a renegotiation offer from a reconnecting
// participant.
func (r *HostRoom) handleSignal(p *remoteParticipant, payload json.RawMessage) {
	var sig domain.SignalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		return
	}
	err := p.session.Signal(sig.Signal, func(counter json.RawMessage) {
		r.send(p.routingID, domain.NewMessage(domain.MessageSignal, domain.SignalPayload{Signal: counter}), p.key)
	})
	if err != nil {
		r.logger.Warnw("signal failed", "source", p.routingID, "error", err)
	}
}

// handleParticipantState reacts to a participant link dropping: the
// responder side is rebuilt to await a fresh offer, and the channel is
// woken so the participant can reach us again.
func (r *HostRoom) handleParticipantState(p *remoteParticipant, state domain.ConnectionState) {
	r.mu.Lock()
	closed := r.closed
	_, present := r.participants[p.routingID]
	handle := r.handle
	r.mu.Unlock()
	if closed || !present {
		return
	}

	if state == domain.ConnectionClosed {
		if err := p.session.Reconnect(); err != nil {
			r.logger.Warnw("participant reconnect failed", "source", p.routingID, "error", err)
		}
		if handle != nil {
			ctx, cancel := context.WithTimeout(context.Background(), joinWait)
			defer cancel()
			if err := handle.Wake(ctx); err != nil {
				r.logger.Warnw("wake failed", "error", err)
			}
		}
	}
	r.emitRoster()
}

// send delivers one targeted signalling message, sealed when a key is
// known.
func (r *HostRoom) send(target domain.Identity, msg domain.Message, key crypto.KeyID) {
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
	if err := r.transport.Send(ctx, &target, data); err != nil {
		r.logger.Warnw("signalling send failed", "target", target, "type", msg.Type, "error", err)
	}
}

func (r *HostRoom) emitRoster() {
	r.mu.Lock()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.roster.Emit(snapshot)
}
