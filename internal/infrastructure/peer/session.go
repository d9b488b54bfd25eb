// Package peer wraps a WebRTC data-channel connection in the small state
// machine the rooms program against. Signalling is non-trickle: each side
// produces exactly one description, emitted only after ICE gathering has
// finished, so a signal fits in a single relay envelope.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/pkg/events"
)

const dataChannelLabel = "samspill"

// gatherTimeout bounds the wait for ICE candidate gathering. A host behind
// a hostile NAT should fail the join, not hang it.
const gatherTimeout = 20 * time.Second

// Session is one peer-to-peer link. It remembers its signalling role and
// callbacks so Reconnect can rebuild the connection with the same identity.
type Session struct {
	stunServers []string
	logger      *zap.SugaredLogger

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state domain.ConnectionState

	initiator     bool
	onLocalSignal func(json.RawMessage)

	states   *events.Stream[domain.ConnectionState]
	messages *events.Stream[domain.Message]
}

func NewSession(stunServers []string, logger *zap.Logger) *Session {
	return &Session{
		stunServers: stunServers,
		logger:      logger.Sugar(),
		state:       domain.ConnectionIdle,
		states:      events.NewStream[domain.ConnectionState](),
		messages:    events.NewStream[domain.Message](),
	}
}

func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) States() *events.Stream[domain.ConnectionState] {
	return s.states
}

func (s *Session) Messages() *events.Stream[domain.Message] {
	return s.messages
}

// Connect builds the underlying connection. The initiator side opens the
// data channel and emits its offer through onLocalSignal once gathering
// completes; the other side waits for that offer to arrive via Signal.
func (s *Session) Connect(initiator bool, onLocalSignal func(json.RawMessage)) error {
	s.mu.Lock()
	s.initiator = initiator
	s.onLocalSignal = onLocalSignal
	s.mu.Unlock()

	pc, err := s.newPeerConnection()
	if err != nil {
		return err
	}
	s.setState(domain.ConnectionConnecting)

	if !initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.adoptChannel(dc)
		})
		return nil
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		s.teardown()
		return fmt.Errorf("create data channel: %w", err)
	}
	s.adoptChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.teardown()
		return fmt.Errorf("create offer: %w", err)
	}
	local, err := s.gatherComplete(pc, offer)
	if err != nil {
		s.teardown()
		return err
	}
	if onLocalSignal != nil {
		onLocalSignal(local)
	}
	return nil
}

// Signal feeds the remote description in. On the initiator this is the
// answer and completes the handshake; on the other side it is the offer,
// and the generated answer is handed to onCounterSignal.
func (s *Session) Signal(remote json.RawMessage, onCounterSignal func(json.RawMessage)) error {
	s.mu.Lock()
	pc := s.pc
	initiator := s.initiator
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrNotConnected
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return fmt.Errorf("parse remote signal: %w", err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote signal: %w", err)
	}
	if initiator {
		return nil
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	local, err := s.gatherComplete(pc, answer)
	if err != nil {
		return err
	}
	if onCounterSignal != nil {
		onCounterSignal(local)
	}
	return nil
}

// Send delivers one typed message over the data channel. Sends on a
// session that is not connected are dropped silently; phase broadcasts
// race against transient disconnects and the state stream is the place
// that reports those.
func (s *Session) Send(t domain.MessageType, payload any) {
	s.mu.Lock()
	dc := s.dc
	connected := s.state == domain.ConnectionConnected
	s.mu.Unlock()
	if !connected || dc == nil {
		return
	}

	raw, err := json.Marshal(domain.NewMessage(t, payload))
	if err != nil {
		s.logger.Warnw("dropping unencodable message", "type", t, "error", err)
		return
	}
	if err := dc.SendText(string(raw)); err != nil {
		s.logger.Warnw("data channel send failed", "type", t, "error", err)
	}
}

// Reconnect discards the underlying connection and dials again with the
// same role and signalling callback. The session object, and with it the
// peer's identity, survives the swap.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	initiator := s.initiator
	onLocalSignal := s.onLocalSignal
	s.mu.Unlock()

	s.teardown()
	return s.Connect(initiator, onLocalSignal)
}

// Close tears the connection down for good.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(s.stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: s.stunServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.mu.Lock()
			current := s.pc
			s.mu.Unlock()
			if current == pc {
				s.logger.Infow("peer connection lost", "state", state)
				s.setState(domain.ConnectionClosed)
			}
		}
	})

	s.mu.Lock()
	s.pc = pc
	s.dc = nil
	s.mu.Unlock()
	return pc, nil
}

func (s *Session) adoptChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.mu.Lock()
		s.dc = dc
		s.mu.Unlock()
		s.setState(domain.ConnectionConnected)
	})
	dc.OnClose(func() {
		s.mu.Lock()
		current := s.dc
		s.mu.Unlock()
		if current == dc {
			s.setState(domain.ConnectionClosed)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m domain.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			s.logger.Warnw("skipping malformed peer message", "error", err)
			return
		}
		s.messages.Emit(m)
	})
}

// gatherComplete applies the local description and blocks until ICE
// gathering finishes, then returns the complete description.
func (s *Session) gatherComplete(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("apply local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		return nil, fmt.Errorf("ice gathering: %w", domain.ErrTimeout)
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("no local description after gathering")
	}
	raw, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("encode local signal: %w", err)
	}
	return raw, nil
}

func (s *Session) setState(state domain.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.states.Emit(state)
}

func (s *Session) teardown() {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.dc = nil
	s.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	s.setState(domain.ConnectionClosed)
}
