package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/pkg/events"
	"samspill/pkg/retry"
	"samspill/pkg/utils"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketTransport talks to the relay server. The relay routes envelopes
// by opaque target id and owns room codes; everything else rides on top.
type WebSocketTransport struct {
	relayURL string
	identity domain.Identity
	events   *events.Stream[ports.TransportEvent]
	logger   *zap.SugaredLogger

	mu       sync.Mutex // guards conn writes and replacement, and sleeping
	conn     *websocket.Conn
	done     chan struct{}
	sleeping bool

	roomCode string
}

func (t *WebSocketTransport) setSleeping(v bool) {
	t.mu.Lock()
	t.sleeping = v
	t.mu.Unlock()
}

func (t *WebSocketTransport) isSleeping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleeping
}

func NewWebSocketTransport(relayURL string, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		relayURL: relayURL,
		events:   events.NewStream[ports.TransportEvent](),
		logger:   logger.Sugar(),
	}
}

func (t *WebSocketTransport) Events() *events.Stream[ports.TransportEvent] {
	return t.events
}

func (t *WebSocketTransport) Identity() domain.Identity {
	return t.identity
}

func (t *WebSocketTransport) connect(ctx context.Context, query url.Values) error {
	emitState(t.events, domain.TransportConnecting)

	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	u.RawQuery = query.Encode()

	var conn *websocket.Conn
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var dialErr error
		conn, _, dialErr = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		return dialErr
	})
	if err != nil {
		emitState(t.events, domain.TransportDisconnected)
		return fmt.Errorf("dial relay: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.readPump(conn)
	go t.pingLoop(conn)

	emitState(t.events, domain.TransportConnected)
	return nil
}

// CreateChannel dials the relay as host, publishes the descriptor and
// waits for the assigned room code.
func (t *WebSocketTransport) CreateChannel(ctx context.Context, cfg *domain.RoomConfig, descriptor domain.HostPayload) (ports.RoomHandle, error) {
	t.identity = domain.HostIdentity

	query := url.Values{}
	query.Set("role", "host")
	query.Set("peer", string(t.identity))
	if err := t.connect(ctx, query); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	next := make(chan ports.TransportEvent, 1)
	unsubscribe := t.events.Subscribe(func(ev ports.TransportEvent) {
		if ev.Type == ports.EventMessage && messageType(ev.Data) == domain.MessageRoom {
			select {
			case next <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := t.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageHost, descriptor))); err != nil {
		return nil, err
	}

	select {
	case ev := <-next:
		var msg domain.Message
		var room domain.RoomPayload
		if err := json.Unmarshal(ev.Data, &msg); err == nil {
			_ = json.Unmarshal(msg.Payload, &room)
		}
		if room.Code == "" {
			return nil, fmt.Errorf("relay did not assign a room code")
		}
		t.roomCode = room.Code
	case <-waitCtx.Done():
		return nil, fmt.Errorf("create channel: %w", domain.ErrTimeout)
	}

	emitRoomState(t.events, domain.RoomActive)
	t.logger.Infow("relay channel created", "room_code", t.roomCode)
	return &wsHandle{transport: t}, nil
}

// OpenChannel dials the relay as participant for an existing room code.
// The host descriptor arrives as the first routed message.
func (t *WebSocketTransport) OpenChannel(ctx context.Context, cfg *domain.RoomConfig) (ports.RoomHandle, error) {
	t.identity = domain.Identity(utils.NewPeerID())

	query := url.Values{}
	query.Set("role", "join")
	query.Set("room", cfg.RoomCode)
	query.Set("peer", string(t.identity))
	if err := t.connect(ctx, query); err != nil {
		return nil, err
	}

	emitRoomState(t.events, domain.RoomActive)
	t.logger.Infow("relay channel opened", "room_code", cfg.RoomCode, "peer", t.identity)
	return &wsHandle{transport: t}, nil
}

// Send routes data through the relay. Nil target broadcasts to the room.
func (t *WebSocketTransport) Send(ctx context.Context, target *domain.Identity, data json.RawMessage) error {
	envelope := domain.Envelope{
		Target: target,
		Source: t.identity,
		Data:   data,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return domain.ErrTransportClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		var envelope domain.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Infow("relay connection dropped", "error", err)
			}
			t.teardown(conn)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		t.dispatch(envelope)
	}
}

// dispatch peeks only at channel-control frames; everything else is
// surfaced verbatim.
func (t *WebSocketTransport) dispatch(envelope domain.Envelope) {
	switch messageType(envelope.Data) {
	case domain.MessageSleep:
		t.setSleeping(true)
		emitRoomState(t.events, domain.RoomSleeping)
		return
	case domain.MessageWake:
		t.setSleeping(false)
		emitRoomState(t.events, domain.RoomActive)
		return
	case domain.MessageQuit:
		// Only the host's QUIT ends the room; a participant's QUIT is an
		// ordinary message for the host to act on.
		if envelope.Source == domain.HostIdentity && t.identity != domain.HostIdentity {
			emitRoomState(t.events, domain.RoomNone)
			return
		}
	}
	t.events.Emit(ports.TransportEvent{
		Type:   ports.EventMessage,
		Source: envelope.Source,
		Data:   envelope.Data,
	})
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != conn {
				t.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				t.teardown(conn)
				return
			}
		case <-done:
			return
		}
	}
}

func (t *WebSocketTransport) teardown(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	conn.Close()
	emitState(t.events, domain.TransportDisconnected)
}

func (t *WebSocketTransport) close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.teardown(conn)
	}
}

type wsHandle struct {
	transport *WebSocketTransport
}

func (h *wsHandle) RoomCode() string { return h.transport.roomCode }

func (h *wsHandle) Sleep(ctx context.Context) error {
	if h.transport.isSleeping() {
		return nil
	}
	if err := h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageSleep, nil))); err != nil {
		return err
	}
	h.transport.setSleeping(true)
	emitRoomState(h.transport.events, domain.RoomSleeping)
	return nil
}

func (h *wsHandle) Wake(ctx context.Context) error {
	if !h.transport.isSleeping() {
		return nil
	}
	if err := h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageWake, nil))); err != nil {
		return err
	}
	h.transport.setSleeping(false)
	emitRoomState(h.transport.events, domain.RoomActive)
	return nil
}

func (h *wsHandle) Kick(ctx context.Context, id domain.Identity) error {
	return h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageKick, domain.KickPayload{ExternalID: id})))
}

func (h *wsHandle) Quit(ctx context.Context) error {
	err := h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageQuit, nil)))
	emitRoomState(h.transport.events, domain.RoomNone)
	return err
}

func (h *wsHandle) Destroy() {
	h.transport.close()
}

// messageType peeks at the type tag of raw data. Sealed payloads have no
// type tag and return "".
func messageType(data json.RawMessage) domain.MessageType {
	var peek struct {
		Type domain.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.Type
}

func mustMarshal(msg domain.Message) json.RawMessage {
	raw, err := json.Marshal(msg)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
