// Package relay implements the rendezvous relay the WebSocket transport
// talks to. The relay routes opaque envelopes between the host and the
// participants of a room; it inspects nothing but the channel-control
// frames that belong to it (HOST, SLEEP, WAKE, QUIT, KICK).
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/pkg/logger"
	"samspill/pkg/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type client struct {
	id     domain.Identity
	conn   *websocket.Conn
	isHost bool

	mu sync.Mutex // guards conn writes
}

func (c *client) write(timeout time.Duration, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

type hubRoom struct {
	code         string
	host         *client
	participants map[domain.Identity]*client
	// descriptor is the host's HOST envelope, replayed to late joiners.
	descriptor *domain.Envelope
	sleeping   bool
	kicked     map[domain.Identity]bool
}

// Hub tracks rooms and routes envelopes between their members.
type Hub struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	maxRooms     int
	metrics      *Metrics
	logger       *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[string]*hubRoom
}

func NewHub(pingInterval, pongTimeout, writeTimeout time.Duration, maxRooms int, metrics *Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: writeTimeout,
		maxRooms:     maxRooms,
		metrics:      metrics,
		logger:       logger.Sugar(),
		rooms:        make(map[string]*hubRoom),
	}
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// HandleWebSocket serves one relay connection. Hosts register a fresh
// room; participants attach to an existing one by code.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	role := query.Get("role")
	peer := domain.Identity(query.Get("peer"))
	if peer == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	switch role {
	case "host":
		h.serveHost(w, r, peer)
	case "join":
		h.serveParticipant(w, r, peer, query.Get("room"))
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
	}
}

func (h *Hub) serveHost(w http.ResponseWriter, r *http.Request, peer domain.Identity) {
	h.mu.Lock()
	if h.maxRooms > 0 && len(h.rooms) >= h.maxRooms {
		h.mu.Unlock()
		http.Error(w, "room limit reached", http.StatusServiceUnavailable)
		return
	}
	code := utils.NewRoomCode()
	for h.rooms[code] != nil {
		code = utils.NewRoomCode()
	}
	room := &hubRoom{
		code:         code,
		participants: make(map[domain.Identity]*client),
		kicked:       make(map[domain.Identity]bool),
	}
	h.rooms[code] = room
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.removeRoom(code)
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	host := &client{id: peer, conn: conn, isHost: true}
	h.mu.Lock()
	room.host = host
	h.mu.Unlock()

	h.metrics.RoomOpened()
	logger.WithTrace(r.Context(), h.logger).Infow("room registered", "room_code", code)

	h.readLoop(host, room)

	h.closeRoom(room)
	h.metrics.RoomClosed()
	h.logger.Infow("room released", "room_code", code)
}

func (h *Hub) serveParticipant(w http.ResponseWriter, r *http.Request, peer domain.Identity, code string) {
	h.mu.Lock()
	room := h.rooms[code]
	var rejected string
	switch {
	case room == nil:
		rejected = "room not found"
	case room.sleeping:
		rejected = "room is sleeping"
	case room.kicked[peer]:
		rejected = "kicked"
	}
	h.mu.Unlock()
	if rejected != "" {
		h.metrics.JoinRejected()
		http.Error(w, rejected, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	participant := &client{id: peer, conn: conn}

	h.mu.Lock()
	room.participants[peer] = participant
	descriptor := room.descriptor
	h.mu.Unlock()

	h.metrics.PeerConnected()
	logger.WithTrace(r.Context(), h.logger).Infow("participant attached", "room_code", code, "peer", peer)

	if descriptor != nil {
		if err := participant.write(h.writeTimeout, descriptor); err != nil {
			h.logger.Warnw("descriptor replay failed", "peer", peer, "error", err)
		}
	}

	h.readLoop(participant, room)

	h.mu.Lock()
	delete(room.participants, peer)
	h.mu.Unlock()
	h.metrics.PeerDisconnected()
}

func (h *Hub) readLoop(c *client, room *hubRoom) {
	conn := c.conn
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		return nil
	})

	envelopes := make(chan domain.Envelope, 10)
	errs := make(chan error, 1)
	go func() {
		for {
			var envelope domain.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				errs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
			envelopes <- envelope
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case envelope := <-envelopes:
			// The query-string identity wins over whatever the client
			// claims.
			envelope.Source = c.id
			h.route(c, room, envelope)

		case <-pingTicker.C:
			c.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}

		case err := <-errs:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("connection dropped", "peer", c.id, "error", err)
			}
			return
		}
	}
}

// route delivers one envelope. Control frames update room state on the
// way through; everything else is forwarded untouched.
func (h *Hub) route(from *client, room *hubRoom, envelope domain.Envelope) {
	h.metrics.EnvelopeRouted()

	switch peekType(envelope.Data) {
	case domain.MessageHost:
		if from.isHost {
			h.mu.Lock()
			room.descriptor = &envelope
			h.mu.Unlock()
			h.reply(from, room.code)
			return
		}
	case domain.MessageSleep:
		if from.isHost {
			h.mu.Lock()
			room.sleeping = true
			h.mu.Unlock()
		}
	case domain.MessageWake:
		if from.isHost {
			h.mu.Lock()
			room.sleeping = false
			h.mu.Unlock()
		}
	case domain.MessageKick:
		if from.isHost {
			h.kick(room, envelope)
			return
		}
	}

	h.deliver(from, room, envelope)
}

func (h *Hub) deliver(from *client, room *hubRoom, envelope domain.Envelope) {
	h.mu.Lock()
	var targets []*client
	if from.isHost {
		if envelope.Target == nil {
			for _, p := range room.participants {
				targets = append(targets, p)
			}
		} else if p, ok := room.participants[*envelope.Target]; ok {
			targets = append(targets, p)
		}
	} else if room.host != nil {
		targets = append(targets, room.host)
	}
	h.mu.Unlock()

	for _, target := range targets {
		if err := target.write(h.writeTimeout, envelope); err != nil {
			h.logger.Warnw("envelope delivery failed", "target", target.id, "error", err)
		}
	}
}

// reply sends the relay-internal ROOM frame carrying the assigned code.
func (h *Hub) reply(host *client, code string) {
	envelope := domain.Envelope{
		Source: host.id,
		Data:   mustMarshal(domain.NewMessage(domain.MessageRoom, domain.RoomPayload{Code: code})),
	}
	target := host.id
	envelope.Target = &target
	if err := host.write(h.writeTimeout, envelope); err != nil {
		h.logger.Warnw("room code reply failed", "room_code", code, "error", err)
	}
}

// kick forwards the KICK to its victim, blacklists the identity and drops
// the connection.
func (h *Hub) kick(room *hubRoom, envelope domain.Envelope) {
	var msg domain.Message
	var payload domain.KickPayload
	if err := json.Unmarshal(envelope.Data, &msg); err != nil {
		return
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}

	h.mu.Lock()
	victim := room.participants[payload.ExternalID]
	room.kicked[payload.ExternalID] = true
	delete(room.participants, payload.ExternalID)
	h.mu.Unlock()

	if victim != nil {
		victim.write(h.writeTimeout, envelope)
		victim.conn.Close()
	}
}

// closeRoom fans a QUIT out to all participants and drops the room.
func (h *Hub) closeRoom(room *hubRoom) {
	h.mu.Lock()
	participants := make([]*client, 0, len(room.participants))
	for _, p := range room.participants {
		participants = append(participants, p)
	}
	delete(h.rooms, room.code)
	h.mu.Unlock()

	quit := domain.Envelope{
		Source: domain.HostIdentity,
		Data:   mustMarshal(domain.NewMessage(domain.MessageQuit, nil)),
	}
	for _, p := range participants {
		p.write(h.writeTimeout, quit)
		p.conn.Close()
	}
}

func (h *Hub) removeRoom(code string) {
	h.mu.Lock()
	delete(h.rooms, code)
	h.mu.Unlock()
}

func peekType(data json.RawMessage) domain.MessageType {
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
