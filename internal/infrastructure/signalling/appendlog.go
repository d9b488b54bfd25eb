package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/pkg/circuitbreaker"
	"samspill/pkg/events"
	"samspill/pkg/utils"
)

const appendLogPrefix = "samspill:room"

// AppendLogTransport signals through a shared append-only log in Redis.
// Writers only append, readers only scan from their own offset, so no
// coordination is needed beyond the log order itself. Delivery latency is
// bounded by the poll interval; that is part of the contract, not a bug.
// SLEEP and WAKE markers gate delivery without deleting history.
type AppendLogTransport struct {
	client   *redis.Client
	breaker  *circuitbreaker.CircuitBreaker
	interval time.Duration
	identity domain.Identity
	events   *events.Stream[ports.TransportEvent]
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	key      string
	roomCode string
	offset   int64
	sleeping bool
	cancel   context.CancelFunc
}

func NewAppendLogTransport(client *redis.Client, interval time.Duration, logger *zap.Logger) *AppendLogTransport {
	t := &AppendLogTransport{
		client:   client,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		interval: interval,
		events:   events.NewStream[ports.TransportEvent](),
		logger:   logger.Sugar(),
	}
	t.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		t.logger.Warnw("redis breaker state changed", "from", from, "to", to)
	})
	return t
}

func (t *AppendLogTransport) Events() *events.Stream[ports.TransportEvent] {
	return t.events
}

func (t *AppendLogTransport) Identity() domain.Identity {
	return t.identity
}

func logKey(roomCode string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", appendLogPrefix, day.Format("20060102"), roomCode)
}

// CreateChannel starts a fresh log under a new room code and publishes the
// host descriptor as its first entry. Logs from previous days are pruned.
func (t *AppendLogTransport) CreateChannel(ctx context.Context, cfg *domain.RoomConfig, descriptor domain.HostPayload) (ports.RoomHandle, error) {
	t.identity = domain.HostIdentity
	t.roomCode = utils.NewRoomCode()
	t.key = logKey(t.roomCode, time.Now())

	emitState(t.events, domain.TransportConnecting)
	if err := t.client.Del(ctx, t.key).Err(); err != nil {
		emitState(t.events, domain.TransportDisconnected)
		return nil, fmt.Errorf("reset log: %w", err)
	}
	t.pruneOldLogs(ctx)

	t.startPolling()
	emitState(t.events, domain.TransportConnected)

	if err := t.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageHost, descriptor))); err != nil {
		return nil, err
	}
	emitRoomState(t.events, domain.RoomActive)
	t.logger.Infow("append log created", "room_code", t.roomCode, "key", t.key)
	return &appendLogHandle{transport: t}, nil
}

// OpenChannel attaches to an existing log and scans it from the beginning,
// so the host descriptor published at creation is replayed to this reader.
func (t *AppendLogTransport) OpenChannel(ctx context.Context, cfg *domain.RoomConfig) (ports.RoomHandle, error) {
	t.identity = domain.Identity(utils.NewPeerID())
	t.roomCode = cfg.RoomCode
	t.key = logKey(cfg.RoomCode, time.Now())

	emitState(t.events, domain.TransportConnecting)
	exists, err := t.client.Exists(ctx, t.key).Result()
	if err != nil {
		emitState(t.events, domain.TransportDisconnected)
		return nil, fmt.Errorf("check log: %w", err)
	}
	if exists == 0 {
		emitState(t.events, domain.TransportDisconnected)
		return nil, domain.ErrRoomNotFound
	}

	t.startPolling()
	emitState(t.events, domain.TransportConnected)
	emitRoomState(t.events, domain.RoomActive)
	return &appendLogHandle{transport: t}, nil
}

// Send appends one envelope to the log.
func (t *AppendLogTransport) Send(ctx context.Context, target *domain.Identity, data json.RawMessage) error {
	envelope := domain.Envelope{
		Target: target,
		Source: t.identity,
		Data:   data,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	t.mu.Lock()
	key := t.key
	t.mu.Unlock()
	if key == "" {
		return domain.ErrTransportClosed
	}
	err = t.breaker.Execute(func() error {
		return t.client.RPush(ctx, key, raw).Err()
	})
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

func (t *AppendLogTransport) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *AppendLogTransport) poll(ctx context.Context) {
	t.mu.Lock()
	key := t.key
	offset := t.offset
	t.mu.Unlock()

	var entries []string
	err := t.breaker.Execute(func() error {
		var scanErr error
		entries, scanErr = t.client.LRange(ctx, key, offset, -1).Result()
		return scanErr
	})
	if err != nil {
		if err != circuitbreaker.ErrOpen {
			t.logger.Warnw("log scan failed", "key", key, "error", err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	t.mu.Lock()
	t.offset = offset + int64(len(entries))
	t.mu.Unlock()

	for _, entry := range entries {
		var envelope domain.Envelope
		if err := json.Unmarshal([]byte(entry), &envelope); err != nil {
			t.logger.Warnw("skipping malformed log entry", "error", err)
			continue
		}
		t.deliver(envelope)
	}
}

func (t *AppendLogTransport) setSleeping(v bool) {
	t.mu.Lock()
	t.sleeping = v
	t.mu.Unlock()
}

func (t *AppendLogTransport) isSleeping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleeping
}

func (t *AppendLogTransport) deliver(envelope domain.Envelope) {
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
	if t.isSleeping() && t.identity == domain.HostIdentity {
		// Join traffic is gated while the room sleeps.
		return
	}
	if envelope.Source == t.identity {
		return
	}
	if envelope.Target != nil && *envelope.Target != t.identity {
		return
	}
	t.events.Emit(ports.TransportEvent{
		Type:   ports.EventMessage,
		Source: envelope.Source,
		Data:   envelope.Data,
	})
}

// pruneOldLogs removes logs keyed under earlier dates. Unbounded growth is
// the cost of never deleting in-day history; day rollover is the expiry.
func (t *AppendLogTransport) pruneOldLogs(ctx context.Context) {
	today := time.Now().Format("20060102")
	iter := t.client.Scan(ctx, 0, appendLogPrefix+":*", 100).Iterator()
	var stale []string
	for iter.Next(ctx) {
		key := iter.Val()
		parts := strings.Split(key, ":")
		if len(parts) >= 3 && parts[2] < today {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		t.logger.Infow("pruning expired room logs", "count", len(stale))
		t.client.Del(ctx, stale...)
	}
}

func (t *AppendLogTransport) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.key = ""
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		emitState(t.events, domain.TransportDisconnected)
	}
}

type appendLogHandle struct {
	transport *AppendLogTransport
}

func (h *appendLogHandle) RoomCode() string { return h.transport.roomCode }

func (h *appendLogHandle) Sleep(ctx context.Context) error {
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

func (h *appendLogHandle) Wake(ctx context.Context) error {
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

func (h *appendLogHandle) Kick(ctx context.Context, id domain.Identity) error {
	return h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageKick, domain.KickPayload{ExternalID: id})))
}

func (h *appendLogHandle) Quit(ctx context.Context) error {
	err := h.transport.Send(ctx, nil, mustMarshal(domain.NewMessage(domain.MessageQuit, nil)))
	emitRoomState(h.transport.events, domain.RoomNone)
	return err
}

func (h *appendLogHandle) Destroy() {
	h.transport.close()
}
