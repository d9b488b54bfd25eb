// Package signalling provides the relay transports a room can rendezvous
// over: a WebSocket relay client, a Redis-backed append-only log and a
// manual copy/paste channel. All variants satisfy ports.Transport and emit
// the same ordered event contract.
package signalling

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/pkg/events"
)

// Kind selects a transport variant. The set is closed; selection happens
// once at room creation and is never mutated at runtime.
type Kind string

const (
	KindWebSocket Kind = "WS"
	KindAppendLog Kind = "APPENDLOG"
	KindManual    Kind = "MANUAL"
)

// Options carries the variant-specific dependencies.
type Options struct {
	// RelayURL is the ws:// or wss:// endpoint of the relay server.
	RelayURL string
	// Redis backs the append-only log variant.
	Redis *redis.Client
	// PollInterval bounds append-log delivery latency. Zero means 1s.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// New resolves a Kind into a transport. Pure function of its inputs.
func New(kind Kind, opts Options) (ports.Transport, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case KindWebSocket:
		if opts.RelayURL == "" {
			return nil, fmt.Errorf("websocket transport: relay url is required")
		}
		return NewWebSocketTransport(opts.RelayURL, log), nil
	case KindAppendLog:
		if opts.Redis == nil {
			return nil, fmt.Errorf("append-log transport: redis client is required")
		}
		interval := opts.PollInterval
		if interval <= 0 {
			interval = time.Second
		}
		return NewAppendLogTransport(opts.Redis, interval, log), nil
	case KindManual:
		return NewManualTransport(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
}

// waitTimeout bounds every await on a signalling response. Nothing in the
// protocol is allowed to hang indefinitely.
const waitTimeout = 20 * time.Second

func emitState(s *events.Stream[ports.TransportEvent], state domain.TransportState) {
	s.Emit(ports.TransportEvent{Type: ports.EventState, State: state})
}

func emitRoomState(s *events.Stream[ports.TransportEvent], state domain.RoomState) {
	s.Emit(ports.TransportEvent{Type: ports.EventRoomState, RoomState: state})
}
