package signalling

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samspill/internal/core/domain"
	"samspill/pkg/logger"
)

func TestManualTransportOutboxCarriesEnvelopes(t *testing.T) {
	host := NewManualTransport(logger.NewNop())

	var mu sync.Mutex
	var outbox []string
	host.Outbox().Subscribe(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		outbox = append(outbox, s)
	})

	_, err := host.CreateChannel(context.Background(), &domain.RoomConfig{}, testDescriptor())
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, outbox, 1, "the HOST descriptor goes out on creation")
	encoded := outbox[0]
	mu.Unlock()

	// The other side pastes the blob and sees the descriptor.
	participant := NewManualTransport(logger.NewNop())
	_, err = participant.OpenChannel(context.Background(), &domain.RoomConfig{})
	require.NoError(t, err)

	pc := collect(t, participant)
	require.NoError(t, participant.Inject(encoded))
	require.Len(t, pc.messagesOfType(domain.MessageHost), 1)
	assert.Equal(t, domain.HostIdentity, pc.messagesOfType(domain.MessageHost)[0].Source)
}

func TestManualInjectRejectsMisaddressed(t *testing.T) {
	host := NewManualTransport(logger.NewNop())
	_, err := host.CreateChannel(context.Background(), &domain.RoomConfig{}, testDescriptor())
	require.NoError(t, err)

	var mu sync.Mutex
	var outbox []string
	host.Outbox().Subscribe(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		outbox = append(outbox, s)
	})

	// A targeted envelope for someone else must not be injectable here.
	other := domain.Identity("p-someone")
	require.NoError(t, host.Send(context.Background(), &other, mustMarshal(domain.NewMessage(domain.MessageSignal, nil))))

	mu.Lock()
	encoded := outbox[len(outbox)-1]
	mu.Unlock()

	stranger := NewManualTransport(logger.NewNop())
	_, err = stranger.OpenChannel(context.Background(), &domain.RoomConfig{})
	require.NoError(t, err)
	assert.Error(t, stranger.Inject(encoded))
}

func TestManualInjectRejectsGarbage(t *testing.T) {
	transport := NewManualTransport(logger.NewNop())
	assert.Error(t, transport.Inject("not base64 at all!"))
	assert.Error(t, transport.Inject("bm90IGpzb24=")) // valid base64, not an envelope
}
