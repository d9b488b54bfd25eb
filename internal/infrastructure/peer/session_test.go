package peer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samspill/internal/core/domain"
	"samspill/pkg/logger"
)

func TestSessionStartsIdle(t *testing.T) {
	s := NewSession(nil, logger.NewNop())
	assert.Equal(t, domain.ConnectionIdle, s.State())
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	s := NewSession(nil, logger.NewNop())
	// Must not panic or block.
	s.Send(domain.MessageState, domain.QuizState{Name: domain.PhaseLobby})
}

func TestSignalBeforeConnectFails(t *testing.T) {
	s := NewSession(nil, logger.NewNop())
	err := s.Signal([]byte(`{"type":"offer","sdp":""}`), nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

// TestLoopbackHandshake wires two sessions directly, playing relay by
// hand. Host-candidate ICE keeps this entirely on loopback.
func TestLoopbackHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("webrtc loopback handshake")
	}

	initiator := NewSession(nil, logger.NewNop())
	responder := NewSession(nil, logger.NewNop())
	t.Cleanup(initiator.Close)
	t.Cleanup(responder.Close)

	require.NoError(t, responder.Connect(false, nil))

	offers := make(chan json.RawMessage, 1)
	require.NoError(t, initiator.Connect(true, func(signal json.RawMessage) {
		offers <- signal
	}))

	var offer json.RawMessage
	select {
	case offer = <-offers:
	case <-time.After(25 * time.Second):
		t.Fatal("no offer emitted")
	}

	answers := make(chan json.RawMessage, 1)
	require.NoError(t, responder.Signal(offer, func(counter json.RawMessage) {
		answers <- counter
	}))

	var answer json.RawMessage
	select {
	case answer = <-answers:
	case <-time.After(25 * time.Second):
		t.Fatal("no answer emitted")
	}
	require.NoError(t, initiator.Signal(answer, nil))

	require.Eventually(t, func() bool {
		return initiator.State() == domain.ConnectionConnected &&
			responder.State() == domain.ConnectionConnected
	}, 15*time.Second, 50*time.Millisecond)

	// Messages flow over the established channel.
	received := make(chan domain.Message, 1)
	responder.Messages().Subscribe(func(m domain.Message) {
		select {
		case received <- m:
		default:
		}
	})
	initiator.Send(domain.MessageState, domain.QuizState{Name: domain.PhaseQuestion})

	select {
	case msg := <-received:
		assert.Equal(t, domain.MessageState, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("message did not arrive")
	}
}
