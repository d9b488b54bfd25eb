package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samspill/internal/core/domain"
	"samspill/internal/core/ports"
	"samspill/internal/infrastructure/signalling"
	"samspill/pkg/events"
	"samspill/pkg/logger"
)

// fakeLink stands in for a peer session. Connect and Signal answer
// immediately with canned SDP blobs so the whole rendezvous runs
// synchronously on the test goroutine.
type fakeLink struct {
	mu     sync.Mutex
	state  domain.ConnectionState
	sent   []domain.Message
	remote []json.RawMessage
	closed bool

	states   *events.Stream[domain.ConnectionState]
	messages *events.Stream[domain.Message]
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		state:    domain.ConnectionIdle,
		states:   events.NewStream[domain.ConnectionState](),
		messages: events.NewStream[domain.Message](),
	}
}

func (l *fakeLink) Connect(initiator bool, onLocalSignal func(json.RawMessage)) error {
	l.setState(domain.ConnectionConnecting)
	if initiator && onLocalSignal != nil {
		onLocalSignal(json.RawMessage(`{"type":"offer","sdp":"fake"}`))
	}
	return nil
}

func (l *fakeLink) Signal(remote json.RawMessage, onCounterSignal func(json.RawMessage)) error {
	l.mu.Lock()
	l.remote = append(l.remote, remote)
	l.mu.Unlock()
	if onCounterSignal != nil {
		onCounterSignal(json.RawMessage(`{"type":"answer","sdp":"fake"}`))
	}
	return nil
}

func (l *fakeLink) Send(t domain.MessageType, payload any) {
	msg := domain.NewMessage(t, payload)
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
}

func (l *fakeLink) Reconnect() error {
	l.setState(domain.ConnectionConnecting)
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) State() domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) States() *events.Stream[domain.ConnectionState] { return l.states }

func (l *fakeLink) Messages() *events.Stream[domain.Message] { return l.messages }

func (l *fakeLink) setState(s domain.ConnectionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.states.Emit(s)
}

func (l *fakeLink) sentOfType(t domain.MessageType) []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Message
	for _, m := range l.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (l *fakeLink) remoteSignals() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]json.RawMessage(nil), l.remote...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// linkFactory hands out fake links and remembers them for assertions.
type linkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *linkFactory) new(stunServers []string) ports.PeerLink {
	l := newFakeLink()
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l
}

func (f *linkFactory) last(t *testing.T) *fakeLink {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.links, "no peer link was created")
	return f.links[len(f.links)-1]
}

func openHostRoom(t *testing.T, cfg *domain.RoomConfig) (*HostRoom, *linkFactory, *signalling.MemoryRelay) {
	t.Helper()
	relay := signalling.NewMemoryRelay()
	links := &linkFactory{}
	host := NewHostRoom(cfg, relay.HostTransport(), links.new, logger.NewNop())
	require.NoError(t, host.Open(context.Background()))
	t.Cleanup(host.Close)
	return host, links, relay
}

func joinRoom(t *testing.T, relay *signalling.MemoryRelay, cfg *domain.RoomConfig, name string) (*ParticipantRoom, *linkFactory, error) {
	t.Helper()
	links := &linkFactory{}
	participant := NewParticipantRoom(cfg, relay.ParticipantTransport(), links.new, logger.NewNop())
	err := participant.Join(context.Background(), name)
	if err == nil {
		t.Cleanup(participant.Close)
	}
	return participant, links, err
}

func TestJoinAcceptedEndToEnd(t *testing.T) {
	host, hostLinks, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})

	participant, pLinks, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	roster := host.Participants()
	require.Len(t, roster, 1)
	assert.Equal(t, "Ada", roster[0].Name)

	// The participant's offer reached the responder link, and the
	// responder's answer came back to the initiator.
	responder := hostLinks.last(t)
	require.Len(t, responder.remoteSignals(), 1)
	assert.JSONEq(t, `{"type":"offer","sdp":"fake"}`, string(responder.remoteSignals()[0]))

	initiator := pLinks.last(t)
	require.Len(t, initiator.remoteSignals(), 1)
	assert.JSONEq(t, `{"type":"answer","sdp":"fake"}`, string(initiator.remoteSignals()[0]))

	assert.Equal(t, domain.ProtocolVersion, participant.Settings().Version)
}

func TestJoinDeniedOnWrongPassword(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
		Password:        "secret",
	})

	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
		Password: "nope",
	}, "Ada")

	var denial *domain.Denial
	require.ErrorAs(t, err, &denial)
	assert.True(t, denial.HasReason(domain.ReasonBadPassword))
	assert.Empty(t, host.Participants())
}

func TestJoinDeniedWhenRoomFull(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 1,
		RoomCodeType:    domain.RoomCodeVisible,
	})

	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	_, _, err = joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Grace")

	var denial *domain.Denial
	require.ErrorAs(t, err, &denial)
	assert.True(t, denial.HasReason(domain.ReasonRoomFull))
	assert.Len(t, host.Participants(), 1)
}

func TestHiddenRoomNeedsRoomKey(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeHidden,
	})
	require.NotEmpty(t, host.RoomKey())

	// Without the out-of-band key the host descriptor cannot be decoded.
	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.Error(t, err)

	_, _, err = joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
		RoomKey:  host.RoomKey(),
	}, "Ada")
	require.NoError(t, err)
	assert.Len(t, host.Participants(), 1)
}

func TestBroadcastAndSendToReachLinks(t *testing.T) {
	host, hostLinks, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})
	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	responder := hostLinks.last(t)

	host.Broadcast(domain.MessageState, domain.QuizState{Name: domain.PhaseLobby})
	require.Len(t, responder.sentOfType(domain.MessageState), 1)

	id := host.Participants()[0].ID
	host.SendTo(id, domain.MessageResults, domain.ResultsPayload{Position: 1, Total: 1000})
	require.Len(t, responder.sentOfType(domain.MessageResults), 1)

	// Unknown targets are silently ignored.
	host.SendTo(domain.Identity("p-nobody"), domain.MessageResults, nil)
}

func TestParticipantMessagesSurfaceOnHostStream(t *testing.T) {
	host, hostLinks, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})
	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	var mu sync.Mutex
	var received []PeerMessage
	host.Messages().Subscribe(func(m PeerMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	})

	responder := hostLinks.last(t)
	responder.messages.Emit(domain.NewMessage(domain.MessageSetAnswer, domain.SetAnswerPayload{AlternativeID: "a1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, host.Participants()[0].ID, received[0].Participant)
	assert.Equal(t, domain.MessageSetAnswer, received[0].Message.Type)
}

func TestKickRemovesParticipantAndClosesLink(t *testing.T) {
	host, hostLinks, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})
	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	id := host.Participants()[0].ID
	require.NoError(t, host.Kick(context.Background(), id))

	assert.Empty(t, host.Participants())
	assert.True(t, hostLinks.last(t).isClosed())

	// Kicking an unknown identity is a no-op.
	require.NoError(t, host.Kick(context.Background(), domain.Identity("p-nobody")))
}

func TestConnectedLinkRequestsState(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})
	_, pLinks, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	initiator := pLinks.last(t)
	initiator.setState(domain.ConnectionConnected)

	require.Len(t, initiator.sentOfType(domain.MessageRequestState), 1)
}

func TestRosterEmitsOnMembershipChange(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})

	var mu sync.Mutex
	var snapshots [][]domain.Participant
	host.Roster().Subscribe(func(roster []domain.Participant) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, roster)
	})

	_, _, err := joinRoom(t, relay, &domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, "Ada")
	require.NoError(t, err)

	mu.Lock()
	joined := len(snapshots)
	require.NotZero(t, joined)
	assert.Len(t, snapshots[joined-1], 1)
	mu.Unlock()

	id := host.Participants()[0].ID
	require.NoError(t, host.Kick(context.Background(), id))

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, len(snapshots), joined)
	assert.Empty(t, snapshots[len(snapshots)-1])
}

func TestJoinRejectsBadInputLocally(t *testing.T) {
	relay := signalling.NewMemoryRelay()
	links := &linkFactory{}

	participant := NewParticipantRoom(&domain.RoomConfig{RoomCode: "ABCD"}, relay.ParticipantTransport(), links.new, logger.NewNop())
	assert.Error(t, participant.Join(context.Background(), ""))

	participant = NewParticipantRoom(&domain.RoomConfig{RoomCode: "bad code"}, relay.ParticipantTransport(), links.new, logger.NewNop())
	assert.Error(t, participant.Join(context.Background(), "Ada"))
}

func TestParticipantRoomAccessorsBeforeJoin(t *testing.T) {
	relay := signalling.NewMemoryRelay()
	links := &linkFactory{}
	participant := NewParticipantRoom(&domain.RoomConfig{}, relay.ParticipantTransport(), links.new, logger.NewNop())

	// Safe before Join: no link exists yet.
	assert.Equal(t, domain.ConnectionIdle, participant.State())
	require.NotNil(t, participant.Messages())
	require.NotNil(t, participant.States())
	participant.ToHost(domain.MessageRequestState, nil)
}

func TestParticipantRoomStreamsSurviveJoin(t *testing.T) {
	host, _, relay := openHostRoom(t, &domain.RoomConfig{
		Role:            domain.RoleHost,
		MaxParticipants: 4,
		RoomCodeType:    domain.RoomCodeVisible,
	})

	links := &linkFactory{}
	participant := NewParticipantRoom(&domain.RoomConfig{
		Role:     domain.RoleParticipant,
		RoomCode: host.RoomCode(),
	}, relay.ParticipantTransport(), links.new, logger.NewNop())

	// Subscriptions taken before Join keep working afterwards.
	var mu sync.Mutex
	var received []domain.Message
	participant.Messages().Subscribe(func(m domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	})
	var states []domain.ConnectionState
	participant.States().Subscribe(func(s domain.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.NoError(t, participant.Join(context.Background(), "Ada"))
	t.Cleanup(participant.Close)

	links.last(t).messages.Emit(domain.NewMessage(domain.MessageState, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, domain.MessageState, received[0].Type)
	assert.Contains(t, states, domain.ConnectionConnecting)
}
