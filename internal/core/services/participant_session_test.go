package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samspill/internal/core/domain"
	"samspill/pkg/logger"
)

type hostRecorder struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *hostRecorder) toHost(t domain.MessageType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{Type: t, Payload: payload})
}

func (r *hostRecorder) ofType(t domain.MessageType) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMessage
	for _, m := range r.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newMirror(t *testing.T) (*ParticipantQuizSession, *hostRecorder) {
	t.Helper()
	rec := &hostRecorder{}
	s := NewParticipantQuizSession(Durations{}, rec.toHost, logger.NewNop())
	t.Cleanup(s.Close)
	return s, rec
}

func stateMessage(t *testing.T, state domain.QuizState) domain.Message {
	t.Helper()
	return domain.NewMessage(domain.MessageState, state)
}

func TestMirrorMergesAdditiveBroadcasts(t *testing.T) {
	s, _ := newMirror(t)

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{
			QuestionID:        "q1",
			QuestionText:      "Capital of Norway?",
			QuestionTimestamp: 100,
		},
		Timestamp: 100,
	}))

	// The ALTERNATIVES broadcast carries only the new fields.
	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{
			Alternatives:          []domain.Alternative{{ID: "a1", Text: "Oslo"}, {ID: "a2", Text: "Bergen"}},
			AlternativesTimestamp: 200,
		},
		Timestamp: 200,
	}))

	state := s.State()
	assert.Equal(t, domain.PhaseAlternatives, state.Name)
	assert.Equal(t, "q1", state.Data.QuestionID, "question fields survive the merge")
	assert.Len(t, state.Data.Alternatives, 2)

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseValidation,
		Data: domain.PhaseData{
			Validation:          &domain.Validation{CorrectAlternativeID: "a1"},
			ValidationTimestamp: 300,
		},
		Timestamp: 300,
	}))

	state = s.State()
	assert.Equal(t, "q1", state.Data.QuestionID)
	assert.Equal(t, "a1", state.Data.Validation.CorrectAlternativeID)
}

func TestMirrorBuildsQuizAsRevealed(t *testing.T) {
	s, _ := newMirror(t)

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{QuestionID: "q1", QuestionText: "What?"},
	}))
	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{Alternatives: []domain.Alternative{{ID: "a1"}, {ID: "a2"}}},
	}))
	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseValidation,
		Data: domain.PhaseData{Validation: &domain.Validation{CorrectAlternativeID: "a2"}},
	}))

	quiz := s.Quiz()
	require.Len(t, quiz.Questions, 1)
	assert.Equal(t, "What?", quiz.Questions[0].Text)
	assert.Len(t, quiz.Questions[0].Alternatives, 2)
	assert.Equal(t, "a2", quiz.Questions[0].CorrectAlternativeID)

	// A second question extends the mirror.
	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{QuestionID: "q2", QuestionText: "And then?"},
	}))
	assert.Len(t, s.Quiz().Questions, 2)
}

func TestSetAnswerSendsOnceDuringAlternatives(t *testing.T) {
	s, rec := newMirror(t)

	assert.True(t, s.HasAnswered(), "nothing to answer in the lobby")
	s.SetAnswer("a1") // no question yet
	assert.Empty(t, rec.ofType(domain.MessageSetAnswer))

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{QuestionID: "q1"},
	}))

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{Alternatives: []domain.Alternative{{ID: "a1"}, {ID: "a2"}}},
	}))
	assert.False(t, s.HasAnswered())

	s.SetAnswer("a1")
	s.SetAnswer("a2") // first answer wins

	sent := rec.ofType(domain.MessageSetAnswer)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.SetAnswerPayload{AlternativeID: "a1"}, sent[0].Payload)
	assert.True(t, s.HasAnswered())

	answer, ok := s.Answer("q1")
	require.True(t, ok)
	assert.Equal(t, "a1", answer)
}

func TestRestoreStateReplacesOutright(t *testing.T) {
	s, _ := newMirror(t)

	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{QuestionID: "q1", QuestionText: "Old"},
	}))

	full := domain.QuizState{
		Name: domain.PhaseValidation,
		Data: domain.PhaseData{
			QuestionID:   "q2",
			QuestionText: "New",
			Alternatives: []domain.Alternative{{ID: "b1"}, {ID: "b2"}},
			Validation:   &domain.Validation{CorrectAlternativeID: "b1"},
		},
		Timestamp: 999,
	}
	s.HandleMessage(domain.NewMessage(domain.MessageRestoreState, domain.RestoreStatePayload{State: full}))

	state := s.State()
	assert.Equal(t, "q2", state.Data.QuestionID, "restore is not merged")
	assert.Equal(t, "New", state.Data.QuestionText)
}

func TestScoreMessagesUpdateScore(t *testing.T) {
	s, _ := newMirror(t)

	var seen []Score
	s.Scores().Subscribe(func(sc Score) { seen = append(seen, sc) })

	s.HandleMessage(domain.NewMessage(domain.MessageStatistics, domain.StatisticsPayload{
		Position: 2, Added: 517, Total: 1517,
	}))
	assert.Equal(t, Score{Total: 1517, Added: 517, Position: 2}, s.Score())

	s.HandleMessage(domain.NewMessage(domain.MessageResults, domain.ResultsPayload{
		Position: 1, Total: 2517,
	}))
	assert.Equal(t, Score{Total: 2517, Position: 1}, s.Score())
	assert.Len(t, seen, 2)
}

func TestRequestStateSendsMessage(t *testing.T) {
	s, rec := newMirror(t)
	s.RequestState()
	assert.Len(t, rec.ofType(domain.MessageRequestState), 1)
}

func TestMirrorCountdownResumesMidPhase(t *testing.T) {
	rec := &hostRecorder{}
	clock := &fakeClock{ms: 1_000_000}
	s := NewParticipantQuizSession(Durations{Alternatives: 30 * time.Second}, rec.toHost, logger.NewNop())
	s.now = clock.now
	t.Cleanup(s.Close)

	alternatives := []domain.Alternative{{ID: "a1"}, {ID: "a2"}}

	// Restored 25s into a 30s window: only the remainder is left.
	entered := clock.now().UnixMilli() - 25_000
	s.HandleMessage(domain.NewMessage(domain.MessageRestoreState, domain.RestoreStatePayload{State: domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{
			QuestionID:            "q1",
			Alternatives:          alternatives,
			AlternativesTimestamp: entered,
		},
		Timestamp: entered,
	}}))
	left := s.CountdownLeft()
	assert.Positive(t, left)
	assert.LessOrEqual(t, left, int64(5_000))

	// A window that already elapsed does not start a fresh one.
	stale := clock.now().UnixMilli() - 40_000
	s.HandleMessage(domain.NewMessage(domain.MessageRestoreState, domain.RestoreStatePayload{State: domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{
			QuestionID:            "q1",
			Alternatives:          alternatives,
			AlternativesTimestamp: stale,
		},
		Timestamp: stale,
	}}))
	assert.Zero(t, s.CountdownLeft())

	// A live broadcast entered right now still gets the full window.
	s.HandleMessage(stateMessage(t, domain.QuizState{
		Name: domain.PhaseAlternatives,
		Data: domain.PhaseData{
			Alternatives:          alternatives,
			AlternativesTimestamp: clock.now().UnixMilli(),
		},
		Timestamp: clock.now().UnixMilli(),
	}))
	assert.Equal(t, int64(30_000), s.CountdownLeft())
}
