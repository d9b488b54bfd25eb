package services

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/pkg/events"
)

// Score is the participant's view of its own result, as reported by the
// host in STATISTICS and RESULTS messages.
type Score struct {
	Total    int `json:"total"`
	Added    int `json:"added"`
	Position int `json:"position"`
}

// ParticipantQuizSession mirrors the host's session state. The mirror is
// partial on purpose: the quiz reveals itself one phase at a time, and the
// session only ever learns what the host has broadcast so far.
type ParticipantQuizSession struct {
	durations Durations
	toHost    func(domain.MessageType, any)
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu            sync.Mutex
	state         domain.QuizState
	quiz          domain.Quiz
	answers       map[string]string
	score         Score
	countdownStop chan struct{}
	countdownLeft int64
	closed        bool

	states    *events.Stream[domain.QuizState]
	scores    *events.Stream[Score]
	countdown *events.Stream[int64]
}

func NewParticipantQuizSession(durations Durations, toHost func(domain.MessageType, any), logger *zap.Logger) *ParticipantQuizSession {
	return &ParticipantQuizSession{
		durations: durations,
		toHost:    toHost,
		logger:    logger.Sugar(),
		now:       time.Now,
		state:     domain.QuizState{Name: domain.PhaseLobby},
		answers:   make(map[string]string),
		states:    events.NewStream[domain.QuizState](),
		scores:    events.NewStream[Score](),
		countdown: events.NewStream[int64](),
	}
}

func (s *ParticipantQuizSession) State() domain.QuizState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Quiz returns the mirror built so far.
func (s *ParticipantQuizSession) Quiz() domain.Quiz {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiz
}

func (s *ParticipantQuizSession) Score() Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

func (s *ParticipantQuizSession) States() *events.Stream[domain.QuizState] {
	return s.states
}

func (s *ParticipantQuizSession) Scores() *events.Stream[Score] {
	return s.scores
}

func (s *ParticipantQuizSession) Countdown() *events.Stream[int64] {
	return s.countdown
}

func (s *ParticipantQuizSession) CountdownLeft() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdownLeft
}

// HasAnswered reports whether the current question was already answered.
// Outside a question there is nothing to answer, which counts as answered.
func (s *ParticipantQuizSession) HasAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	questionID := s.state.Data.QuestionID
	if questionID == "" {
		return true
	}
	_, ok := s.answers[questionID]
	return ok
}

// SetAnswer submits an answer to the host. First answer wins locally too;
// the host enforces the same rule, this just avoids pointless sends.
func (s *ParticipantQuizSession) SetAnswer(alternativeID string) {
	s.mu.Lock()
	if s.state.Name != domain.PhaseAlternatives {
		s.mu.Unlock()
		return
	}
	questionID := s.state.Data.QuestionID
	if _, answered := s.answers[questionID]; answered || questionID == "" {
		s.mu.Unlock()
		return
	}
	answers := make(map[string]string, len(s.answers)+1)
	for k, v := range s.answers {
		answers[k] = v
	}
	answers[questionID] = alternativeID
	s.answers = answers
	s.mu.Unlock()

	s.toHost(domain.MessageSetAnswer, domain.SetAnswerPayload{AlternativeID: alternativeID})
}

// Answer returns the answer given for a question, if any.
func (s *ParticipantQuizSession) Answer(questionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answer, ok := s.answers[questionID]
	return answer, ok
}

// RequestState asks the host for a full state snapshot, typically after a
// reconnect.
func (s *ParticipantQuizSession) RequestState() {
	s.toHost(domain.MessageRequestState, nil)
}

// HandleMessage folds one host message into the mirror.
func (s *ParticipantQuizSession) HandleMessage(msg domain.Message) {
	switch msg.Type {
	case domain.MessageState:
		var state domain.QuizState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			s.logger.Warnw("malformed state broadcast", "error", err)
			return
		}
		s.applyState(state, true)
	case domain.MessageRestoreState:
		var payload domain.RestoreStatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.logger.Warnw("malformed state restore", "error", err)
			return
		}
		s.applyState(payload.State, false)
	case domain.MessageStatistics:
		var payload domain.StatisticsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		s.setScore(Score{Total: payload.Total, Added: payload.Added, Position: payload.Position})
	case domain.MessageResults:
		var payload domain.ResultsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		s.setScore(Score{Total: payload.Total, Position: payload.Position})
	}
}

// applyState replaces the session state. Broadcasts for the mid-question
// phases are additive and merged onto the previous data; a restore carries
// the full data and replaces it outright.
func (s *ParticipantQuizSession) applyState(state domain.QuizState, additive bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if additive {
		switch state.Name {
		case domain.PhaseAlternatives, domain.PhaseValidation, domain.PhaseStatistics:
			state.Data = s.state.Data.Merge(state.Data)
		}
	}
	s.state = state
	s.foldIntoQuiz(state)
	s.mu.Unlock()

	s.states.Emit(state)
	s.restartCountdown(state)
}

// foldIntoQuiz grows the quiz mirror from what the state reveals. Requires
// s.mu held.
func (s *ParticipantQuizSession) foldIntoQuiz(state domain.QuizState) {
	data := state.Data
	if data.QuestionID == "" {
		return
	}

	index := s.quiz.QuestionIndex(data.QuestionID)
	if index < 0 {
		questions := make([]domain.Question, len(s.quiz.Questions), len(s.quiz.Questions)+1)
		copy(questions, s.quiz.Questions)
		questions = append(questions, domain.Question{
			ID:    data.QuestionID,
			Text:  data.QuestionText,
			Image: data.QuestionImage,
		})
		s.quiz.Questions = questions
		index = len(questions) - 1
	}

	question := s.quiz.Questions[index]
	if data.Alternatives != nil {
		question.Alternatives = data.Alternatives
	}
	if data.Validation != nil {
		question.CorrectAlternativeID = data.Validation.CorrectAlternativeID
	}
	questions := make([]domain.Question, len(s.quiz.Questions))
	copy(questions, s.quiz.Questions)
	questions[index] = question
	s.quiz.Questions = questions
}

func (s *ParticipantQuizSession) setScore(score Score) {
	s.mu.Lock()
	s.score = score
	s.mu.Unlock()
	s.scores.Emit(score)
}

// restartCountdown runs the local countdown mirror for timed phases. The
// participant never advances anything from it; the host is authoritative.
func (s *ParticipantQuizSession) restartCountdown(state domain.QuizState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countdownStop != nil {
		close(s.countdownStop)
		s.countdownStop = nil
	}
	s.countdownLeft = 0

	duration := s.durations.forPhase(state.Name)
	if duration <= 0 || s.closed {
		return
	}

	// The phase may have been entered a while ago; a restore mid-phase
	// starts from the remaining window, not a fresh one.
	left := duration.Milliseconds()
	if state.Timestamp > 0 {
		if elapsed := s.now().UnixMilli() - state.Timestamp; elapsed > 0 {
			left -= elapsed
		}
	}
	if left <= 0 {
		s.countdown.Emit(0)
		return
	}

	stop := make(chan struct{})
	s.countdownStop = stop
	s.countdownLeft = left
	s.countdown.Emit(s.countdownLeft)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				if s.countdownStop != stop {
					s.mu.Unlock()
					return
				}
				s.countdownLeft -= 1000
				if s.countdownLeft < 0 {
					s.countdownLeft = 0
				}
				left := s.countdownLeft
				s.mu.Unlock()
				s.countdown.Emit(left)
				if left == 0 {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the countdown. The mirror keeps its last state.
func (s *ParticipantQuizSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.countdownStop != nil {
		close(s.countdownStop)
		s.countdownStop = nil
	}
}
