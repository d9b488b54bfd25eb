package services

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/pkg/events"
)

// Durations sets how long each phase runs before the session advances on
// its own. Zero disables the timeout; the phase then waits for Next().
type Durations struct {
	Question     time.Duration `yaml:"question"`
	Alternatives time.Duration `yaml:"alternatives"`
	Validation   time.Duration `yaml:"validation"`
	Statistics   time.Duration `yaml:"statistics"`
	Results      time.Duration `yaml:"results"`
}

func DefaultDurations() Durations {
	return Durations{
		Question:     3 * time.Second,
		Alternatives: 30 * time.Second,
		Validation:   60 * time.Second,
	}
}

func (d Durations) forPhase(p domain.Phase) time.Duration {
	switch p {
	case domain.PhaseQuestion:
		return d.Question
	case domain.PhaseAlternatives:
		return d.Alternatives
	case domain.PhaseValidation:
		return d.Validation
	case domain.PhaseStatistics:
		return d.Statistics
	case domain.PhaseResults:
		return d.Results
	}
	return 0
}

// HostQuizSession is the authoritative session state machine. All writes
// go through its mutex; observers get immutable snapshots and streams.
// Question-state maps are replaced, never mutated in place, so a snapshot
// handed out earlier stays valid.
type HostQuizSession struct {
	quiz      domain.Quiz
	durations Durations
	broadcast func(domain.MessageType, any)
	sendTo    func(domain.Identity, domain.MessageType, any)
	roster    func() []domain.Participant
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu             sync.Mutex
	state          domain.QuizState
	prevData       domain.PhaseData
	questionStates map[string]map[domain.Identity]domain.QuestionResult
	phaseTimer     *time.Timer
	countdownStop  chan struct{}
	countdownLeft  int64
	closed         bool

	states    *events.Stream[domain.QuizState]
	countdown *events.Stream[int64]
}

// NewHostQuizSession wires the state machine to its room. broadcast fans a
// message out to every connected participant, sendTo targets one, roster
// reports the currently admitted participants.
func NewHostQuizSession(
	quiz domain.Quiz,
	durations Durations,
	broadcast func(domain.MessageType, any),
	sendTo func(domain.Identity, domain.MessageType, any),
	roster func() []domain.Participant,
	logger *zap.Logger,
) *HostQuizSession {
	return &HostQuizSession{
		quiz:           quiz,
		durations:      durations,
		broadcast:      broadcast,
		sendTo:         sendTo,
		roster:         roster,
		logger:         logger.Sugar(),
		now:            time.Now,
		state:          domain.QuizState{Name: domain.PhaseLobby},
		questionStates: make(map[string]map[domain.Identity]domain.QuestionResult),
		states:         events.NewStream[domain.QuizState](),
		countdown:      events.NewStream[int64](),
	}
}

// State returns the current authoritative state.
func (s *HostQuizSession) State() domain.QuizState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States streams every state transition.
func (s *HostQuizSession) States() *events.Stream[domain.QuizState] {
	return s.states
}

// Countdown streams the remaining phase time in milliseconds, at one
// second resolution. Phases without a duration emit nothing.
func (s *HostQuizSession) Countdown() *events.Stream[int64] {
	return s.countdown
}

// CountdownLeft returns the remaining phase time in milliseconds.
func (s *HostQuizSession) CountdownLeft() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdownLeft
}

// Start begins the quiz from the lobby.
func (s *HostQuizSession) Start() error {
	if err := s.quiz.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startQuiz()
	return nil
}

// Next advances the session manually, ahead of any phase timeout.
func (s *HostQuizSession) Next() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.Name {
	case domain.PhaseLobby:
		s.startQuiz()
	case domain.PhaseQuestion:
		s.showAlternatives()
	case domain.PhaseAlternatives:
		s.showValidation()
	case domain.PhaseValidation:
		s.showStatistics()
	case domain.PhaseStatistics:
		s.nextQuestion()
	case domain.PhaseResults:
		s.theEnd()
	}
}

// HandleMessage dispatches one message received from a participant over
// its peer link.
func (s *HostQuizSession) HandleMessage(from domain.Identity, msg domain.Message) {
	switch msg.Type {
	case domain.MessageSetAnswer:
		var payload domain.SetAnswerPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.logger.Warnw("malformed answer", "participant", from, "error", err)
			return
		}
		s.SetAnswer(from, payload.AlternativeID)
	case domain.MessageRequestState:
		s.RestoreState(from)
	}
}

// SetAnswer records one participant's answer. Only the first answer per
// (participant, question) counts; anything outside the ALTERNATIVES phase
// or repeated is ignored without effect. When every known participant has
// answered, the session advances to validation immediately.
func (s *HostQuizSession) SetAnswer(participant domain.Identity, alternativeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Name != domain.PhaseAlternatives {
		return
	}
	questionID := s.state.Data.QuestionID
	question := s.quiz.QuestionByID(questionID)
	if question == nil {
		return
	}
	if _, answered := s.questionStates[questionID][participant]; answered {
		return
	}

	answerTimestamp := s.now().UnixMilli()
	timeToAnswer := answerTimestamp - s.state.Data.AlternativesTimestamp
	if timeToAnswer < 0 {
		timeToAnswer = 0
	}
	correct := question.CorrectAlternativeID == alternativeID

	answers := make(map[domain.Identity]domain.QuestionResult, len(s.questionStates[questionID])+1)
	for id, result := range s.questionStates[questionID] {
		answers[id] = result
	}
	answers[participant] = domain.QuestionResult{
		Answer:          alternativeID,
		AnswerTimestamp: answerTimestamp,
		TimeToAnswer:    timeToAnswer,
		Correct:         correct,
		Score:           s.score(timeToAnswer, correct),
	}

	states := make(map[string]map[domain.Identity]domain.QuestionResult, len(s.questionStates))
	for id, qs := range s.questionStates {
		states[id] = qs
	}
	states[questionID] = answers
	s.questionStates = states

	if len(answers) >= len(s.roster()) {
		s.showValidation()
	}
}

// RestoreState sends the full authoritative state to one participant,
// typically after a reconnect. Unlike phase broadcasts it is never
// additive.
func (s *HostQuizSession) RestoreState(participant domain.Identity) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	s.sendTo(participant, domain.MessageRestoreState, domain.RestoreStatePayload{State: state})
}

// AnswerCount returns how many participants answered the current question.
func (s *HostQuizSession) AnswerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.questionStates[s.state.Data.QuestionID])
}

// Results returns the recorded answers for one question.
func (s *HostQuizSession) Results(questionID string) map[domain.Identity]domain.QuestionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questionStates[questionID]
}

// Standings derives the current ranking. Position is 1 plus the number of
// strictly higher totals, so equal totals share a position.
func (s *HostQuizSession) Standings() []domain.Standing {
	s.mu.Lock()
	totals := s.totals()
	s.mu.Unlock()

	roster := s.roster()
	standings := make([]domain.Standing, 0, len(roster))
	for _, p := range roster {
		standings = append(standings, domain.Standing{
			ParticipantID:   p.ID,
			Name:            p.Name,
			Score:           totals[p.ID],
			Position:        position(totals, totals[p.ID]),
			ConnectionState: p.ConnectionState,
		})
	}
	return standings
}

// Close cancels all timers. The session is inert afterwards.
func (s *HostQuizSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimers()
}

// startQuiz and the transitions below require s.mu held.

func (s *HostQuizSession) startQuiz() {
	if s.state.Name != domain.PhaseLobby || len(s.quiz.Questions) == 0 {
		return
	}
	s.toQuestion(s.quiz.Questions[0].ID)
}

func (s *HostQuizSession) toQuestion(id string) {
	question := s.quiz.QuestionByID(id)
	if question == nil {
		return
	}

	states := make(map[string]map[domain.Identity]domain.QuestionResult, len(s.questionStates)+1)
	for qid, qs := range s.questionStates {
		states[qid] = qs
	}
	states[id] = make(map[domain.Identity]domain.QuestionResult)
	s.questionStates = states

	now := s.now().UnixMilli()
	s.setState(domain.QuizState{
		Name: domain.PhaseQuestion,
		Data: domain.PhaseData{
			QuestionID:        question.ID,
			QuestionText:      question.Text,
			QuestionImage:     question.Image,
			QuestionTimestamp: now,
		},
		Timestamp: now,
	})
	s.schedule(domain.PhaseQuestion, s.showAlternatives)
}

func (s *HostQuizSession) showAlternatives() {
	if s.state.Name != domain.PhaseQuestion {
		return
	}
	question := s.quiz.QuestionByID(s.state.Data.QuestionID)
	if question == nil {
		return
	}

	// The correct alternative stays host-side until validation.
	alternatives := make([]domain.Alternative, len(question.Alternatives))
	copy(alternatives, question.Alternatives)

	now := s.now().UnixMilli()
	data := s.state.Data
	data.Alternatives = alternatives
	data.AlternativesTimestamp = now
	s.setState(domain.QuizState{Name: domain.PhaseAlternatives, Data: data, Timestamp: now})
	s.schedule(domain.PhaseAlternatives, s.showValidation)
}

func (s *HostQuizSession) showValidation() {
	if s.state.Name != domain.PhaseAlternatives {
		return
	}
	question := s.quiz.QuestionByID(s.state.Data.QuestionID)
	if question == nil {
		return
	}

	now := s.now().UnixMilli()
	data := s.state.Data
	data.Validation = &domain.Validation{CorrectAlternativeID: question.CorrectAlternativeID}
	data.ValidationTimestamp = now
	s.setState(domain.QuizState{Name: domain.PhaseValidation, Data: data, Timestamp: now})
	s.schedule(domain.PhaseValidation, s.showStatistics)
}

func (s *HostQuizSession) showStatistics() {
	if s.state.Name != domain.PhaseValidation {
		return
	}
	questionID := s.state.Data.QuestionID

	counts := make(map[string]int)
	for _, result := range s.questionStates[questionID] {
		counts[result.Answer]++
	}

	now := s.now().UnixMilli()
	data := s.state.Data
	data.AnswerCounts = counts
	data.StatisticsTimestamp = now
	s.setState(domain.QuizState{Name: domain.PhaseStatistics, Data: data, Timestamp: now})

	totals := s.totals()
	for _, p := range s.roster() {
		added := 0
		if result, ok := s.questionStates[questionID][p.ID]; ok {
			added = result.Score
		}
		s.sendTo(p.ID, domain.MessageStatistics, domain.StatisticsPayload{
			Position: position(totals, totals[p.ID]),
			Added:    added,
			Total:    totals[p.ID],
		})
	}
	s.schedule(domain.PhaseStatistics, s.nextQuestion)
}

func (s *HostQuizSession) nextQuestion() {
	if s.state.Name != domain.PhaseStatistics {
		return
	}
	index := s.quiz.QuestionIndex(s.state.Data.QuestionID)
	if index >= 0 && index+1 < len(s.quiz.Questions) {
		s.toQuestion(s.quiz.Questions[index+1].ID)
		return
	}
	s.toResults()
}

func (s *HostQuizSession) toResults() {
	if s.state.Name != domain.PhaseStatistics {
		return
	}
	now := s.now().UnixMilli()
	s.setState(domain.QuizState{
		Name:      domain.PhaseResults,
		Data:      domain.PhaseData{ResultsTimestamp: now},
		Timestamp: now,
	})

	totals := s.totals()
	for _, p := range s.roster() {
		s.sendTo(p.ID, domain.MessageResults, domain.ResultsPayload{
			Position: position(totals, totals[p.ID]),
			Total:    totals[p.ID],
		})
	}
	s.schedule(domain.PhaseResults, s.theEnd)
}

func (s *HostQuizSession) theEnd() {
	if s.state.Name != domain.PhaseResults {
		return
	}
	now := s.now().UnixMilli()
	s.setState(domain.QuizState{
		Name:      domain.PhaseTheEnd,
		Data:      domain.PhaseData{ResultsTimestamp: now},
		Timestamp: now,
	})
}

// setState replaces the authoritative state, broadcasts the transition and
// restarts the countdown. Broadcast data for the mid-question phases is
// additive: only fields absent from the previous broadcast are included,
// participants merge them into their mirror.
func (s *HostQuizSession) setState(state domain.QuizState) {
	if s.closed {
		return
	}
	s.stopTimers()
	s.state = state

	data := state.Data
	switch state.Name {
	case domain.PhaseAlternatives, domain.PhaseValidation, domain.PhaseStatistics:
		data = state.Data.Diff(s.prevData)
	}
	s.prevData = state.Data

	s.broadcast(domain.MessageState, domain.QuizState{
		Name:      state.Name,
		Data:      data,
		Timestamp: state.Timestamp,
	})
	s.states.Emit(state)
	s.startCountdown(state.Name)
}

// schedule arms the phase timeout. advance re-checks the phase under the
// lock, so a manual Next() that already moved on wins the race.
func (s *HostQuizSession) schedule(phase domain.Phase, advance func()) {
	duration := s.durations.forPhase(phase)
	if duration <= 0 || s.closed {
		return
	}
	s.phaseTimer = time.AfterFunc(duration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.state.Name != phase {
			return
		}
		advance()
	})
}

func (s *HostQuizSession) startCountdown(phase domain.Phase) {
	duration := s.durations.forPhase(phase)
	s.countdownLeft = 0
	if duration <= 0 || s.closed {
		return
	}

	stop := make(chan struct{})
	s.countdownStop = stop
	s.countdownLeft = duration.Milliseconds()
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

func (s *HostQuizSession) stopTimers() {
	if s.phaseTimer != nil {
		s.phaseTimer.Stop()
		s.phaseTimer = nil
	}
	if s.countdownStop != nil {
		close(s.countdownStop)
		s.countdownStop = nil
	}
}

// totals sums each participant's scores across all questions. Requires
// s.mu held.
func (s *HostQuizSession) totals() map[domain.Identity]int {
	totals := make(map[domain.Identity]int)
	for _, answers := range s.questionStates {
		for id, result := range answers {
			totals[id] += result.Score
		}
	}
	return totals
}

// score implements the time-decay scoring curve. A correct answer within
// the first second is worth the full 1000; after that the value decays
// linearly over the alternatives window. Without a finite window scoring
// is flat.
func (s *HostQuizSession) score(timeToAnswer int64, correct bool) int {
	if !correct {
		return 0
	}
	d := s.durations.Alternatives.Milliseconds()
	if d <= 0 {
		return 1000
	}
	fraction := float64(d+1000-timeToAnswer) / float64(d)
	if fraction > 1 {
		fraction = 1
	}
	if fraction < 0 {
		fraction = 0
	}
	return int(math.Round(1000 * fraction))
}

func position(totals map[domain.Identity]int, total int) int {
	pos := 1
	for _, t := range totals {
		if t > total {
			pos++
		}
	}
	return pos
}
