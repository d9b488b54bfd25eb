package domain

// Phase is one state of the quiz session state machine.
type Phase string

const (
	PhaseLobby        Phase = "LOBBY"
	PhaseQuestion     Phase = "QUESTION"
	PhaseAlternatives Phase = "ALTERNATIVES"
	PhaseValidation   Phase = "VALIDATION"
	PhaseStatistics   Phase = "STATISTICS"
	PhaseResults      Phase = "RESULTS"
	PhaseTheEnd       Phase = "THE_END"
)

// Validation carries the correct alternative once the VALIDATION phase is
// reached.
type Validation struct {
	CorrectAlternativeID string `json:"correctAlternativeId"`
}

// PhaseData is the phase-specific payload of a quiz state. Broadcasts for
// ALTERNATIVES, VALIDATION and STATISTICS are additive: only fields that
// were not part of the previous broadcast are sent, and participants merge
// them into their mirror.
type PhaseData struct {
	QuestionID            string        `json:"questionId,omitempty"`
	QuestionText          string        `json:"questionText,omitempty"`
	QuestionImage         string        `json:"questionImage,omitempty"`
	QuestionTimestamp     int64         `json:"questionTimestamp,omitempty"`
	Alternatives          []Alternative `json:"alternatives,omitempty"`
	AlternativesTimestamp int64         `json:"alternativesTimestamp,omitempty"`
	Validation            *Validation   `json:"validation,omitempty"`
	ValidationTimestamp   int64         `json:"validationTimestamp,omitempty"`
	// AnswerCounts maps alternative id to the number of answers it got.
	AnswerCounts        map[string]int `json:"answerCounts,omitempty"`
	StatisticsTimestamp int64          `json:"statisticsTimestamp,omitempty"`
	ResultsTimestamp    int64          `json:"resultsTimestamp,omitempty"`
}

// QuizState is one authoritative state of the session. It is replaced, not
// mutated, on every transition; Timestamp is the phase entry time in Unix
// milliseconds.
type QuizState struct {
	Name      Phase     `json:"name"`
	Data      PhaseData `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

// Diff returns the fields of next that were absent from prev. Used for the
// additive STATE broadcasts.
func (next PhaseData) Diff(prev PhaseData) PhaseData {
	out := next
	if prev.QuestionID != "" {
		out.QuestionID = ""
	}
	if prev.QuestionText != "" {
		out.QuestionText = ""
	}
	if prev.QuestionImage != "" {
		out.QuestionImage = ""
	}
	if prev.QuestionTimestamp != 0 {
		out.QuestionTimestamp = 0
	}
	if prev.Alternatives != nil {
		out.Alternatives = nil
	}
	if prev.AlternativesTimestamp != 0 {
		out.AlternativesTimestamp = 0
	}
	if prev.Validation != nil {
		out.Validation = nil
	}
	if prev.ValidationTimestamp != 0 {
		out.ValidationTimestamp = 0
	}
	if prev.AnswerCounts != nil {
		out.AnswerCounts = nil
	}
	if prev.StatisticsTimestamp != 0 {
		out.StatisticsTimestamp = 0
	}
	if prev.ResultsTimestamp != 0 {
		out.ResultsTimestamp = 0
	}
	return out
}

// Merge folds an additive patch into the receiver and returns the result.
func (d PhaseData) Merge(patch PhaseData) PhaseData {
	out := d
	if patch.QuestionID != "" {
		out.QuestionID = patch.QuestionID
	}
	if patch.QuestionText != "" {
		out.QuestionText = patch.QuestionText
	}
	if patch.QuestionImage != "" {
		out.QuestionImage = patch.QuestionImage
	}
	if patch.QuestionTimestamp != 0 {
		out.QuestionTimestamp = patch.QuestionTimestamp
	}
	if patch.Alternatives != nil {
		out.Alternatives = patch.Alternatives
	}
	if patch.AlternativesTimestamp != 0 {
		out.AlternativesTimestamp = patch.AlternativesTimestamp
	}
	if patch.Validation != nil {
		out.Validation = patch.Validation
	}
	if patch.ValidationTimestamp != 0 {
		out.ValidationTimestamp = patch.ValidationTimestamp
	}
	if patch.AnswerCounts != nil {
		out.AnswerCounts = patch.AnswerCounts
	}
	if patch.StatisticsTimestamp != 0 {
		out.StatisticsTimestamp = patch.StatisticsTimestamp
	}
	if patch.ResultsTimestamp != 0 {
		out.ResultsTimestamp = patch.ResultsTimestamp
	}
	return out
}

// QuestionResult records one participant's answer to one question. First
// answer wins; later answers for the same question are ignored.
type QuestionResult struct {
	Answer          string `json:"answer"`
	AnswerTimestamp int64  `json:"answerTimestamp"`
	TimeToAnswer    int64  `json:"timeToAnswer"`
	Correct         bool   `json:"correct"`
	Score           int    `json:"score"`
}

// Standing is a participant's derived rank at a point in time. Position is
// 1 + the number of strictly higher total scores, so ties share a position.
type Standing struct {
	ParticipantID   Identity        `json:"participantId"`
	Name            string          `json:"name"`
	Score           int             `json:"score"`
	Position        int             `json:"position"`
	ConnectionState ConnectionState `json:"connectionState"`
}
