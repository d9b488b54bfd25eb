package domain

import "fmt"

// Quiz content as supplied by the content provider. The session state
// machine only ever reads it.

type Alternative struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Question struct {
	ID                   string        `json:"id"`
	Text                 string        `json:"text"`
	Image                string        `json:"image,omitempty"`
	CorrectAlternativeID string        `json:"correctAlternativeId"`
	Alternatives         []Alternative `json:"alternatives"`
}

type Quiz struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}

// Validate checks that every question can actually be played: at least
// two alternatives, a correct answer among them, no duplicate ids.
func (q *Quiz) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("quiz has no questions")
	}

	seen := make(map[string]bool, len(q.Questions))
	for i := range q.Questions {
		question := &q.Questions[i]
		if question.ID == "" {
			return fmt.Errorf("question with empty id")
		}
		if seen[question.ID] {
			return fmt.Errorf("duplicate question id %q", question.ID)
		}
		seen[question.ID] = true

		if len(question.Alternatives) < 2 {
			return fmt.Errorf("question %q needs at least two alternatives", question.ID)
		}
		if question.CorrectAlternativeID == "" {
			return fmt.Errorf("question %q has no correct alternative", question.ID)
		}

		found := false
		altSeen := make(map[string]bool, len(question.Alternatives))
		for _, alt := range question.Alternatives {
			if altSeen[alt.ID] {
				return fmt.Errorf("question %q has duplicate alternative id %q", question.ID, alt.ID)
			}
			altSeen[alt.ID] = true
			if alt.ID == question.CorrectAlternativeID {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("question %q marks an unknown alternative as correct", question.ID)
		}
	}
	return nil
}

// QuestionByID returns the question with the given id, or nil.
func (q *Quiz) QuestionByID(id string) *Question {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return &q.Questions[i]
		}
	}
	return nil
}

// QuestionIndex returns the position of the question with the given id, or
// -1 when unknown.
func (q *Quiz) QuestionIndex(id string) int {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return i
		}
	}
	return -1
}
