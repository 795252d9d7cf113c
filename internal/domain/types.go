package domain

import "time"

// UnavailableFeedback is the feedback text carried by a failed grading.
const UnavailableFeedback = "Unable to generate feedback"

// Question is one interview prompt. Prompt doubles as the dedup key for
// stored answers.
type Question struct {
	Prompt          string `json:"question" yaml:"question"`
	ReferenceAnswer string `json:"answer" yaml:"answer"`
}

// Fragment is a unit of recognized speech. Interim fragments may be
// superseded by later ones; final fragments are committed.
type Fragment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// GradingResult is the model's verdict on an answer. Failed results carry
// Rating 0 and UnavailableFeedback.
type GradingResult struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
	Failed   bool   `json:"failed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FailedGrading returns the sentinel result used when no usable grade could be
// produced.
func FailedGrading(reason string) GradingResult {
	return GradingResult{
		Rating:   0,
		Feedback: UnavailableFeedback,
		Failed:   true,
		Reason:   reason,
	}
}

// AnswerRecord is a persisted, graded answer.
type AnswerRecord struct {
	ID              string    `json:"id"`
	InterviewRef    string    `json:"mock_id_ref"`
	Question        string    `json:"question"`
	ReferenceAnswer string    `json:"correct_ans"`
	UserAnswer      string    `json:"user_ans"`
	Feedback        string    `json:"feedback"`
	Rating          int       `json:"rating"`
	UserID          string    `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}
