package exam

import "time"

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
)

// Question is the read-only view the grader needs from the question bank.
type Question struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"type"`
	Text          string       `json:"text,omitempty"`
	CorrectAnswer string       `json:"correct_answer"`
	Points        float64      `json:"points"` // 0 means the default weight
}

// Weight returns the point value of the question, defaulting to 1.
func (q Question) Weight() float64 {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

type Publication struct {
	AvailableFrom  *time.Time `json:"available_from,omitempty"`
	AvailableUntil *time.Time `json:"available_until,omitempty"`
	AccessCode     string     `json:"access_code,omitempty"`
	MaxStudents    *int       `json:"max_students,omitempty"`
}

type Test struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Title           string      `json:"title" validate:"required"`
	QuestionIDs     []string    `json:"question_ids" validate:"min=1,dive,required"`
	TimeLimitSec    int         `json:"time_limit_sec" validate:"gt=0"`
	PassingScore    float64     `json:"passing_score" validate:"gte=0,lte=100"`
	AttemptsAllowed int         `json:"attempts_allowed" validate:"gte=1"`
	Status          TestStatus  `json:"status"`
	Publication     Publication `json:"publication"`

	PublishAt       *time.Time `json:"publish_at,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	UnpublishReason string     `json:"unpublish_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// TimeLimit is the attempt duration as a time.Duration.
func (t Test) TimeLimit() time.Duration {
	return time.Duration(t.TimeLimitSec) * time.Second
}

// HasQuestion reports whether id is part of the test.
func (t Test) HasQuestion(id string) bool {
	for _, q := range t.QuestionIDs {
		if q == id {
			return true
		}
	}
	return false
}

type SubmitTrigger string

const (
	TriggerManual  SubmitTrigger = "manual"
	TriggerTimeout SubmitTrigger = "timeout"
)

// Session is one student's timed attempt at a test.
type Session struct {
	ID             string            `json:"id"`
	TestID         string            `json:"test_id"`
	StudentID      string            `json:"student_id"`
	AttemptNumber  int               `json:"attempt_number"`
	StartedAt      time.Time         `json:"started_at"`
	Deadline       time.Time         `json:"deadline"`
	SubmittedAt    *time.Time        `json:"submitted_at,omitempty"`
	Status         SessionStatus     `json:"status"`
	Trigger        SubmitTrigger     `json:"trigger,omitempty"`
	Answers        map[string]string `json:"answers"` // questionID -> answer
	AccessCodeUsed string            `json:"access_code_used,omitempty"`
}

// Overdue reports whether the session is still in progress past its deadline.
func (s Session) Overdue(now time.Time) bool {
	return s.Status == SessionInProgress && now.After(s.Deadline)
}

type QuestionResult struct {
	QuestionID     string       `json:"question_id"`
	QuestionNumber int          `json:"question_number"`
	Type           QuestionType `json:"type"`
	CorrectAnswer  string       `json:"correct_answer"`
	StudentAnswer  *string      `json:"student_answer"` // nil = unanswered
	IsCorrect      bool         `json:"is_correct"`
	PointsEarned   float64      `json:"points_earned"`
	PointsPossible float64      `json:"points_possible"`
}

// Result is the graded outcome of one attempt. A regrade stores a new
// revision that names the result it supersedes.
type Result struct {
	ID              string           `json:"id"`
	AttemptID       string           `json:"attempt_id"`
	TestID          string           `json:"test_id"`
	StudentID       string           `json:"student_id"`
	Revision        int              `json:"revision"`
	Supersedes      string           `json:"supersedes,omitempty"`
	TotalQuestions  int              `json:"total_questions"`
	Correct         int              `json:"correct"`
	Incorrect       int              `json:"incorrect"`
	Unanswered      int              `json:"unanswered"`
	PointsEarned    float64          `json:"total_points_earned"`
	PointsPossible  float64          `json:"total_points_possible"`
	PercentageScore float64          `json:"percentage_score"`
	PassingScore    float64          `json:"passing_score"`
	Passed          bool             `json:"passed"`
	TimeTakenSec    int              `json:"time_taken"`
	GradedAt        time.Time        `json:"graded_at"`
	Questions       []QuestionResult `json:"questions"`
}
