package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jinzhu/copier"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body. An empty body leaves dst untouched when
// optional is set.
func decode(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

type questionReq struct {
	ID            string            `json:"id" validate:"required"`
	Type          exam.QuestionType `json:"type" validate:"oneof=multiple_choice true_false"`
	Text          string            `json:"text"`
	CorrectAnswer string            `json:"correct_answer" validate:"required"`
	Points        float64           `json:"points" validate:"gte=0"`
}

type putQuestionsReq struct {
	Questions []questionReq `json:"questions" validate:"min=1,dive"`
}

type createTestReq struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	QuestionIDs     []string `json:"question_ids"`
	TimeLimitSec    int      `json:"time_limit_sec"`
	PassingScore    float64  `json:"passing_score"`
	AttemptsAllowed int      `json:"attempts_allowed"`
}

type scheduleReq struct {
	PublishAt time.Time `json:"publish_at" validate:"required"`
	publication.Settings
}

type unpublishReq struct {
	Reason string `json:"reason"`
}

type startReq struct {
	AccessCode string `json:"access_code"`
}

type answerReq struct {
	Answer string `json:"answer"`
}

// testView is what a non-owner sees of a test: no access code and no
// instructor bookkeeping.
type testView struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	QuestionIDs     []string        `json:"question_ids"`
	TimeLimitSec    int             `json:"time_limit_sec"`
	PassingScore    float64         `json:"passing_score"`
	AttemptsAllowed int             `json:"attempts_allowed"`
	Status          exam.TestStatus `json:"status"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	AvailableFrom   *time.Time      `json:"available_from,omitempty"`
	AvailableUntil  *time.Time      `json:"available_until,omitempty"`
	RequiresCode    bool            `json:"requires_access_code"`
	AvailableNow    bool            `json:"available_now"`
}

type attemptView struct {
	ID               string             `json:"attempt_id"`
	TestID           string             `json:"test_id"`
	StudentID        string             `json:"student_id"`
	AttemptNumber    int                `json:"attempt_number"`
	StartedAt        time.Time          `json:"started_at"`
	Deadline         time.Time          `json:"deadline"`
	SubmittedAt      *time.Time         `json:"submitted_at,omitempty"`
	Status           exam.SessionStatus `json:"status"`
	Trigger          exam.SubmitTrigger `json:"trigger,omitempty"`
	Answers          map[string]string  `json:"answers"`
	TimeRemainingSec int                `json:"time_remaining_sec"`
}

func toQuestions(req putQuestionsReq) ([]exam.Question, error) {
	var qs []exam.Question
	if err := copier.Copy(&qs, &req.Questions); err != nil {
		return nil, err
	}
	return qs, nil
}

func toTest(req createTestReq) (exam.Test, error) {
	var t exam.Test
	err := copier.Copy(&t, &req)
	return t, err
}

func toTestView(t exam.Test, availableNow bool) (testView, error) {
	var v testView
	if err := copier.Copy(&v, &t); err != nil {
		return testView{}, err
	}
	v.AvailableFrom = t.Publication.AvailableFrom
	v.AvailableUntil = t.Publication.AvailableUntil
	v.RequiresCode = t.Publication.AccessCode != ""
	v.AvailableNow = availableNow
	return v, nil
}

func toAttemptView(s exam.Session, remaining time.Duration) (attemptView, error) {
	var v attemptView
	if err := copier.Copy(&v, &s); err != nil {
		return attemptView{}, err
	}
	if v.Answers == nil {
		v.Answers = map[string]string{}
	}
	v.TimeRemainingSec = int(remaining / time.Second)
	return v, nil
}
