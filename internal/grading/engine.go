package grading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

// ErrNotSubmitted is returned when asked to grade a session still in progress.
var ErrNotSubmitted = errors.New("attempt has not been submitted")

// Strategy decides whether a non-empty student answer matches the key.
type Strategy interface {
	Correct(correct, student string) bool
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(correct, student string) bool

func (f StrategyFunc) Correct(correct, student string) bool { return f(correct, student) }

// Grader routes by question type to the correct Strategy.
type Grader interface {
	Grade(q exam.Question, answer string) (bool, error)
}

type defaultGrader struct {
	strategies map[exam.QuestionType]Strategy
}

func (g *defaultGrader) Grade(q exam.Question, answer string) (bool, error) {
	s, ok := g.strategies[q.Type]
	if !ok {
		return false, fmt.Errorf("%w: question %s has unsupported type %q", exam.ErrDataIntegrity, q.ID, q.Type)
	}
	return s.Correct(q.CorrectAnswer, answer), nil
}

type Option func(*config)

type config struct {
	strategies map[exam.QuestionType]Strategy
}

// WithStrategy installs or replaces the strategy for a question type.
func WithStrategy(t exam.QuestionType, s Strategy) Option {
	return func(c *config) { c.strategies[t] = s }
}

// NewDefaultGrader installs built-in strategies.
func NewDefaultGrader(opts ...Option) Grader {
	cfg := &config{
		strategies: map[exam.QuestionType]Strategy{
			exam.MultipleChoice: StrategyFunc(GradeMultipleChoice),
			exam.TrueFalse:      StrategyFunc(GradeTrueFalse),
		},
	}
	for _, o := range opts {
		o(cfg)
	}
	return &defaultGrader{strategies: cfg.strategies}
}

var defaultEngine = NewEngine(NewDefaultGrader())

// GradeAttempt grades the first revision of an attempt with the built-in
// strategies.
func GradeAttempt(s exam.Session, t exam.Test, questions []exam.Question) (exam.Result, error) {
	return defaultEngine.Grade(s, t, questions, 1, "")
}

// Engine turns a submitted session into a Result. It holds no state beyond
// its grader, so the same inputs always produce the same Result.
type Engine struct {
	grader Grader
}

func NewEngine(g Grader) *Engine {
	if g == nil {
		g = NewDefaultGrader()
	}
	return &Engine{grader: g}
}

// Grade scores every question of t in order. supersedes names the result a
// regrade replaces and is empty for the first revision.
func (e *Engine) Grade(s exam.Session, t exam.Test, questions []exam.Question, revision int, supersedes string) (exam.Result, error) {
	if s.SubmittedAt == nil || s.Status == exam.SessionInProgress {
		return exam.Result{}, fmt.Errorf("grade %s: %w", s.ID, ErrNotSubmitted)
	}
	byID := make(map[string]exam.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	var missing []string
	for _, id := range t.QuestionIDs {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return exam.Result{}, exam.MissingQuestionsError(t.ID, missing)
	}

	res := exam.Result{
		ID:             ResultID(s.ID, revision),
		AttemptID:      s.ID,
		TestID:         t.ID,
		StudentID:      s.StudentID,
		Revision:       revision,
		Supersedes:     supersedes,
		TotalQuestions: len(t.QuestionIDs),
		PassingScore:   t.PassingScore,
		TimeTakenSec:   timeTaken(s, t),
		GradedAt:       s.SubmittedAt.UTC(),
		Questions:      make([]exam.QuestionResult, 0, len(t.QuestionIDs)),
	}
	for i, id := range t.QuestionIDs {
		q := byID[id]
		qr := exam.QuestionResult{
			QuestionID:     q.ID,
			QuestionNumber: i + 1,
			Type:           q.Type,
			CorrectAnswer:  q.CorrectAnswer,
			PointsPossible: q.Weight(),
		}
		answer, ok := s.Answers[id]
		if !ok || strings.TrimSpace(answer) == "" {
			res.Unanswered++
		} else {
			a := answer
			qr.StudentAnswer = &a
			correct, err := e.grader.Grade(q, answer)
			if err != nil {
				return exam.Result{}, err
			}
			if correct {
				qr.IsCorrect = true
				qr.PointsEarned = qr.PointsPossible
				res.Correct++
			} else {
				res.Incorrect++
			}
		}
		res.PointsEarned += qr.PointsEarned
		res.PointsPossible += qr.PointsPossible
		res.Questions = append(res.Questions, qr)
	}
	if res.PointsPossible > 0 {
		res.PercentageScore = 100 * res.PointsEarned / res.PointsPossible
	}
	res.Passed = res.PercentageScore >= t.PassingScore
	return res, nil
}

func timeTaken(s exam.Session, t exam.Test) int {
	d := s.SubmittedAt.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	if limit := t.TimeLimit(); d > limit {
		d = limit
	}
	return int(d / time.Second)
}

var resultNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mindengage.ai/quiz/results"))

// ResultID is derived from the attempt and revision so that regrading the
// same attempt twice can never produce two distinct stored results.
func ResultID(attemptID string, revision int) string {
	return uuid.NewSHA1(resultNamespace, []byte(attemptID+"#"+strconv.Itoa(revision))).String()
}
