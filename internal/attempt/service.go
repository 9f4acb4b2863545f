// Package attempt runs a student's timed attempt against the server clock:
// start under quota, record answers, submit exactly once and grade.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/grading"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
	"github.com/mind-engage/mindengage-quiz/internal/questionbank"
	"github.com/mind-engage/mindengage-quiz/internal/rbac"
	"github.com/mind-engage/mindengage-quiz/internal/retry"
	syncx "github.com/mind-engage/mindengage-quiz/internal/sync"
)

// GradedHook runs after a new result revision is stored.
type GradedHook func(ctx context.Context, r exam.Result)

// SessionHook runs after an attempt is started or abandoned.
type SessionHook func(ctx context.Context, sess exam.Session)

type Service struct {
	store      exam.Store
	pub        *publication.Manager
	bank       questionbank.Bank
	engine     *grading.Engine
	events     syncx.Appender
	now        func() time.Time
	retry      retry.Policy
	sweepBatch int

	mu           sync.RWMutex
	hooks        []GradedHook
	sessionHooks []SessionHook
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithEngine(e *grading.Engine) Option { return func(s *Service) { s.engine = e } }
func WithBank(b questionbank.Bank) Option { return func(s *Service) { s.bank = b } }
func WithEvents(a syncx.Appender) Option { return func(s *Service) { s.events = a } }
func WithRetry(p retry.Policy) Option { return func(s *Service) { s.retry = p } }
func WithSweepBatch(n int) Option { return func(s *Service) { s.sweepBatch = n } }

func NewService(store exam.Store, pub *publication.Manager, opts ...Option) *Service {
	s := &Service{
		store:      store,
		pub:        pub,
		bank:       questionbank.NewStoreBank(store),
		engine:     grading.NewEngine(nil),
		events:     syncx.Discard{},
		now:        pub.Now,
		retry:      retry.Default,
		sweepBatch: 200,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnGraded registers fn to run after every newly stored result.
func (s *Service) OnGraded(fn GradedHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// OnSessionChange registers fn to run after an attempt starts or is abandoned.
func (s *Service) OnSessionChange(fn SessionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionHooks = append(s.sessionHooks, fn)
}

func (s *Service) sessionChanged(ctx context.Context, sess exam.Session) {
	s.mu.RLock()
	hooks := append([]SessionHook(nil), s.sessionHooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, sess)
	}
}

// Start opens a new attempt. A second Start while one is in progress fails
// with exam.ErrSessionAlreadyActive, before any access check runs.
func (s *Service) Start(ctx context.Context, testID, studentID, code string) (exam.Session, error) {
	var out exam.Session
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		out, err = s.start(ctx, testID, studentID, code)
		return err
	})
	return out, err
}

func (s *Service) start(ctx context.Context, testID, studentID, code string) (exam.Session, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return exam.Session{}, err
	}
	prior, err := s.activeCheck(ctx, testID, studentID)
	if err != nil {
		return exam.Session{}, err
	}
	if err := s.pub.Authorize(ctx, t, studentID, code); err != nil {
		return exam.Session{}, err
	}
	number, ok := freeSlot(prior, t.AttemptsAllowed)
	if !ok {
		return exam.Session{}, &exam.AccessDeniedError{Reason: exam.ReasonAttemptsExhausted}
	}
	now := s.now().UTC()
	sess := exam.Session{
		ID:            uuid.NewString(),
		TestID:        t.ID,
		StudentID:     studentID,
		AttemptNumber: number,
		StartedAt:     now,
		Deadline:      now.Add(t.TimeLimit()),
		Status:        exam.SessionInProgress,
		Answers:       map[string]string{},
	}
	if t.Publication.AccessCode != "" {
		sess.AccessCodeUsed = strings.ToUpper(strings.TrimSpace(code))
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return exam.Session{}, err
	}
	s.emit(ctx, syncx.AttemptStarted, sess.ID, map[string]any{
		"test_id": sess.TestID, "student_id": studentID, "attempt_number": number,
	})
	s.sessionChanged(ctx, sess)
	log.Info().Str("attempt_id", sess.ID).Str("test_id", t.ID).Str("student_id", studentID).
		Int("attempt_number", number).Time("deadline", sess.Deadline).Msg("attempt started")
	return sess, nil
}

// activeCheck expires overdue attempts first, then refuses a start while
// one is still running. It returns the student's sessions for the test.
func (s *Service) activeCheck(ctx context.Context, testID, studentID string) ([]exam.Session, error) {
	prior, err := s.store.ListSessions(ctx, testID, studentID)
	if err != nil {
		return nil, err
	}
	swept := false
	for _, p := range prior {
		if p.Status != exam.SessionInProgress {
			continue
		}
		if !p.Overdue(s.now()) {
			return nil, fmt.Errorf("test %s: %w", testID, exam.ErrSessionAlreadyActive)
		}
		s.expire(ctx, p.ID)
		swept = true
	}
	if swept {
		return s.store.ListSessions(ctx, testID, studentID)
	}
	return prior, nil
}

// freeSlot picks the lowest attempt number in 1..allowed not held by a
// counting session.
func freeSlot(prior []exam.Session, allowed int) (int, bool) {
	taken := make(map[int]bool, len(prior))
	for _, p := range prior {
		if p.Status.ConsumesAttempt() {
			taken[p.AttemptNumber] = true
		}
	}
	for n := 1; n <= allowed; n++ {
		if !taken[n] {
			return n, true
		}
	}
	return 0, false
}

// TimeRemaining is measured on the server clock only; it is zero once the
// attempt is over.
func (s *Service) TimeRemaining(sess exam.Session) time.Duration {
	if sess.Status != exam.SessionInProgress {
		return 0
	}
	d := sess.Deadline.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Get loads an attempt. An attempt found past its deadline is submitted
// with the timeout trigger before it is returned.
func (s *Service) Get(ctx context.Context, id string) (exam.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return exam.Session{}, err
	}
	if sess.Overdue(s.now()) {
		s.expire(ctx, id)
		return s.store.GetSession(ctx, id)
	}
	return sess, nil
}

// View is Get for a caller: students see their own attempts, instructors
// the attempts on their tests, admins everything.
func (s *Service) View(ctx context.Context, id, requesterID, role string) (exam.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return exam.Session{}, err
	}
	if err := s.canView(ctx, sess, requesterID, role); err != nil {
		return exam.Session{}, err
	}
	return sess, nil
}

func (s *Service) canView(ctx context.Context, sess exam.Session, requesterID, role string) error {
	switch role {
	case rbac.RoleAdmin:
		return nil
	case rbac.RoleInstructor:
		t, err := s.store.GetTest(ctx, sess.TestID)
		if err != nil {
			return err
		}
		if t.OwnerID == requesterID {
			return nil
		}
	default:
		if sess.StudentID == requesterID {
			return nil
		}
	}
	return fmt.Errorf("attempt %s: %w", sess.ID, exam.ErrForbidden)
}

// RecordAnswer upserts one answer; the last write for a question wins.
func (s *Service) RecordAnswer(ctx context.Context, id, studentID, questionID, answer string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.StudentID != studentID {
		return fmt.Errorf("attempt %s: %w", id, exam.ErrForbidden)
	}
	if sess.Status != exam.SessionInProgress {
		return fmt.Errorf("attempt %s is %s: %w", id, sess.Status, exam.ErrSessionNotActive)
	}
	if sess.Overdue(s.now()) {
		s.expire(ctx, id)
		return fmt.Errorf("attempt %s passed its deadline: %w", id, exam.ErrSessionNotActive)
	}
	t, err := s.store.GetTest(ctx, sess.TestID)
	if err != nil {
		return err
	}
	if !t.HasQuestion(questionID) {
		return fmt.Errorf("question %s: %w", questionID, exam.ErrUnknownQuestion)
	}
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.PutAnswer(ctx, id, questionID, answer)
	})
}

// Submit closes the attempt and grades it. Of two racing submits exactly
// one wins; the other gets exam.ErrAlreadySubmitted.
func (s *Service) Submit(ctx context.Context, id, studentID string, trigger exam.SubmitTrigger) (exam.Result, error) {
	if trigger == "" {
		trigger = exam.TriggerManual
	}
	var sess exam.Session
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		sess, err = s.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return exam.Result{}, err
	}
	if sess.StudentID != studentID {
		return exam.Result{}, fmt.Errorf("attempt %s: %w", id, exam.ErrForbidden)
	}
	return s.finalize(ctx, sess, trigger)
}

func (s *Service) finalize(ctx context.Context, sess exam.Session, trigger exam.SubmitTrigger) (exam.Result, error) {
	if sess.Status.Terminal() {
		return exam.Result{}, fmt.Errorf("attempt %s is %s: %w", sess.ID, sess.Status, exam.ErrAlreadySubmitted)
	}
	now := s.now().UTC()
	to := exam.SessionSubmitted
	if now.After(sess.Deadline) || (trigger == exam.TriggerTimeout && !now.Before(sess.Deadline)) {
		to = exam.SessionExpired
		trigger = exam.TriggerTimeout
	}
	var done exam.Session
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		done, err = s.store.TransitionSession(ctx, sess.ID, exam.SessionInProgress, to, trigger, now)
		return err
	})
	if errors.Is(err, exam.ErrConflict) {
		return exam.Result{}, fmt.Errorf("attempt %s: %w", sess.ID, exam.ErrAlreadySubmitted)
	}
	if err != nil {
		return exam.Result{}, err
	}
	s.emit(ctx, syncx.AttemptSubmitted, done.ID, map[string]any{
		"test_id": done.TestID, "status": done.Status, "trigger": trigger,
	})
	log.Info().Str("attempt_id", done.ID).Str("test_id", done.TestID).Str("student_id", done.StudentID).
		Str("status", string(done.Status)).Str("trigger", string(trigger)).Msg("attempt submitted")
	return s.grade(ctx, done, 1, "")
}

// expire submits an overdue attempt on behalf of the clock. Losing the race
// to another submit is fine.
func (s *Service) expire(ctx context.Context, id string) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("attempt_id", id).Msg("expire: load attempt")
		return
	}
	if _, err := s.finalize(ctx, sess, exam.TriggerTimeout); err != nil && !errors.Is(err, exam.ErrAlreadySubmitted) {
		log.Error().Err(err).Str("attempt_id", id).Msg("expire: submit on timeout")
	}
}

func (s *Service) grade(ctx context.Context, sess exam.Session, revision int, supersedes string) (exam.Result, error) {
	t, err := s.store.GetTest(ctx, sess.TestID)
	if err != nil {
		return exam.Result{}, err
	}
	res, err := s.gradeAgainst(ctx, sess, t, revision, supersedes)
	if err != nil {
		if errors.Is(err, exam.ErrDataIntegrity) {
			log.Error().Err(err).Str("attempt_id", sess.ID).Str("test_id", t.ID).Msg("cannot grade attempt")
		}
		return exam.Result{}, err
	}
	return s.saveResult(ctx, res)
}

func (s *Service) gradeAgainst(ctx context.Context, sess exam.Session, t exam.Test, revision int, supersedes string) (exam.Result, error) {
	qs, err := questionbank.Resolve(ctx, s.bank, t.ID, t.QuestionIDs)
	if err != nil {
		return exam.Result{}, err
	}
	return s.engine.Grade(sess, t, qs, revision, supersedes)
}

// saveResult writes a result with the keyed put; a duplicate returns the stored
// revision and fires no hooks.
func (s *Service) saveResult(ctx context.Context, res exam.Result) (exam.Result, error) {
	var stored exam.Result
	var inserted bool
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		stored, inserted, err = s.store.PutResult(ctx, res)
		return err
	})
	if err != nil {
		return exam.Result{}, err
	}
	if inserted {
		s.emit(ctx, syncx.ResultGraded, stored.AttemptID, map[string]any{
			"result_id": stored.ID, "revision": stored.Revision, "percentage_score": stored.PercentageScore, "passed": stored.Passed,
		})
		log.Info().Str("attempt_id", stored.AttemptID).Str("result_id", stored.ID).Int("revision", stored.Revision).
			Float64("percentage", stored.PercentageScore).Bool("passed", stored.Passed).Msg("attempt graded")
		s.mu.RLock()
		hooks := append([]GradedHook(nil), s.hooks...)
		s.mu.RUnlock()
		for _, h := range hooks {
			h(ctx, stored)
		}
	}
	return stored, nil
}

// Abandon administratively ends an attempt without grading it. The attempt
// no longer counts against the student's quota.
func (s *Service) Abandon(ctx context.Context, id, actorID string) (exam.Session, error) {
	done, err := s.store.TransitionSession(ctx, id, exam.SessionInProgress, exam.SessionAbandoned, "", s.now().UTC())
	if errors.Is(err, exam.ErrConflict) {
		return exam.Session{}, fmt.Errorf("attempt %s: %w", id, exam.ErrSessionNotActive)
	}
	if err != nil {
		return exam.Session{}, err
	}
	s.emit(ctx, syncx.AttemptAbandoned, id, map[string]any{"actor_id": actorID, "test_id": done.TestID})
	s.sessionChanged(ctx, done)
	log.Warn().Str("attempt_id", id).Str("actor_id", actorID).Msg("attempt abandoned")
	return done, nil
}

// GetResult returns the latest result revision. A finished attempt that
// was never graded is graded now.
func (s *Service) GetResult(ctx context.Context, attemptID, requesterID, role string) (exam.Result, error) {
	sess, err := s.View(ctx, attemptID, requesterID, role)
	if err != nil {
		return exam.Result{}, err
	}
	switch sess.Status {
	case exam.SessionInProgress:
		return exam.Result{}, fmt.Errorf("attempt %s is still in progress: %w", attemptID, exam.ErrNotFound)
	case exam.SessionAbandoned:
		return exam.Result{}, fmt.Errorf("attempt %s was abandoned: %w", attemptID, exam.ErrNotFound)
	}
	return s.ensureResult(ctx, sess)
}

func (s *Service) ensureResult(ctx context.Context, sess exam.Session) (exam.Result, error) {
	res, err := s.store.GetLatestResult(ctx, sess.ID)
	if err == nil || !errors.Is(err, exam.ErrNotFound) {
		return res, err
	}
	log.Warn().Str("attempt_id", sess.ID).Msg("finished attempt had no result; grading")
	return s.grade(ctx, sess, 1, "")
}

// Regrade stores a new revision graded against the current question bank.
// The new revision names the one it supersedes.
func (s *Service) Regrade(ctx context.Context, attemptID string) (exam.Result, error) {
	sess, err := s.store.GetSession(ctx, attemptID)
	if err != nil {
		return exam.Result{}, err
	}
	if sess.Status == exam.SessionInProgress || sess.Status == exam.SessionAbandoned {
		return exam.Result{}, fmt.Errorf("attempt %s is %s: %w", attemptID, sess.Status, exam.ErrSessionNotActive)
	}
	prev, err := s.store.GetLatestResult(ctx, attemptID)
	if errors.Is(err, exam.ErrNotFound) {
		return s.grade(ctx, sess, 1, "")
	}
	if err != nil {
		return exam.Result{}, err
	}
	return s.grade(ctx, sess, prev.Revision+1, prev.ID)
}

type SweepReport struct {
	Expired int `json:"expired"`
	Graded  int `json:"graded"`
	Failed  int `json:"failed"`
}

// SweepExpired submits every overdue attempt on timeout and grades finished
// attempts that have no result yet.
func (s *Service) SweepExpired(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var errs []error

	overdue, err := s.store.ListOverdue(ctx, s.now(), s.sweepBatch)
	if err != nil {
		return rep, err
	}
	for _, o := range overdue {
		sess, err := s.store.GetSession(ctx, o.ID)
		if err == nil {
			_, err = s.finalize(ctx, sess, exam.TriggerTimeout)
		}
		switch {
		case err == nil:
			rep.Expired++
		case errors.Is(err, exam.ErrAlreadySubmitted):
		default:
			rep.Failed++
			errs = append(errs, err)
		}
	}

	ungraded, err := s.store.ListUngraded(ctx, s.sweepBatch)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	for _, u := range ungraded {
		sess, err := s.store.GetSession(ctx, u.ID)
		if err == nil {
			_, err = s.ensureResult(ctx, sess)
		}
		if err != nil {
			rep.Failed++
			errs = append(errs, err)
			continue
		}
		rep.Graded++
	}
	if rep.Expired+rep.Graded+rep.Failed > 0 {
		log.Info().Int("expired", rep.Expired).Int("graded", rep.Graded).Int("failed", rep.Failed).Msg("attempt sweep")
	}
	return rep, errors.Join(errs...)
}

func (s *Service) emit(ctx context.Context, typ, key string, data map[string]any) {
	if err := s.events.Append(ctx, syncx.NewEvent(typ, key, data)); err != nil {
		log.Warn().Err(err).Str("event", typ).Str("key", key).Msg("event log append failed")
	}
}
