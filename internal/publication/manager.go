// Package publication owns the test lifecycle: validation, publishing and
// scheduling, availability windows, access codes and per-test quotas.
package publication

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-quiz/internal/cache"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/questionbank"
	"github.com/mind-engage/mindengage-quiz/internal/retry"
	syncx "github.com/mind-engage/mindengage-quiz/internal/sync"
)

// Settings are the instructor's choices at publish or schedule time.
type Settings struct {
	AvailableFrom     *time.Time `json:"available_from,omitempty"`
	AvailableUntil    *time.Time `json:"available_until,omitempty"`
	RequireAccessCode bool       `json:"require_access_code"`
	MaxStudents       *int       `json:"max_students,omitempty"`
	AttemptsAllowed   *int       `json:"attempts_allowed,omitempty"`
}

type Result struct {
	TestID      string          `json:"test_id"`
	Status      exam.TestStatus `json:"status"`
	AccessCode  string          `json:"access_code,omitempty"`
	PublishAt   *time.Time      `json:"publish_at,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func resultOf(t exam.Test) Result {
	return Result{
		TestID:      t.ID,
		Status:      t.Status,
		AccessCode:  t.Publication.AccessCode,
		PublishAt:   t.PublishAt,
		PublishedAt: t.PublishedAt,
	}
}

type Manager struct {
	store   exam.Store
	bank    questionbank.Bank
	codes   cache.CodeRegistry
	events  syncx.Appender
	now     func() time.Time
	rand    io.Reader
	codeTTL time.Duration
	retry   retry.Policy
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithBank(b questionbank.Bank) Option { return func(m *Manager) { m.bank = b } }
func WithCodeRegistry(r cache.CodeRegistry) Option { return func(m *Manager) { m.codes = r } }
func WithEvents(a syncx.Appender) Option { return func(m *Manager) { m.events = a } }
func WithRetry(p retry.Policy) Option { return func(m *Manager) { m.retry = p } }

// WithCodeTTL bounds how long an issued access code stays reserved.
func WithCodeTTL(d time.Duration) Option { return func(m *Manager) { m.codeTTL = d } }

func NewManager(store exam.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		bank:    questionbank.NewStoreBank(store),
		codes:   cache.NewMemoryRegistry(),
		events:  syncx.Discard{},
		now:     time.Now,
		rand:    rand.Reader,
		codeTTL: 90 * 24 * time.Hour,
		retry:   retry.Default,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now is the server clock every availability decision uses.
func (m *Manager) Now() time.Time { return m.now() }

// CreateDraft stores a new draft test owned by ownerID.
func (m *Manager) CreateDraft(ctx context.Context, ownerID string, t exam.Test) (exam.Test, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := m.now().UTC()
	t.OwnerID = ownerID
	t.Title = strings.TrimSpace(t.Title)
	t.Status = exam.TestDraft
	t.Publication = exam.Publication{}
	t.PublishAt, t.PublishedAt, t.UnpublishReason = nil, nil, ""
	t.CreatedAt, t.UpdatedAt = now, now
	t.Version = 1
	if err := m.store.CreateTest(ctx, t); err != nil {
		return exam.Test{}, err
	}
	return t, nil
}

func (m *Manager) Get(ctx context.Context, testID string) (exam.Test, error) {
	var t exam.Test
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		var err error
		t, err = m.store.GetTest(ctx, testID)
		return err
	})
	return t, err
}

func (m *Manager) loadOwned(ctx context.Context, testID, actorID string) (exam.Test, error) {
	t, err := m.Get(ctx, testID)
	if err != nil {
		return exam.Test{}, err
	}
	if t.OwnerID != actorID {
		return exam.Test{}, fmt.Errorf("test %s: %w", testID, exam.ErrNotOwner)
	}
	return t, nil
}

// prepare runs the publishability checks in order and returns t with the
// settings applied.
func (m *Manager) prepare(ctx context.Context, t exam.Test, s Settings) (exam.Test, error) {
	candidate := t
	if s.AttemptsAllowed != nil && *s.AttemptsAllowed >= 1 {
		candidate.AttemptsAllowed = *s.AttemptsAllowed
	}
	problems := Validate(candidate)
	if len(problems) == 0 {
		more, err := m.gradeable(ctx, candidate)
		if err != nil {
			return exam.Test{}, err
		}
		problems = more
	}
	if len(problems) > 0 {
		return exam.Test{}, &exam.ValidationError{Problems: problems}
	}
	if s.AvailableFrom != nil && s.AvailableUntil != nil && !s.AvailableFrom.Before(*s.AvailableUntil) {
		return exam.Test{}, exam.ErrInvalidWindow
	}
	if s.MaxStudents != nil && *s.MaxStudents <= 0 {
		return exam.Test{}, exam.ErrInvalidQuota
	}
	if s.AttemptsAllowed != nil && *s.AttemptsAllowed < 1 {
		return exam.Test{}, exam.ErrInvalidQuota
	}
	candidate.Publication.AvailableFrom = utcPtr(s.AvailableFrom)
	candidate.Publication.AvailableUntil = utcPtr(s.AvailableUntil)
	candidate.Publication.MaxStudents = s.MaxStudents
	return candidate, nil
}

// gradeable checks that every referenced question exists and has a type the
// grading engine supports.
func (m *Manager) gradeable(ctx context.Context, t exam.Test) ([]string, error) {
	qs, err := m.bank.GetQuestionsByIDs(ctx, t.QuestionIDs)
	if err != nil {
		return nil, err
	}
	found := make(map[string]exam.Question, len(qs))
	for _, q := range qs {
		found[q.ID] = q
	}
	var problems []string
	for _, id := range t.QuestionIDs {
		q, ok := found[id]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("question %s does not exist", id))
		case q.Type != exam.MultipleChoice && q.Type != exam.TrueFalse:
			problems = append(problems, fmt.Sprintf("question %s has unsupported type %q", id, q.Type))
		}
	}
	return problems, nil
}

// Publish makes the test takeable now.
func (m *Manager) Publish(ctx context.Context, testID, actorID string, s Settings) (Result, error) {
	t, err := m.loadOwned(ctx, testID, actorID)
	if err != nil {
		return Result{}, err
	}
	t, err = m.prepare(ctx, t, s)
	if err != nil {
		return Result{}, err
	}
	saved, err := m.publish(ctx, t, s.RequireAccessCode)
	if err != nil {
		return Result{}, err
	}
	return resultOf(saved), nil
}

func (m *Manager) publish(ctx context.Context, t exam.Test, requireCode bool) (exam.Test, error) {
	prev := t.Status
	if !prev.CanTransition(exam.TestPublished) {
		return exam.Test{}, fmt.Errorf("publish %s from %s: %w", t.ID, prev, exam.ErrInvalidTransition)
	}
	oldCode := t.Publication.AccessCode
	code, err := m.accessCode(ctx, t, requireCode)
	if err != nil {
		return exam.Test{}, err
	}
	now := m.now().UTC()
	t.Publication.AccessCode = code
	t.Status = exam.TestPublished
	t.PublishedAt = &now
	t.PublishAt = nil
	t.UnpublishReason = ""
	t.UpdatedAt = now
	saved, err := m.store.UpdateTest(ctx, t, prev)
	if err != nil {
		// the write lost; hand back a code reserved for it
		m.releaseIfChanged(ctx, code, oldCode)
		return exam.Test{}, err
	}
	m.releaseIfChanged(ctx, oldCode, code)
	m.emit(ctx, syncx.TestPublished, saved)
	log.Info().Str("test_id", saved.ID).Str("from", string(prev)).Bool("access_code", code != "").Msg("test published")
	return saved, nil
}

// Schedule validates now and publishes at publishAt via PublishDue.
func (m *Manager) Schedule(ctx context.Context, testID, actorID string, publishAt time.Time, s Settings) (Result, error) {
	t, err := m.loadOwned(ctx, testID, actorID)
	if err != nil {
		return Result{}, err
	}
	t, err = m.prepare(ctx, t, s)
	if err != nil {
		return Result{}, err
	}
	now := m.now().UTC()
	if !publishAt.After(now) {
		return Result{}, exam.ErrPastSchedule
	}
	prev := t.Status
	if !prev.CanTransition(exam.TestScheduled) {
		return Result{}, fmt.Errorf("schedule %s from %s: %w", testID, prev, exam.ErrInvalidTransition)
	}
	oldCode := t.Publication.AccessCode
	code, err := m.accessCode(ctx, t, s.RequireAccessCode)
	if err != nil {
		return Result{}, err
	}
	at := publishAt.UTC()
	t.Publication.AccessCode = code
	t.Status = exam.TestScheduled
	t.PublishAt = &at
	t.UnpublishReason = ""
	t.UpdatedAt = now
	saved, err := m.store.UpdateTest(ctx, t, prev)
	if err != nil {
		m.releaseIfChanged(ctx, code, oldCode)
		return Result{}, err
	}
	m.releaseIfChanged(ctx, oldCode, code)
	m.emit(ctx, syncx.TestScheduled, saved)
	log.Info().Str("test_id", saved.ID).Time("publish_at", at).Msg("test scheduled")
	return resultOf(saved), nil
}

// PublishDue publishes every scheduled test whose publish time has passed
// and reports how many it published. A test changed concurrently since it
// was listed is left alone.
func (m *Manager) PublishDue(ctx context.Context) (int, error) {
	due, err := m.store.ListDueScheduled(ctx, m.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range due {
		if problems := Validate(t); len(problems) > 0 {
			log.Error().Str("test_id", t.ID).Strs("problems", problems).Msg("scheduled test is no longer publishable")
			continue
		}
		if _, err := m.publish(ctx, t, t.Publication.AccessCode != ""); err != nil {
			if errors.Is(err, exam.ErrConcurrencyConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Unpublish blocks new starts. Sessions already in progress run to their
// own deadline.
func (m *Manager) Unpublish(ctx context.Context, testID, actorID, reason string) (Result, error) {
	t, err := m.loadOwned(ctx, testID, actorID)
	if err != nil {
		return Result{}, err
	}
	prev := t.Status
	if !prev.CanTransition(exam.TestUnpublished) {
		return Result{}, fmt.Errorf("unpublish %s from %s: %w", testID, prev, exam.ErrInvalidTransition)
	}
	t.Status = exam.TestUnpublished
	t.UnpublishReason = strings.TrimSpace(reason)
	t.PublishAt = nil
	t.UpdatedAt = m.now().UTC()
	saved, err := m.store.UpdateTest(ctx, t, prev)
	if err != nil {
		return Result{}, err
	}
	m.emit(ctx, syncx.TestUnpublished, saved)
	log.Info().Str("test_id", testID).Str("reason", saved.UnpublishReason).Msg("test unpublished")
	return resultOf(saved), nil
}

// Archive retires a test for good. Attempts and results stay readable.
func (m *Manager) Archive(ctx context.Context, testID, actorID string) (Result, error) {
	t, err := m.loadOwned(ctx, testID, actorID)
	if err != nil {
		return Result{}, err
	}
	prev := t.Status
	if !prev.CanTransition(exam.TestArchived) {
		return Result{}, fmt.Errorf("archive %s from %s: %w", testID, prev, exam.ErrInvalidTransition)
	}
	code := t.Publication.AccessCode
	t.Status = exam.TestArchived
	t.PublishAt = nil
	t.UpdatedAt = m.now().UTC()
	saved, err := m.store.UpdateTest(ctx, t, prev)
	if err != nil {
		return Result{}, err
	}
	m.releaseIfChanged(ctx, code, "")
	m.emit(ctx, syncx.TestArchived, saved)
	log.Info().Str("test_id", testID).Msg("test archived")
	return resultOf(saved), nil
}

// accessCode keeps a test's current code when one is still required and
// issues a fresh one otherwise.
func (m *Manager) accessCode(ctx context.Context, t exam.Test, require bool) (string, error) {
	if !require {
		return "", nil
	}
	if cur := t.Publication.AccessCode; cur != "" && WellFormedCode(t.ID, cur) {
		ok, err := m.codes.Reserve(ctx, cur, t.ID, m.codeTTL)
		if err == nil && ok {
			return cur, nil
		}
	}
	return m.issueCode(ctx, t.ID)
}

func (m *Manager) releaseIfChanged(ctx context.Context, old, current string) {
	if old == "" || old == current {
		return
	}
	if err := m.codes.Release(ctx, old); err != nil {
		log.Warn().Err(err).Msg("release access code")
	}
}

func (m *Manager) emit(ctx context.Context, typ string, t exam.Test) {
	ev := syncx.NewEvent(typ, t.ID, map[string]any{
		"owner_id": t.OwnerID,
		"status":   t.Status,
		"version":  t.Version,
	})
	if err := m.events.Append(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", typ).Str("test_id", t.ID).Msg("event log append failed")
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
