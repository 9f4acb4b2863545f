package publication

import (
	"context"
	"time"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

// Availability reports whether t may be started now and, if not, the
// reason. The window is inclusive at both ends.
func (m *Manager) Availability(t exam.Test) (bool, string) {
	return availableAt(t, m.now())
}

func (m *Manager) IsAvailableNow(t exam.Test) bool {
	ok, _ := m.Availability(t)
	return ok
}

func availableAt(t exam.Test, now time.Time) (bool, string) {
	if t.Status != exam.TestPublished {
		return false, exam.ReasonNotPublished
	}
	p := t.Publication
	if p.AvailableFrom != nil && now.Before(*p.AvailableFrom) {
		return false, exam.ReasonNotAvailableYet
	}
	if p.AvailableUntil != nil && now.After(*p.AvailableUntil) {
		return false, exam.ReasonExpiredWindow
	}
	return true, ""
}

// CheckAccess runs the start checks in order: availability, attempts used,
// access code, then the distinct-student cap. A student who already has an
// attempt on the test does not count against the cap again.
func (m *Manager) CheckAccess(ctx context.Context, t exam.Test, studentID, code string) (bool, string, error) {
	if ok, reason := m.Availability(t); !ok {
		return false, reason, nil
	}
	prior, err := m.store.ListSessions(ctx, t.ID, studentID)
	if err != nil {
		return false, "", err
	}
	used := 0
	for _, s := range prior {
		if s.Status.ConsumesAttempt() {
			used++
		}
	}
	if used >= t.AttemptsAllowed {
		return false, exam.ReasonAttemptsExhausted, nil
	}
	if want := t.Publication.AccessCode; want != "" && !codeMatches(want, code) {
		return false, exam.ReasonBadAccessCode, nil
	}
	if limit := t.Publication.MaxStudents; limit != nil && len(prior) == 0 {
		n, err := m.store.CountDistinctStudents(ctx, t.ID)
		if err != nil {
			return false, "", err
		}
		if n >= *limit {
			return false, exam.ReasonQuotaReached, nil
		}
	}
	return true, "", nil
}

// Authorize is CheckAccess as an error: nil, an *exam.AccessDeniedError or
// a store failure.
func (m *Manager) Authorize(ctx context.Context, t exam.Test, studentID, code string) error {
	ok, reason, err := m.CheckAccess(ctx, t, studentID, code)
	if err != nil {
		return err
	}
	if !ok {
		return &exam.AccessDeniedError{Reason: reason}
	}
	return nil
}
