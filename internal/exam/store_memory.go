package exam

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu        sync.RWMutex
	tests     map[string]Test
	questions map[string]Question
	sessions  map[string]Session
	results   map[string][]Result // attemptID -> revisions in order
}

// NewInMemoryStore returns a Store kept entirely in process memory.
func NewInMemoryStore() Store {
	return &memoryStore{
		tests:     map[string]Test{},
		questions: map[string]Question{},
		sessions:  map[string]Session{},
		results:   map[string][]Result{},
	}
}

func (m *memoryStore) CreateTest(_ context.Context, t Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[t.ID]; ok {
		return ErrConflict
	}
	m.tests[t.ID] = cloneTest(t)
	return nil
}

func (m *memoryStore) GetTest(_ context.Context, id string) (Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[id]
	if !ok {
		return Test{}, ErrNotFound
	}
	return cloneTest(t), nil
}

func (m *memoryStore) UpdateTest(_ context.Context, t Test, expectStatus TestStatus) (Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tests[t.ID]
	if !ok {
		return Test{}, ErrNotFound
	}
	if cur.Status != expectStatus || cur.Version != t.Version {
		return Test{}, ErrConflict
	}
	t.Version++
	m.tests[t.ID] = cloneTest(t)
	return cloneTest(t), nil
}

func (m *memoryStore) ListTestsByOwner(_ context.Context, ownerID string) ([]Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Test
	for _, t := range m.tests {
		if t.OwnerID == ownerID {
			out = append(out, cloneTest(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) ListDueScheduled(_ context.Context, now time.Time) ([]Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Test
	for _, t := range m.tests {
		if t.Status == TestScheduled && t.PublishAt != nil && !t.PublishAt.After(now) {
			out = append(out, cloneTest(t))
		}
	}
	return out, nil
}

func (m *memoryStore) PutQuestions(_ context.Context, qs []Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range qs {
		m.questions[q.ID] = q
	}
	return nil
}

func (m *memoryStore) GetQuestionsByIDs(_ context.Context, ids []string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := m.questions[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrConflict
	}
	for _, cur := range m.sessions {
		if cur.TestID != s.TestID || cur.StudentID != s.StudentID {
			continue
		}
		if cur.Status == SessionInProgress {
			return ErrSessionAlreadyActive
		}
		if cur.Status.ConsumesAttempt() && cur.AttemptNumber == s.AttemptNumber {
			return ErrSessionAlreadyActive
		}
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *memoryStore) PutAnswer(_ context.Context, sessionID, questionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != SessionInProgress {
		return ErrSessionNotActive
	}
	if s.Answers == nil {
		s.Answers = map[string]string{}
	}
	s.Answers[questionID] = answer
	m.sessions[sessionID] = s
	return nil
}

func (m *memoryStore) TransitionSession(_ context.Context, id string, from, to SessionStatus, trigger SubmitTrigger, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status != from || !from.CanTransition(to) {
		return Session{}, ErrConflict
	}
	s.Status = to
	s.Trigger = trigger
	at = at.UTC()
	s.SubmittedAt = &at
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *memoryStore) ListSessions(_ context.Context, testID, studentID string) ([]Session, error) {
	return m.filterSessions(func(s Session) bool {
		return s.TestID == testID && s.StudentID == studentID
	}, 0), nil
}

func (m *memoryStore) ListSessionsByTest(_ context.Context, testID string) ([]Session, error) {
	return m.filterSessions(func(s Session) bool { return s.TestID == testID }, 0), nil
}

func (m *memoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]Session, error) {
	return m.filterSessions(func(s Session) bool { return s.Overdue(now) }, limit), nil
}

func (m *memoryStore) ListUngraded(_ context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	graded := make(map[string]bool, len(m.results))
	for id := range m.results {
		graded[id] = true
	}
	m.mu.RUnlock()
	return m.filterSessions(func(s Session) bool {
		return (s.Status == SessionSubmitted || s.Status == SessionExpired) && !graded[s.ID]
	}, limit), nil
}

func (m *memoryStore) filterSessions(keep func(Session) bool, limit int) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].AttemptNumber < out[j].AttemptNumber
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryStore) CountAttempts(_ context.Context, testID, studentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.TestID == testID && s.StudentID == studentID && s.Status.ConsumesAttempt() {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountDistinctStudents(_ context.Context, testID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, s := range m.sessions {
		if s.TestID == testID {
			seen[s.StudentID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *memoryStore) PutResult(_ context.Context, r Result) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.results[r.AttemptID] {
		if existing.Revision == r.Revision {
			return cloneResult(existing), false, nil
		}
	}
	m.results[r.AttemptID] = append(m.results[r.AttemptID], cloneResult(r))
	sort.Slice(m.results[r.AttemptID], func(i, j int) bool {
		return m.results[r.AttemptID][i].Revision < m.results[r.AttemptID][j].Revision
	})
	return cloneResult(r), true, nil
}

func (m *memoryStore) GetLatestResult(_ context.Context, attemptID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.results[attemptID]
	if len(revs) == 0 {
		return Result{}, ErrNotFound
	}
	return cloneResult(revs[len(revs)-1]), nil
}

func (m *memoryStore) ListResultsByTest(_ context.Context, testID string) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Result
	for _, revs := range m.results {
		if len(revs) == 0 {
			continue
		}
		latest := revs[len(revs)-1]
		if latest.TestID == testID {
			out = append(out, cloneResult(latest))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GradedAt.Equal(out[j].GradedAt) {
			return out[i].AttemptID < out[j].AttemptID
		}
		return out[i].GradedAt.Before(out[j].GradedAt)
	})
	return out, nil
}

// clones keep callers from mutating stored state through shared maps/slices

func cloneTest(t Test) Test {
	t.QuestionIDs = append([]string(nil), t.QuestionIDs...)
	return t
}

func cloneSession(s Session) Session {
	answers := make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		answers[k] = v
	}
	s.Answers = answers
	return s
}

func cloneResult(r Result) Result {
	r.Questions = append([]QuestionResult(nil), r.Questions...)
	return r
}
