package exam

import (
	"context"
	"time"
)

// Store is the persistence boundary. Every mutating method that guards an
// invariant is a conditional write: it either applies atomically or fails
// with a concurrency-conflict error, never a partial update.
type Store interface {
	CreateTest(ctx context.Context, t Test) error
	GetTest(ctx context.Context, id string) (Test, error)
	// UpdateTest succeeds only if the stored test still has expectStatus and
	// t.Version; the stored version is bumped. ErrConflict otherwise.
	UpdateTest(ctx context.Context, t Test, expectStatus TestStatus) (Test, error)
	ListTestsByOwner(ctx context.Context, ownerID string) ([]Test, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]Test, error)

	PutQuestions(ctx context.Context, qs []Question) error
	GetQuestionsByIDs(ctx context.Context, ids []string) ([]Question, error)

	// CreateSession fails with ErrSessionAlreadyActive when the student has
	// an in_progress session for the test or the attempt number is taken.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// PutAnswer upserts one answer while the session is in_progress;
	// ErrSessionNotActive otherwise.
	PutAnswer(ctx context.Context, sessionID, questionID, answer string) error
	// TransitionSession moves from -> to; ErrConflict if the stored status
	// is no longer from.
	TransitionSession(ctx context.Context, id string, from, to SessionStatus, trigger SubmitTrigger, at time.Time) (Session, error)
	// List* results may omit Answers.
	ListSessions(ctx context.Context, testID, studentID string) ([]Session, error)
	ListSessionsByTest(ctx context.Context, testID string) ([]Session, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Session, error)
	// ListUngraded returns submitted/expired sessions without any result.
	ListUngraded(ctx context.Context, limit int) ([]Session, error)
	CountAttempts(ctx context.Context, testID, studentID string) (int, error)
	CountDistinctStudents(ctx context.Context, testID string) (int, error)

	// PutResult stores r unless a result with the same attempt and revision
	// exists; the stored result is returned either way.
	PutResult(ctx context.Context, r Result) (Result, bool, error)
	GetLatestResult(ctx context.Context, attemptID string) (Result, error)
	ListResultsByTest(ctx context.Context, testID string) ([]Result, error)
}
