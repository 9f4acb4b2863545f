package exam

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLStore implements Store on SQLite or PostgreSQL. Conditional writes are
// expressed as unique indexes and status-guarded UPDATEs, so unrelated
// students and tests never contend on a lock.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

const testColumns = `id,owner_id,title,question_ids_json,time_limit_sec,passing_score,attempts_allowed,status,
	available_from,available_until,access_code,max_students,publish_at,published_at,unpublish_reason,
	created_at,updated_at,version`

func (s *SQLStore) CreateTest(ctx context.Context, t Test) error {
	qj, err := json.Marshal(t.QuestionIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tests (`+testColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.OwnerID, t.Title, string(qj), t.TimeLimitSec, t.PassingScore, t.AttemptsAllowed, string(t.Status),
		nullMillis(t.Publication.AvailableFrom), nullMillis(t.Publication.AvailableUntil), t.Publication.AccessCode,
		nullInt(t.Publication.MaxStudents), nullMillis(t.PublishAt), nullMillis(t.PublishedAt), t.UnpublishReason,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), t.Version)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return classify(err)
}

func (s *SQLStore) GetTest(ctx context.Context, id string) (Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id=$1`, id)
	t, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Test{}, ErrNotFound
	}
	return t, classify(err)
}

func (s *SQLStore) UpdateTest(ctx context.Context, t Test, expectStatus TestStatus) (Test, error) {
	qj, err := json.Marshal(t.QuestionIDs)
	if err != nil {
		return Test{}, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tests SET
		title=$1, question_ids_json=$2, time_limit_sec=$3, passing_score=$4, attempts_allowed=$5, status=$6,
		available_from=$7, available_until=$8, access_code=$9, max_students=$10, publish_at=$11, published_at=$12,
		unpublish_reason=$13, updated_at=$14, version=version+1
		WHERE id=$15 AND status=$16 AND version=$17`,
		t.Title, string(qj), t.TimeLimitSec, t.PassingScore, t.AttemptsAllowed, string(t.Status),
		nullMillis(t.Publication.AvailableFrom), nullMillis(t.Publication.AvailableUntil), t.Publication.AccessCode,
		nullInt(t.Publication.MaxStudents), nullMillis(t.PublishAt), nullMillis(t.PublishedAt),
		t.UnpublishReason, toMillis(t.UpdatedAt),
		t.ID, string(expectStatus), t.Version)
	if err != nil {
		return Test{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTest(ctx, t.ID); err != nil {
			return Test{}, err
		}
		return Test{}, ErrConflict
	}
	return s.GetTest(ctx, t.ID)
}

func (s *SQLStore) ListTestsByOwner(ctx context.Context, ownerID string) ([]Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests WHERE owner_id=$1 ORDER BY created_at`, ownerID)
}

func (s *SQLStore) ListDueScheduled(ctx context.Context, now time.Time) ([]Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests
		WHERE status='scheduled' AND publish_at IS NOT NULL AND publish_at <= $1 ORDER BY publish_at`, toMillis(now))
}

func (s *SQLStore) queryTests(ctx context.Context, q string, args ...any) ([]Test, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (s *SQLStore) PutQuestions(ctx context.Context, qs []Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range qs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO questions (id,type,text,correct_answer,points)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (id) DO UPDATE SET type=EXCLUDED.type, text=EXCLUDED.text,
				correct_answer=EXCLUDED.correct_answer, points=EXCLUDED.points`,
			q.ID, string(q.Type), q.Text, q.CorrectAnswer, q.Points); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *SQLStore) GetQuestionsByIDs(ctx context.Context, ids []string) ([]Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,type,text,correct_answer,points FROM questions WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		var typ string
		if err := rows.Scan(&q.ID, &typ, &q.Text, &q.CorrectAnswer, &q.Points); err != nil {
			return nil, err
		}
		q.Type = QuestionType(typ)
		out = append(out, q)
	}
	return out, classify(rows.Err())
}

const sessionColumns = `id,test_id,student_id,attempt_number,started_at,deadline,submitted_at,status,submit_trigger,access_code_used`

func (s *SQLStore) CreateSession(ctx context.Context, se Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		se.ID, se.TestID, se.StudentID, se.AttemptNumber, toMillis(se.StartedAt), toMillis(se.Deadline),
		nullMillis(se.SubmittedAt), string(se.Status), string(se.Trigger), se.AccessCodeUsed)
	if isUniqueViolation(err) {
		return ErrSessionAlreadyActive
	}
	return classify(err)
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	se, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, classify(err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT question_id, answer FROM session_answers WHERE session_id=$1`, id)
	if err != nil {
		return Session{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var qid, ans string
		if err := rows.Scan(&qid, &ans); err != nil {
			return Session{}, err
		}
		se.Answers[qid] = ans
	}
	return se, classify(rows.Err())
}

// PutAnswer holds a shared lock on the session row (postgres) for the
// duration of the upsert, so a concurrent submit cannot slip between the
// status check and the write.
func (s *SQLStore) PutAnswer(ctx context.Context, sessionID, questionID, answer string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT status FROM sessions WHERE id=$1`
	if s.driver == "postgres" {
		q += ` FOR SHARE`
	}
	var status string
	if err := tx.QueryRowContext(ctx, q, sessionID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return classify(err)
	}
	if SessionStatus(status) != SessionInProgress {
		return ErrSessionNotActive
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_answers (session_id, question_id, answer, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id, question_id) DO UPDATE SET answer=EXCLUDED.answer, updated_at=EXCLUDED.updated_at`,
		sessionID, questionID, answer, toMillis(time.Now())); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *SQLStore) TransitionSession(ctx context.Context, id string, from, to SessionStatus, trigger SubmitTrigger, at time.Time) (Session, error) {
	if !from.CanTransition(to) {
		return Session{}, ErrConflict
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=$1, submit_trigger=$2, submitted_at=$3 WHERE id=$4 AND status=$5`,
		string(to), string(trigger), toMillis(at), id, string(from))
	if err != nil {
		return Session{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return Session{}, err
		}
		return Session{}, ErrConflict
	}
	return s.GetSession(ctx, id)
}

// Listing queries do not load answers; use GetSession for the full record.

func (s *SQLStore) ListSessions(ctx context.Context, testID, studentID string) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE test_id=$1 AND student_id=$2 ORDER BY started_at, attempt_number`, testID, studentID)
}

func (s *SQLStore) ListSessionsByTest(ctx context.Context, testID string) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE test_id=$1 ORDER BY started_at, attempt_number`, testID)
}

func (s *SQLStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status='in_progress' AND deadline < $1 ORDER BY deadline`+limitClause(limit), toMillis(now))
}

func (s *SQLStore) ListUngraded(ctx context.Context, limit int) ([]Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions s
		WHERE status IN ('submitted','expired')
		  AND NOT EXISTS (SELECT 1 FROM results r WHERE r.attempt_id = s.id)
		ORDER BY submitted_at`+limitClause(limit))
}

func (s *SQLStore) querySessions(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		se, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, classify(rows.Err())
}

func (s *SQLStore) CountAttempts(ctx context.Context, testID, studentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions
		WHERE test_id=$1 AND student_id=$2 AND status <> 'abandoned'`, testID, studentID).Scan(&n)
	return n, classify(err)
}

func (s *SQLStore) CountDistinctStudents(ctx context.Context, testID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT student_id) FROM sessions WHERE test_id=$1`, testID).Scan(&n)
	return n, classify(err)
}

func (s *SQLStore) PutResult(ctx context.Context, r Result) (Result, bool, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return Result{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO results
		(id,attempt_id,revision,test_id,student_id,percentage_score,passed,graded_at,result_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT DO NOTHING`,
		r.ID, r.AttemptID, r.Revision, r.TestID, r.StudentID, r.PercentageScore, r.Passed, toMillis(r.GradedAt), string(buf))
	if err != nil {
		return Result{}, false, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r, true, nil
	}
	var rj string
	err = s.db.QueryRowContext(ctx, `SELECT result_json FROM results WHERE attempt_id=$1 AND revision=$2`,
		r.AttemptID, r.Revision).Scan(&rj)
	if err != nil {
		return Result{}, false, classify(err)
	}
	stored, err := decodeResult(rj)
	return stored, false, err
}

func (s *SQLStore) GetLatestResult(ctx context.Context, attemptID string) (Result, error) {
	var rj string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM results
		WHERE attempt_id=$1 ORDER BY revision DESC LIMIT 1`, attemptID).Scan(&rj)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, classify(err)
	}
	return decodeResult(rj)
}

func (s *SQLStore) ListResultsByTest(ctx context.Context, testID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.result_json FROM results r
		WHERE r.test_id=$1
		  AND r.revision = (SELECT MAX(r2.revision) FROM results r2 WHERE r2.attempt_id = r.attempt_id)
		ORDER BY r.graded_at, r.attempt_id`, testID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var rj string
		if err := rows.Scan(&rj); err != nil {
			return nil, err
		}
		r, err := decodeResult(rj)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (Test, error) {
	var (
		t                      Test
		qjson, status          string
		from, until, publishAt sql.NullInt64
		publishedAt, maxStud   sql.NullInt64
		created, updated       int64
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &qjson, &t.TimeLimitSec, &t.PassingScore, &t.AttemptsAllowed,
		&status, &from, &until, &t.Publication.AccessCode, &maxStud, &publishAt, &publishedAt,
		&t.UnpublishReason, &created, &updated, &t.Version); err != nil {
		return Test{}, err
	}
	if err := json.Unmarshal([]byte(qjson), &t.QuestionIDs); err != nil {
		return Test{}, fmt.Errorf("%w: test %s question list: %v", ErrDataIntegrity, t.ID, err)
	}
	st, err := ParseTestStatus(status)
	if err != nil {
		return Test{}, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	t.Status = st
	t.Publication.AvailableFrom = timePtr(from)
	t.Publication.AvailableUntil = timePtr(until)
	if maxStud.Valid {
		n := int(maxStud.Int64)
		t.Publication.MaxStudents = &n
	}
	t.PublishAt = timePtr(publishAt)
	t.PublishedAt = timePtr(publishedAt)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func scanSession(row rowScanner) (Session, error) {
	var (
		se                Session
		started, deadline int64
		submitted         sql.NullInt64
		status, trigger   string
	)
	if err := row.Scan(&se.ID, &se.TestID, &se.StudentID, &se.AttemptNumber, &started, &deadline,
		&submitted, &status, &trigger, &se.AccessCodeUsed); err != nil {
		return Session{}, err
	}
	st, err := ParseSessionStatus(status)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	se.Status = st
	se.Trigger = SubmitTrigger(trigger)
	se.StartedAt = fromMillis(started)
	se.Deadline = fromMillis(deadline)
	se.SubmittedAt = timePtr(submitted)
	se.Answers = map[string]string{}
	return se, nil
}

func decodeResult(raw string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, fmt.Errorf("%w: result json: %v", ErrDataIntegrity, err)
	}
	return r, nil
}

// --- helpers ---

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") // sqlite
}

// classify marks connection-level failures as transient so callers may retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		pgconn.SafeToRetry(err),
		errors.As(err, &netErr),
		strings.Contains(err.Error(), "database is locked"): // sqlite busy
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
