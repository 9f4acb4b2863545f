package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB, tunes the pool for the driver and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:mindengage-quiz.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/mindengage_quiz?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverSQLite:
		// one writer; also keeps a shared in-memory database alive
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Times are stored as unix milliseconds.
const schemaSQLite = `
PRAGMA foreign_keys=ON;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS tests (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL,
  question_ids_json TEXT NOT NULL,
  time_limit_sec INTEGER NOT NULL,
  passing_score REAL NOT NULL,
  attempts_allowed INTEGER NOT NULL,
  status TEXT NOT NULL,
  available_from INTEGER,
  available_until INTEGER,
  access_code TEXT NOT NULL DEFAULT '',
  max_students INTEGER,
  publish_at INTEGER,
  published_at INTEGER,
  unpublish_reason TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS tests_owner ON tests(owner_id);
CREATE INDEX IF NOT EXISTS tests_status_publish_at ON tests(status, publish_at);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  correct_answer TEXT NOT NULL,
  points REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  test_id TEXT NOT NULL REFERENCES tests(id),
  student_id TEXT NOT NULL,
  attempt_number INTEGER NOT NULL,
  started_at INTEGER NOT NULL,
  deadline INTEGER NOT NULL,
  submitted_at INTEGER,
  status TEXT NOT NULL,
  submit_trigger TEXT NOT NULL DEFAULT '',
  access_code_used TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active
  ON sessions(test_id, student_id) WHERE status = 'in_progress';
CREATE UNIQUE INDEX IF NOT EXISTS sessions_attempt_number
  ON sessions(test_id, student_id, attempt_number) WHERE status <> 'abandoned';
CREATE INDEX IF NOT EXISTS sessions_status_deadline ON sessions(status, deadline);

CREATE TABLE IF NOT EXISTS session_answers (
  session_id TEXT NOT NULL REFERENCES sessions(id),
  question_id TEXT NOT NULL,
  answer TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  attempt_id TEXT NOT NULL REFERENCES sessions(id),
  revision INTEGER NOT NULL,
  test_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  percentage_score REAL NOT NULL,
  passed INTEGER NOT NULL,
  graded_at INTEGER NOT NULL,
  result_json TEXT NOT NULL,
  UNIQUE (attempt_id, revision)
);
CREATE INDEX IF NOT EXISTS results_test ON results(test_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  entity_key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tests (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL,
  question_ids_json TEXT NOT NULL,
  time_limit_sec INTEGER NOT NULL,
  passing_score DOUBLE PRECISION NOT NULL,
  attempts_allowed INTEGER NOT NULL,
  status TEXT NOT NULL,
  available_from BIGINT,
  available_until BIGINT,
  access_code TEXT NOT NULL DEFAULT '',
  max_students INTEGER,
  publish_at BIGINT,
  published_at BIGINT,
  unpublish_reason TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  version BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS tests_owner ON tests(owner_id);
CREATE INDEX IF NOT EXISTS tests_status_publish_at ON tests(status, publish_at);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  correct_answer TEXT NOT NULL,
  points DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  test_id TEXT NOT NULL REFERENCES tests(id),
  student_id TEXT NOT NULL,
  attempt_number INTEGER NOT NULL,
  started_at BIGINT NOT NULL,
  deadline BIGINT NOT NULL,
  submitted_at BIGINT,
  status TEXT NOT NULL,
  submit_trigger TEXT NOT NULL DEFAULT '',
  access_code_used TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active
  ON sessions(test_id, student_id) WHERE status = 'in_progress';
CREATE UNIQUE INDEX IF NOT EXISTS sessions_attempt_number
  ON sessions(test_id, student_id, attempt_number) WHERE status <> 'abandoned';
CREATE INDEX IF NOT EXISTS sessions_status_deadline ON sessions(status, deadline);

CREATE TABLE IF NOT EXISTS session_answers (
  session_id TEXT NOT NULL REFERENCES sessions(id),
  question_id TEXT NOT NULL,
  answer TEXT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  attempt_id TEXT NOT NULL REFERENCES sessions(id),
  revision INTEGER NOT NULL,
  test_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  percentage_score DOUBLE PRECISION NOT NULL,
  passed BOOLEAN NOT NULL,
  graded_at BIGINT NOT NULL,
  result_json TEXT NOT NULL,
  UNIQUE (attempt_id, revision)
);
CREATE INDEX IF NOT EXISTS results_test ON results(test_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  entity_key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
