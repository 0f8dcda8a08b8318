package foreman

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hexops/foreman/internal/errors"
	"github.com/keegancsmith/sqlf"

	_ "modernc.org/sqlite" // from https://gitlab.com/cznic/sqlite
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStale is returned when a row changed since it was read.
	ErrStale = errors.New("stale object")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	// One connection: never issue a query while iterating rows.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensureSchema")
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS logs (
			logid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			id TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS namespaces (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			parent_id INTEGER,
			runners_token TEXT NOT NULL UNIQUE,
			max_artifacts_size INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			namespace_id INTEGER,
			runners_token TEXT NOT NULL UNIQUE,
			builds_enabled BOOLEAN NOT NULL,
			shared_runners_enabled BOOLEAN NOT NULL,
			group_runners_enabled BOOLEAN NOT NULL,
			build_timeout INTEGER NOT NULL,
			default_git_depth INTEGER,
			max_artifacts_size INTEGER,
			protected_refs TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runners (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			runner_type TEXT NOT NULL,
			namespace_id INTEGER,
			description TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			locked BOOLEAN NOT NULL,
			run_untagged BOOLEAN NOT NULL,
			tags TEXT NOT NULL,
			access_level TEXT NOT NULL,
			maximum_timeout INTEGER,
			contacted_at TIMESTAMP,
			ip_address TEXT NOT NULL,
			info TEXT NOT NULL,
			queue_version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runner_projects (
			runner_id INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			PRIMARY KEY (runner_id, project_id)
		);`,
		`CREATE TABLE IF NOT EXISTS variables (
			project_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			protected BOOLEAN NOT NULL,
			masked BOOLEAN NOT NULL,
			PRIMARY KEY (project_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			project_id INTEGER NOT NULL,
			ref TEXT NOT NULL,
			tag BOOLEAN NOT NULL,
			sha TEXT NOT NULL,
			before_sha TEXT NOT NULL,
			source TEXT NOT NULL,
			protected BOOLEAN NOT NULL,
			variables TEXT NOT NULL,
			artifacts_locked BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_refs (
			pipeline_id INTEGER PRIMARY KEY NOT NULL,
			ref TEXT NOT NULL,
			sha TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			pipeline_id INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_idx INTEGER NOT NULL,
			tags TEXT NOT NULL,
			definition TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			runner_id INTEGER,
			lock_version INTEGER NOT NULL,
			exit_code INTEGER,
			erased_at TIMESTAMP,
			retried BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			queued_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status);`,
		`CREATE TABLE IF NOT EXISTS traces (
			job_id INTEGER PRIMARY KEY NOT NULL,
			size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			watched_until TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS job_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			job_id INTEGER NOT NULL,
			file_type TEXT NOT NULL,
			file_format TEXT NOT NULL,
			filename TEXT NOT NULL,
			file_key TEXT NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			remote BOOLEAN NOT NULL,
			expire_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (job_id, file_type)
		);`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// nowUTC is the current time as stored: UTC, so stored values compare as text.
func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

func (s *Store) exec(ctx context.Context, q *sqlf.Query) (sql.Result, error) {
	return s.db.ExecContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
}

// nullable turns a nil pointer into SQL NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

// prefixColumns qualifies a comma separated column list with a table alias.
func prefixColumns(prefix, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = prefix + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func (s *Store) Log(ctx context.Context, id, message string) error {
	q := sqlf.Sprintf(
		"INSERT INTO logs(timestamp, id, message) VALUES(%v, %v, %v)",
		s.nowUTC(),
		id,
		strings.TrimSpace(message),
	)
	_, err := s.exec(ctx, q)
	return err
}

type Log struct {
	Time    time.Time
	Message string
}

func (s *Store) Logs(ctx context.Context, id string) ([]Log, error) {
	q := sqlf.Sprintf(`SELECT timestamp, message FROM logs WHERE id=%v ORDER BY logid`, id)

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var log Log
		if err = rows.Scan(&log.Time, &log.Message); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) LogIDs(ctx context.Context) ([]string, error) {
	q := sqlf.Sprintf(`SELECT DISTINCT id FROM logs ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
