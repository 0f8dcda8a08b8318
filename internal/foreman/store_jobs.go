package foreman

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/keegancsmith/sqlf"
)

type Pipeline struct {
	ID              int64
	ProjectID       int64
	Ref             string
	Tag             bool
	SHA             string
	BeforeSHA       string
	Source          string
	Protected       bool
	Variables       ci.Variables
	ArtifactsLocked bool
	CreatedAt       time.Time
}

func (p *Pipeline) refType() ci.RefType {
	if p.Tag {
		return ci.RefTag
	}
	return ci.RefBranch
}

type Job struct {
	ID            int64
	PipelineID    int64
	ProjectID     int64
	Name          string
	Stage         string
	StageIdx      int
	Tags          []string
	Definition    ci.JobDefinition
	Token         string
	Status        ci.Status
	FailureReason ci.FailureReason
	RunnerID      *int64
	LockVersion   int64
	ExitCode      *int
	ErasedAt      *time.Time
	Retried       bool
	CreatedAt     time.Time
	QueuedAt      time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

func (j *Job) Erased() bool { return j.ErasedAt != nil }

const pipelineColumns = "id, project_id, ref, tag, sha, before_sha, source, protected, variables, artifacts_locked, created_at"

func scanPipeline(row scanner) (*Pipeline, error) {
	var (
		p    Pipeline
		vars string
	)
	err := row.Scan(&p.ID, &p.ProjectID, &p.Ref, &p.Tag, &p.SHA, &p.BeforeSHA, &p.Source, &p.Protected, &vars,
		&p.ArtifactsLocked, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	if err := json.Unmarshal([]byte(vars), &p.Variables); err != nil {
		return nil, errors.Wrap(err, "Unmarshal(variables)")
	}
	return &p, nil
}

func (s *Store) PipelineByID(ctx context.Context, id int64) (*Pipeline, error) {
	q := sqlf.Sprintf("SELECT "+pipelineColumns+" FROM pipelines WHERE id=%v", id)
	return scanPipeline(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
}

// CreatePipeline inserts a pipeline and its jobs in one transaction. The new pipeline becomes
// the latest of its ref, which locks its artifacts and unlocks those of older pipelines.
func (s *Store) CreatePipeline(ctx context.Context, p *Pipeline, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "BeginTx")
	}
	defer tx.Rollback()

	exec := func(q *sqlf.Query) (sql.Result, error) {
		return tx.ExecContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	}

	now := s.nowUTC()
	if p.Variables == nil {
		p.Variables = ci.Variables{}
	}
	p.CreatedAt, p.ArtifactsLocked = now, true
	if _, err := exec(sqlf.Sprintf("UPDATE pipelines SET artifacts_locked=0 WHERE project_id=%v AND ref=%v AND tag=%v",
		p.ProjectID, p.Ref, p.Tag)); err != nil {
		return errors.Wrap(err, "ExecContext(unlock)")
	}
	res, err := exec(sqlf.Sprintf(`INSERT INTO pipelines(project_id, ref, tag, sha, before_sha, source, protected, variables,
		artifacts_locked, created_at) VALUES(%v, %v, %v, %v, %v, %v, %v, %v, %v, %v)`,
		p.ProjectID, p.Ref, p.Tag, p.SHA, p.BeforeSHA, p.Source, p.Protected, jsonString(p.Variables),
		p.ArtifactsLocked, p.CreatedAt,
	))
	if err != nil {
		return errors.Wrap(err, "ExecContext(pipelines)")
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "LastInsertId")
	}

	for _, job := range jobs {
		job.PipelineID = p.ID
		job.ProjectID = p.ProjectID
		res, err := exec(insertJob(job, now))
		if err != nil {
			return errors.Wrapf(err, "ExecContext(jobs %q)", job.Name)
		}
		if job.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "LastInsertId")
		}
	}
	return errors.Wrap(tx.Commit(), "Commit")
}

func insertJob(job *Job, now time.Time) *sqlf.Query {
	if job.Tags == nil {
		job.Tags = []string{}
	}
	job.Status = ci.StatusPending
	job.CreatedAt, job.QueuedAt, job.UpdatedAt = now, now, now
	return sqlf.Sprintf(`INSERT INTO jobs(pipeline_id, project_id, name, stage, stage_idx, tags, definition, token, status,
		failure_reason, lock_version, retried, created_at, queued_at, updated_at)
		VALUES(%v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v)`,
		job.PipelineID, job.ProjectID, job.Name, job.Stage, job.StageIdx, jsonString(job.Tags), jsonString(job.Definition),
		job.Token, string(job.Status), "", 0, false, now, now, now,
	)
}

// CreateJob inserts a single pending job into an existing pipeline.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	res, err := s.exec(ctx, insertJob(job, s.nowUTC()))
	if err != nil {
		return errors.Wrap(err, "ExecContext")
	}
	job.ID, err = res.LastInsertId()
	return errors.Wrap(err, "LastInsertId")
}

const jobColumns = `id, pipeline_id, project_id, name, stage, stage_idx, tags, definition, token, status,
	failure_reason, runner_id, lock_version, exit_code, erased_at, retried, created_at, queued_at, started_at,
	finished_at, updated_at`

func scanJob(row scanner) (*Job, error) {
	var (
		j                               Job
		tags, definition                string
		runnerID, exitCode              sql.NullInt64
		erasedAt, startedAt, finishedAt sql.NullTime
		status, failureReason           string
	)
	err := row.Scan(&j.ID, &j.PipelineID, &j.ProjectID, &j.Name, &j.Stage, &j.StageIdx, &tags, &definition, &j.Token,
		&status, &failureReason, &runnerID, &j.LockVersion, &exitCode, &erasedAt, &j.Retried, &j.CreatedAt,
		&j.QueuedAt, &startedAt, &finishedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	j.Status, j.FailureReason = ci.Status(status), ci.FailureReason(failureReason)
	j.RunnerID, j.ExitCode = int64Ptr(runnerID), intPtr(exitCode)
	j.ErasedAt, j.StartedAt, j.FinishedAt = timePtr(erasedAt), timePtr(startedAt), timePtr(finishedAt)
	j.CreatedAt, j.QueuedAt, j.UpdatedAt = j.CreatedAt.UTC(), j.QueuedAt.UTC(), j.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		return nil, errors.Wrap(err, "Unmarshal(tags)")
	}
	if j.Definition, err = ci.UnmarshalDefinition(definition); err != nil {
		return nil, errors.Wrap(err, "UnmarshalDefinition")
	}
	return &j, nil
}

func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	q := sqlf.Sprintf("SELECT "+jobColumns+" FROM jobs WHERE id=%v", id)
	return scanJob(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
}

type JobsFilter struct {
	ProjectID  int64
	PipelineID int64
	RunnerID   int64
	Status     ci.Status
	Limit      int
}

// Jobs returns jobs matching all filters, newest first unless a status filter asks for the
// pending queue, which is returned oldest first.
func (s *Store) Jobs(ctx context.Context, filters ...JobsFilter) ([]*Job, error) {
	var (
		conds []*sqlf.Query
		limit = -1
		order = "id DESC"
	)
	for _, f := range filters {
		if f.ProjectID != 0 {
			conds = append(conds, sqlf.Sprintf("project_id=%v", f.ProjectID))
		}
		if f.PipelineID != 0 {
			conds = append(conds, sqlf.Sprintf("pipeline_id=%v", f.PipelineID))
		}
		if f.RunnerID != 0 {
			conds = append(conds, sqlf.Sprintf("runner_id=%v", f.RunnerID))
		}
		if f.Status != "" {
			conds = append(conds, sqlf.Sprintf("status=%v", string(f.Status)))
			if f.Status == ci.StatusPending {
				order = "id ASC"
			}
		}
		if f.Limit != 0 {
			limit = f.Limit
		}
	}
	if len(conds) == 0 {
		conds = append(conds, sqlf.Sprintf("TRUE"))
	}
	q := sqlf.Sprintf("SELECT "+jobColumns+" FROM jobs WHERE %v ORDER BY "+order+" LIMIT %v", sqlf.Join(conds, "AND"), limit)

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RunningOnInstanceRunners counts running jobs per project that were picked by instance runners.
func (s *Store) RunningOnInstanceRunners(ctx context.Context) (map[int64]int, error) {
	q := sqlf.Sprintf(`SELECT jobs.project_id, COUNT(*) FROM jobs JOIN runners ON runners.id = jobs.runner_id
		WHERE jobs.status=%v AND runners.runner_type=%v GROUP BY jobs.project_id`,
		string(ci.StatusRunning), string(ci.RunnerInstance))

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	counts := map[int64]int{}
	for rows.Next() {
		var projectID int64
		var count int
		if err := rows.Scan(&projectID, &count); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		counts[projectID] = count
	}
	return counts, rows.Err()
}

func (s *Store) expectOne(res sql.Result, err error) error {
	if err != nil {
		return errors.Wrap(err, "ExecContext")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "RowsAffected")
	}
	if n != 1 {
		return ErrStale
	}
	return nil
}

// ClaimJob moves a pending job to running for a runner. It fails with ErrStale when the job
// is no longer pending or was modified since it was read.
func (s *Store) ClaimJob(ctx context.Context, job *Job, runnerID int64) error {
	now := s.nowUTC()
	q := sqlf.Sprintf(`UPDATE jobs SET status=%v, runner_id=%v, started_at=%v, updated_at=%v, lock_version=lock_version+1
		WHERE id=%v AND status=%v AND lock_version=%v`,
		string(ci.StatusRunning), runnerID, now, now,
		job.ID, string(ci.StatusPending), job.LockVersion,
	)
	if err := s.expectOne(s.exec(ctx, q)); err != nil {
		return err
	}
	job.Status, job.RunnerID, job.StartedAt, job.UpdatedAt = ci.StatusRunning, &runnerID, &now, now
	job.LockVersion++
	return nil
}

// TransitionJob moves a job to a new status. Terminal statuses record the failure reason, the
// exit code and the finish time. It fails with ErrStale when the job was modified since it was
// read.
func (s *Store) TransitionJob(ctx context.Context, job *Job, status ci.Status, reason ci.FailureReason, exitCode *int) error {
	if !job.Status.CanTransition(status) {
		return errors.Wrapf(ErrStale, "%s -> %s", job.Status, status)
	}
	now := s.nowUTC()
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}
	if status != ci.StatusFailed {
		reason = ""
	}
	q := sqlf.Sprintf(`UPDATE jobs SET status=%v, failure_reason=%v, exit_code=%v, finished_at=%v, updated_at=%v,
		lock_version=lock_version+1 WHERE id=%v AND lock_version=%v`,
		string(status), string(reason), nullable(exitCode), nullable(finishedAt), now,
		job.ID, job.LockVersion,
	)
	if err := s.expectOne(s.exec(ctx, q)); err != nil {
		return err
	}
	job.Status, job.FailureReason, job.ExitCode, job.FinishedAt, job.UpdatedAt = status, reason, exitCode, finishedAt, now
	job.LockVersion++
	return nil
}

// TouchJob sets updated_at without changing the lock version.
func (s *Store) TouchJob(ctx context.Context, job *Job) error {
	now := s.nowUTC()
	if _, err := s.exec(ctx, sqlf.Sprintf("UPDATE jobs SET updated_at=%v WHERE id=%v", now, job.ID)); err != nil {
		return errors.Wrap(err, "ExecContext")
	}
	job.UpdatedAt = now
	return nil
}

func (s *Store) EraseJob(ctx context.Context, job *Job) error {
	now := s.nowUTC()
	q := sqlf.Sprintf("UPDATE jobs SET erased_at=%v, updated_at=%v, lock_version=lock_version+1 WHERE id=%v AND lock_version=%v",
		now, now, job.ID, job.LockVersion)
	if err := s.expectOne(s.exec(ctx, q)); err != nil {
		return err
	}
	job.ErasedAt, job.UpdatedAt = &now, now
	job.LockVersion++
	return nil
}

func (s *Store) MarkRetried(ctx context.Context, job *Job) error {
	q := sqlf.Sprintf("UPDATE jobs SET retried=%v WHERE id=%v", true, job.ID)
	if _, err := s.exec(ctx, q); err != nil {
		return errors.Wrap(err, "ExecContext")
	}
	job.Retried = true
	return nil
}

// RecordPipelineRef remembers that a pipeline's persistent ref was created. It reports whether
// it was recorded by this call.
func (s *Store) RecordPipelineRef(ctx context.Context, pipelineID int64, ref, sha string) (bool, error) {
	q := sqlf.Sprintf("INSERT OR IGNORE INTO pipeline_refs(pipeline_id, ref, sha, created_at) VALUES(%v, %v, %v, %v)",
		pipelineID, ref, sha, s.nowUTC())
	res, err := s.exec(ctx, q)
	if err != nil {
		return false, errors.Wrap(err, "ExecContext")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "RowsAffected")
}

// TraceInfo is what the database knows of a job's trace; the bytes live in the trace store.
type TraceInfo struct {
	JobID        int64
	Size         int64
	Checksum     string
	UpdatedAt    time.Time
	WatchedUntil *time.Time
}

func (s *Store) TraceInfo(ctx context.Context, jobID int64) (*TraceInfo, error) {
	q := sqlf.Sprintf("SELECT job_id, size, checksum, updated_at, watched_until FROM traces WHERE job_id=%v", jobID)
	var (
		t       TraceInfo
		watched sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...).Scan(&t.JobID, &t.Size, &t.Checksum, &t.UpdatedAt, &watched)
	if err != nil {
		if err == sql.ErrNoRows {
			return &TraceInfo{JobID: jobID}, nil
		}
		return nil, errors.Wrap(err, "Scan")
	}
	t.WatchedUntil = timePtr(watched)
	return &t, nil
}

// TraceUpdated records the new size and checksum of a job's trace.
func (s *Store) TraceUpdated(ctx context.Context, jobID, size int64, checksum string) error {
	q := sqlf.Sprintf(`INSERT INTO traces(job_id, size, checksum, updated_at) VALUES(%v, %v, %v, %v)
		ON CONFLICT(job_id) DO UPDATE SET size=excluded.size, checksum=excluded.checksum, updated_at=excluded.updated_at`,
		jobID, size, checksum, s.nowUTC())
	_, err := s.exec(ctx, q)
	return err
}

// TraceWatched marks a job's trace as being watched until the given time.
func (s *Store) TraceWatched(ctx context.Context, jobID int64, until time.Time) error {
	q := sqlf.Sprintf(`INSERT INTO traces(job_id, size, checksum, updated_at, watched_until) VALUES(%v, 0, '', %v, %v)
		ON CONFLICT(job_id) DO UPDATE SET watched_until=excluded.watched_until`,
		jobID, s.nowUTC(), until.UTC())
	_, err := s.exec(ctx, q)
	return err
}

func (s *Store) DeleteTraceInfo(ctx context.Context, jobID int64) error {
	_, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM traces WHERE job_id=%v", jobID))
	return err
}
