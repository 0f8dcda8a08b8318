package foreman

import (
	"context"
	"database/sql"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/keegancsmith/sqlf"
)

// Artifact is a stored artifact file of a job. FileKey addresses it in the local or remote
// object store.
type Artifact struct {
	ID        int64
	JobID     int64
	FileType  ci.FileType
	Format    ci.FileFormat
	Filename  string
	FileKey   string
	Size      int64
	SHA256    string
	Remote    bool
	ExpireAt  *time.Time
	CreatedAt time.Time
}

// Expired reports whether the artifact expired at time now.
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpireAt != nil && !a.ExpireAt.After(now)
}

const artifactColumns = "id, job_id, file_type, file_format, filename, file_key, size, sha256, remote, expire_at, created_at"

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		a                    Artifact
		fileType, fileFormat string
		expireAt             sql.NullTime
	)
	err := row.Scan(&a.ID, &a.JobID, &fileType, &fileFormat, &a.Filename, &a.FileKey, &a.Size, &a.SHA256, &a.Remote,
		&expireAt, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	a.FileType, a.Format = ci.FileType(fileType), ci.FileFormat(fileFormat)
	a.ExpireAt = timePtr(expireAt)
	return &a, nil
}

func (s *Store) queryArtifacts(ctx context.Context, q *sqlf.Query) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// UpsertArtifact stores an artifact row. A job has at most one artifact per file type; storing
// the same type again replaces the previous row and returns the replaced file key.
func (s *Store) UpsertArtifact(ctx context.Context, a *Artifact) (replacedKey string, replacedRemote bool, err error) {
	previous, err := s.ArtifactByType(ctx, a.JobID, a.FileType)
	if err != nil && err != ErrNotFound {
		return "", false, errors.Wrap(err, "ArtifactByType")
	}
	a.CreatedAt = s.nowUTC()
	q := sqlf.Sprintf(`INSERT INTO job_artifacts(job_id, file_type, file_format, filename, file_key, size, sha256, remote,
		expire_at, created_at) VALUES(%v, %v, %v, %v, %v, %v, %v, %v, %v, %v)
		ON CONFLICT(job_id, file_type) DO UPDATE SET file_format=excluded.file_format, filename=excluded.filename,
		file_key=excluded.file_key, size=excluded.size, sha256=excluded.sha256, remote=excluded.remote,
		expire_at=excluded.expire_at, created_at=excluded.created_at`,
		a.JobID, string(a.FileType), string(a.Format), a.Filename, a.FileKey, a.Size, a.SHA256, a.Remote,
		nullable(a.ExpireAt), a.CreatedAt,
	)
	if _, err := s.exec(ctx, q); err != nil {
		return "", false, errors.Wrap(err, "ExecContext")
	}
	stored, err := s.ArtifactByType(ctx, a.JobID, a.FileType)
	if err != nil {
		return "", false, errors.Wrap(err, "ArtifactByType")
	}
	a.ID = stored.ID
	if previous != nil && previous.FileKey != a.FileKey {
		return previous.FileKey, previous.Remote, nil
	}
	return "", false, nil
}

func (s *Store) ArtifactByType(ctx context.Context, jobID int64, fileType ci.FileType) (*Artifact, error) {
	q := sqlf.Sprintf("SELECT "+artifactColumns+" FROM job_artifacts WHERE job_id=%v AND file_type=%v", jobID, string(fileType))
	return scanArtifact(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
}

func (s *Store) JobArtifacts(ctx context.Context, jobID int64) ([]*Artifact, error) {
	return s.queryArtifacts(ctx, sqlf.Sprintf("SELECT "+artifactColumns+" FROM job_artifacts WHERE job_id=%v ORDER BY file_type", jobID))
}

// ExpiredArtifacts returns artifacts that expired at time now and are not kept alive by the
// artifact lock of the latest pipeline of their ref.
func (s *Store) ExpiredArtifacts(ctx context.Context, now time.Time) ([]*Artifact, error) {
	q := sqlf.Sprintf(`SELECT `+prefixColumns("a.", artifactColumns)+` FROM job_artifacts a
		JOIN jobs j ON j.id = a.job_id
		JOIN pipelines p ON p.id = j.pipeline_id
		WHERE a.expire_at IS NOT NULL AND a.expire_at <= %v AND p.artifacts_locked = %v
		ORDER BY a.id`, now.UTC(), false)
	return s.queryArtifacts(ctx, q)
}

func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM job_artifacts WHERE id=%v", id))
	return err
}

func (s *Store) DeleteJobArtifacts(ctx context.Context, jobID int64) error {
	_, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM job_artifacts WHERE job_id=%v", jobID))
	return err
}
