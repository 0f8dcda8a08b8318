package foreman

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/keegancsmith/sqlf"
)

// Runner is a registered runner together with its credential.
type Runner struct {
	api.Runner
	Token        string
	QueueVersion int64
}

func (r *Runner) matcher() ci.RunnerMatcher {
	return ci.RunnerMatcher{RunUntagged: r.RunUntagged, Tags: r.Tags, AccessLevel: r.AccessLevel}
}

const runnerColumns = `id, token, runner_type, namespace_id, description, active, locked, run_untagged, tags,
	access_level, maximum_timeout, contacted_at, ip_address, info, queue_version, created_at`

func scanRunner(row scanner) (*Runner, error) {
	var (
		r           Runner
		namespaceID sql.NullInt64
		maxTimeout  sql.NullInt64
		contactedAt sql.NullTime
		tags, info  string
	)
	err := row.Scan(&r.ID, &r.Token, &r.Type, &namespaceID, &r.Description, &r.Active, &r.Locked, &r.RunUntagged, &tags,
		&r.AccessLevel, &maxTimeout, &contactedAt, &r.IPAddress, &info, &r.QueueVersion, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	r.NamespaceID = int64Ptr(namespaceID)
	r.MaximumTimeout = intPtr(maxTimeout)
	if t := timePtr(contactedAt); t != nil {
		r.ContactedAt = *t
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, errors.Wrap(err, "Unmarshal(tags)")
	}
	if err := json.Unmarshal([]byte(info), &r.Info); err != nil {
		return nil, errors.Wrap(err, "Unmarshal(info)")
	}
	return &r, nil
}

func (s *Store) runnerWhere(ctx context.Context, cond *sqlf.Query) (*Runner, error) {
	q := sqlf.Sprintf("SELECT "+runnerColumns+" FROM runners WHERE %v", cond)
	r, err := scanRunner(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
	if err != nil {
		return nil, err
	}
	r.ProjectIDs, err = s.RunnerProjects(ctx, r.ID)
	if err != nil {
		return nil, errors.Wrap(err, "RunnerProjects")
	}
	return r, nil
}

func (s *Store) RunnerByID(ctx context.Context, id int64) (*Runner, error) {
	return s.runnerWhere(ctx, sqlf.Sprintf("id=%v", id))
}

func (s *Store) RunnerByToken(ctx context.Context, token string) (*Runner, error) {
	return s.runnerWhere(ctx, sqlf.Sprintf("token=%v", token))
}

func (s *Store) Runners(ctx context.Context) ([]Runner, error) {
	q := sqlf.Sprintf("SELECT " + runnerColumns + " FROM runners ORDER BY id")

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	var runners []Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runners = append(runners, *runner)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runners {
		runners[i].ProjectIDs, err = s.RunnerProjects(ctx, runners[i].ID)
		if err != nil {
			return nil, errors.Wrap(err, "RunnerProjects")
		}
	}
	return runners, nil
}

// CreateRunner inserts a runner and, for project runners, its first project assignment.
func (s *Store) CreateRunner(ctx context.Context, r *Runner) (*Runner, error) {
	now := s.nowUTC()
	if r.Tags == nil {
		r.Tags = []string{}
	}
	q := sqlf.Sprintf(`INSERT INTO runners(token, runner_type, namespace_id, description, active, locked, run_untagged,
		tags, access_level, maximum_timeout, contacted_at, ip_address, info, queue_version, created_at)
		VALUES(%v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v, %v)`,
		r.Token, string(r.Type), nullable(r.NamespaceID), r.Description, r.Active, r.Locked, r.RunUntagged,
		jsonString(r.Tags), string(r.AccessLevel), nullable(r.MaximumTimeout), now, r.IPAddress, jsonString(r.Info), 1, now,
	)
	res, err := s.exec(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "ExecContext")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "LastInsertId")
	}
	for _, projectID := range r.ProjectIDs {
		if err := s.AssignRunner(ctx, id, projectID); err != nil {
			return nil, errors.Wrap(err, "AssignRunner")
		}
	}
	return s.RunnerByID(ctx, id)
}

// UpdateRunner writes the user-controlled attributes of a runner.
func (s *Store) UpdateRunner(ctx context.Context, r *Runner) error {
	q := sqlf.Sprintf(`UPDATE runners SET description=%v, active=%v, locked=%v, run_untagged=%v, tags=%v,
		access_level=%v, maximum_timeout=%v WHERE id=%v`,
		r.Description, r.Active, r.Locked, r.RunUntagged, jsonString(r.Tags),
		string(r.AccessLevel), nullable(r.MaximumTimeout), r.ID,
	)
	_, err := s.exec(ctx, q)
	return err
}

// RunnerContacted records a runner's poll: when, from where and what it reported about itself.
// Fields absent from info keep their stored value.
func (s *Store) RunnerContacted(ctx context.Context, r *Runner, ip string, info *api.RunnerInfo) error {
	merged := r.Info
	if info != nil {
		set := func(dst *string, src string) {
			if src != "" {
				*dst = src
			}
		}
		set(&merged.Name, info.Name)
		set(&merged.Version, info.Version)
		set(&merged.Revision, info.Revision)
		set(&merged.Platform, info.Platform)
		set(&merged.Architecture, info.Architecture)
		set(&merged.Executor, info.Executor)
		if info.Features != nil {
			merged.Features = info.Features
		}
	}
	if ip == "" {
		ip = r.IPAddress
	}
	now := s.nowUTC()
	q := sqlf.Sprintf(`UPDATE runners SET contacted_at=%v, ip_address=%v, info=%v WHERE id=%v`,
		now, ip, jsonString(merged), r.ID)
	if _, err := s.exec(ctx, q); err != nil {
		return err
	}
	r.ContactedAt, r.IPAddress, r.Info = now, ip, merged
	return nil
}

// DeleteRunner removes a runner and its project assignments.
func (s *Store) DeleteRunner(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM runner_projects WHERE runner_id=%v", id)); err != nil {
		return errors.Wrap(err, "ExecContext(runner_projects)")
	}
	res, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM runners WHERE id=%v", id))
	if err != nil {
		return errors.Wrap(err, "ExecContext(runners)")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AssignRunner(ctx context.Context, runnerID, projectID int64) error {
	q := sqlf.Sprintf("INSERT OR IGNORE INTO runner_projects(runner_id, project_id) VALUES(%v, %v)", runnerID, projectID)
	_, err := s.exec(ctx, q)
	return err
}

func (s *Store) RunnerProjects(ctx context.Context, runnerID int64) ([]int64, error) {
	q := sqlf.Sprintf("SELECT project_id FROM runner_projects WHERE runner_id=%v ORDER BY project_id", runnerID)

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TickQueue increments the queue version of runners, invalidating the version token they hold.
func (s *Store) TickQueue(ctx context.Context, runnerIDs ...int64) error {
	if len(runnerIDs) == 0 {
		return nil
	}
	ids := make([]*sqlf.Query, 0, len(runnerIDs))
	for _, id := range runnerIDs {
		ids = append(ids, sqlf.Sprintf("%v", id))
	}
	q := sqlf.Sprintf("UPDATE runners SET queue_version=queue_version+1 WHERE id IN (%v)", sqlf.Join(ids, ","))
	_, err := s.exec(ctx, q)
	return err
}
