package foreman

import (
	"context"
	"database/sql"
	"encoding/json"
	"path"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/keegancsmith/sqlf"
)

const namespaceColumns = "id, path, parent_id, runners_token, max_artifacts_size"

type scanner interface {
	Scan(dest ...any) error
}

func scanNamespace(row scanner) (*api.Namespace, error) {
	var (
		ns       api.Namespace
		parentID sql.NullInt64
		maxSize  sql.NullInt64
	)
	if err := row.Scan(&ns.ID, &ns.Path, &parentID, &ns.RunnersToken, &maxSize); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	ns.ParentID = int64Ptr(parentID)
	ns.MaxArtifactsSize = int64Ptr(maxSize)
	return &ns, nil
}

func (s *Store) namespaceWhere(ctx context.Context, cond *sqlf.Query) (*api.Namespace, error) {
	q := sqlf.Sprintf("SELECT "+namespaceColumns+" FROM namespaces WHERE %v", cond)
	return scanNamespace(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
}

func (s *Store) NamespaceByID(ctx context.Context, id int64) (*api.Namespace, error) {
	return s.namespaceWhere(ctx, sqlf.Sprintf("id=%v", id))
}

func (s *Store) NamespaceByPath(ctx context.Context, path string) (*api.Namespace, error) {
	return s.namespaceWhere(ctx, sqlf.Sprintf("path=%v", path))
}

func (s *Store) NamespaceByRunnersToken(ctx context.Context, token string) (*api.Namespace, error) {
	return s.namespaceWhere(ctx, sqlf.Sprintf("runners_token=%v", token))
}

// UpsertNamespace creates or updates a namespace. The parent namespace ("a" for "a/b") must
// exist.
func (s *Store) UpsertNamespace(ctx context.Context, nsPath string, maxArtifactsSize *int64) (*api.Namespace, error) {
	existing, err := s.NamespaceByPath(ctx, nsPath)
	if err != nil && err != ErrNotFound {
		return nil, errors.Wrap(err, "NamespaceByPath")
	}
	if existing != nil {
		q := sqlf.Sprintf("UPDATE namespaces SET max_artifacts_size=%v WHERE id=%v", nullable(maxArtifactsSize), existing.ID)
		if _, err := s.exec(ctx, q); err != nil {
			return nil, errors.Wrap(err, "ExecContext")
		}
		return s.NamespaceByID(ctx, existing.ID)
	}

	var parentID *int64
	if parent := path.Dir(nsPath); parent != "." && parent != "/" {
		p, err := s.NamespaceByPath(ctx, parent)
		if err != nil {
			return nil, errors.Wrapf(err, "parent namespace %q", parent)
		}
		parentID = &p.ID
	}
	token, err := ci.NewToken("GR1348941")
	if err != nil {
		return nil, errors.Wrap(err, "NewToken")
	}
	q := sqlf.Sprintf(
		"INSERT INTO namespaces(path, parent_id, runners_token, max_artifacts_size) VALUES(%v, %v, %v, %v)",
		nsPath, nullable(parentID), token, nullable(maxArtifactsSize),
	)
	res, err := s.exec(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "ExecContext")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "LastInsertId")
	}
	return s.NamespaceByID(ctx, id)
}

// NamespaceChain returns a namespace and its ancestors, ordered from the namespace itself up to
// the root.
func (s *Store) NamespaceChain(ctx context.Context, id *int64) ([]api.Namespace, error) {
	var chain []api.Namespace
	for id != nil {
		ns, err := s.NamespaceByID(ctx, *id)
		if err != nil {
			return nil, errors.Wrap(err, "NamespaceByID")
		}
		chain = append(chain, *ns)
		if len(chain) > 64 {
			return nil, errors.New("namespace chain too deep")
		}
		id = ns.ParentID
	}
	return chain, nil
}

const projectColumns = `id, path, namespace_id, runners_token, builds_enabled, shared_runners_enabled,
	group_runners_enabled, build_timeout, default_git_depth, max_artifacts_size, protected_refs`

func scanProject(row scanner) (*api.Project, error) {
	var (
		p             api.Project
		namespaceID   sql.NullInt64
		depth         sql.NullInt64
		maxSize       sql.NullInt64
		protectedRefs string
	)
	err := row.Scan(&p.ID, &p.Path, &namespaceID, &p.RunnersToken, &p.BuildsEnabled, &p.SharedRunnersEnabled,
		&p.GroupRunnersEnabled, &p.BuildTimeout, &depth, &maxSize, &protectedRefs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "Scan")
	}
	p.NamespaceID = int64Ptr(namespaceID)
	p.DefaultGitDepth = intPtr(depth)
	p.MaxArtifactsSize = int64Ptr(maxSize)
	if err := json.Unmarshal([]byte(protectedRefs), &p.ProtectedRefs); err != nil {
		return nil, errors.Wrap(err, "Unmarshal(protected_refs)")
	}
	return &p, nil
}

func (s *Store) projectWhere(ctx context.Context, cond *sqlf.Query) (*api.Project, error) {
	q := sqlf.Sprintf("SELECT "+projectColumns+" FROM projects WHERE %v", cond)
	return scanProject(s.db.QueryRowContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...))
}

func (s *Store) ProjectByID(ctx context.Context, id int64) (*api.Project, error) {
	return s.projectWhere(ctx, sqlf.Sprintf("id=%v", id))
}

func (s *Store) ProjectByPath(ctx context.Context, path string) (*api.Project, error) {
	return s.projectWhere(ctx, sqlf.Sprintf("path=%v", path))
}

func (s *Store) ProjectByRunnersToken(ctx context.Context, token string) (*api.Project, error) {
	return s.projectWhere(ctx, sqlf.Sprintf("runners_token=%v", token))
}

// UpsertProject creates or updates a project. Unset fields keep their current value, or take
// the defaults for a new project: builds, shared and group runners enabled.
func (s *Store) UpsertProject(ctx context.Context, r *api.ProjectUpsertRequest, defaultBuildTimeout int) (*api.Project, error) {
	p, err := s.ProjectByPath(ctx, r.Path)
	if err != nil && err != ErrNotFound {
		return nil, errors.Wrap(err, "ProjectByPath")
	}
	isNew := p == nil
	if isNew {
		p = &api.Project{
			Path:                 r.Path,
			BuildsEnabled:        true,
			SharedRunnersEnabled: true,
			GroupRunnersEnabled:  true,
			BuildTimeout:         defaultBuildTimeout,
			ProtectedRefs:        []string{},
		}
		if ns := path.Dir(r.Path); ns != "." && ns != "/" {
			namespace, err := s.NamespaceByPath(ctx, ns)
			if err != nil {
				return nil, errors.Wrapf(err, "namespace %q", ns)
			}
			p.NamespaceID = &namespace.ID
		}
		p.RunnersToken, err = ci.NewToken("GR1348941")
		if err != nil {
			return nil, errors.Wrap(err, "NewToken")
		}
	}
	if r.BuildsEnabled != nil {
		p.BuildsEnabled = *r.BuildsEnabled
	}
	if r.SharedRunnersEnabled != nil {
		p.SharedRunnersEnabled = *r.SharedRunnersEnabled
	}
	if r.GroupRunnersEnabled != nil {
		p.GroupRunnersEnabled = *r.GroupRunnersEnabled
	}
	if r.BuildTimeout != nil {
		p.BuildTimeout = *r.BuildTimeout
	}
	if r.DefaultGitDepth != nil {
		p.DefaultGitDepth = r.DefaultGitDepth
	}
	if r.MaxArtifactsSize != nil {
		p.MaxArtifactsSize = r.MaxArtifactsSize
		if *r.MaxArtifactsSize < 0 {
			p.MaxArtifactsSize = nil
		}
	}
	if r.ProtectedRefs != nil {
		p.ProtectedRefs = *r.ProtectedRefs
	}

	var q *sqlf.Query
	if isNew {
		q = sqlf.Sprintf(`INSERT INTO projects(path, namespace_id, runners_token, builds_enabled, shared_runners_enabled,
			group_runners_enabled, build_timeout, default_git_depth, max_artifacts_size, protected_refs)
			VALUES(%v, %v, %v, %v, %v, %v, %v, %v, %v, %v)`,
			p.Path, nullable(p.NamespaceID), p.RunnersToken, p.BuildsEnabled, p.SharedRunnersEnabled,
			p.GroupRunnersEnabled, p.BuildTimeout, nullable(p.DefaultGitDepth), nullable(p.MaxArtifactsSize), jsonString(p.ProtectedRefs),
		)
	} else {
		q = sqlf.Sprintf(`UPDATE projects SET builds_enabled=%v, shared_runners_enabled=%v, group_runners_enabled=%v,
			build_timeout=%v, default_git_depth=%v, max_artifacts_size=%v, protected_refs=%v WHERE id=%v`,
			p.BuildsEnabled, p.SharedRunnersEnabled, p.GroupRunnersEnabled,
			p.BuildTimeout, nullable(p.DefaultGitDepth), nullable(p.MaxArtifactsSize), jsonString(p.ProtectedRefs), p.ID,
		)
	}
	res, err := s.exec(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "ExecContext")
	}
	if isNew {
		if p.ID, err = res.LastInsertId(); err != nil {
			return nil, errors.Wrap(err, "LastInsertId")
		}
	}
	return s.ProjectByID(ctx, p.ID)
}

func (s *Store) UpsertVariable(ctx context.Context, projectID int64, v api.Variable) error {
	q := sqlf.Sprintf(
		`INSERT INTO variables(project_id, key, value, protected, masked) VALUES(%v, %v, %v, %v, %v)
		ON CONFLICT(project_id, key) DO UPDATE SET value=excluded.value, protected=excluded.protected, masked=excluded.masked`,
		projectID, v.Key, v.Value, v.Protected, v.Masked,
	)
	_, err := s.exec(ctx, q)
	return err
}

func (s *Store) DeleteVariable(ctx context.Context, projectID int64, key string) error {
	res, err := s.exec(ctx, sqlf.Sprintf("DELETE FROM variables WHERE project_id=%v AND key=%v", projectID, key))
	if err != nil {
		return errors.Wrap(err, "ExecContext")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Variables(ctx context.Context, projectID int64) ([]ci.ProjectVariable, error) {
	q := sqlf.Sprintf(`SELECT key, value, protected, masked FROM variables WHERE project_id=%v ORDER BY key`, projectID)

	rows, err := s.db.QueryContext(ctx, q.Query(sqlf.SimpleBindVar), q.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "QueryContext")
	}
	defer rows.Close()

	var vars []ci.ProjectVariable
	for rows.Next() {
		var v ci.ProjectVariable
		if err = rows.Scan(&v.Key, &v.Value, &v.Protected, &v.Masked); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}
