package foreman

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/jxskiss/base62"
	"golang.org/x/exp/slices"
)

// queueToken renders a runner's queue version as the opaque X-GitLab-Last-Update value.
func queueToken(version int64) string {
	return base62.EncodeToString([]byte(strconv.FormatInt(version, 10)))
}

// pick is a job claimed by a runner along with everything needed to describe it.
type pick struct {
	job      *Job
	pipeline *Pipeline
	project  *api.Project
	deps     []*Job
}

// queueScan caches the rows a queue scan reads repeatedly.
type queueScan struct {
	s         *Server
	projects  map[int64]*api.Project
	pipelines map[int64]*Pipeline
	chains    map[int64][]int64
	siblings  map[int64][]*Job
}

func (s *Server) newQueueScan() *queueScan {
	return &queueScan{
		s:         s,
		projects:  map[int64]*api.Project{},
		pipelines: map[int64]*Pipeline{},
		chains:    map[int64][]int64{},
		siblings:  map[int64][]*Job{},
	}
}

func (q *queueScan) project(ctx context.Context, id int64) (*api.Project, error) {
	if p, ok := q.projects[id]; ok {
		return p, nil
	}
	p, err := q.s.store.ProjectByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "ProjectByID")
	}
	q.projects[id] = p
	return p, nil
}

func (q *queueScan) pipeline(ctx context.Context, id int64) (*Pipeline, error) {
	if p, ok := q.pipelines[id]; ok {
		return p, nil
	}
	p, err := q.s.store.PipelineByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "PipelineByID")
	}
	q.pipelines[id] = p
	return p, nil
}

// namespaceIDs returns the IDs of a project's namespace and all its ancestors.
func (q *queueScan) namespaceIDs(ctx context.Context, project *api.Project) ([]int64, error) {
	if ids, ok := q.chains[project.ID]; ok {
		return ids, nil
	}
	chain, err := q.s.store.NamespaceChain(ctx, project.NamespaceID)
	if err != nil {
		return nil, errors.Wrap(err, "NamespaceChain")
	}
	ids := make([]int64, 0, len(chain))
	for _, ns := range chain {
		ids = append(ids, ns.ID)
	}
	q.chains[project.ID] = ids
	return ids, nil
}

// stageState reports whether the earlier stages of a job's pipeline have finished. blocked is
// true when one of them failed without allow_failure, so the job can never run.
func (q *queueScan) stageState(ctx context.Context, job *Job) (ready, blocked bool, err error) {
	siblings, ok := q.siblings[job.PipelineID]
	if !ok {
		siblings, err = q.s.store.Jobs(ctx, JobsFilter{PipelineID: job.PipelineID})
		if err != nil {
			return false, false, errors.Wrap(err, "Jobs")
		}
		q.siblings[job.PipelineID] = siblings
	}
	ready = true
	for _, other := range siblings {
		if other.StageIdx >= job.StageIdx || other.Retried {
			continue
		}
		switch other.Status {
		case ci.StatusSuccess:
		case ci.StatusFailed, ci.StatusCanceled:
			if !other.Definition.AllowFailure {
				blocked = true
			}
		default:
			ready = false
		}
	}
	return ready && !blocked, blocked, nil
}

// canPick reports whether a runner is eligible to run a pending job.
func (q *queueScan) canPick(ctx context.Context, runner *Runner, job *Job) (bool, error) {
	project, err := q.project(ctx, job.ProjectID)
	if err != nil {
		return false, err
	}
	if !project.BuildsEnabled {
		return false, nil
	}
	switch runner.Type {
	case ci.RunnerInstance:
		if !project.SharedRunnersEnabled {
			return false, nil
		}
	case ci.RunnerGroup:
		if !project.GroupRunnersEnabled || runner.NamespaceID == nil {
			return false, nil
		}
		ids, err := q.namespaceIDs(ctx, project)
		if err != nil {
			return false, err
		}
		if !slices.Contains(ids, *runner.NamespaceID) {
			return false, nil
		}
	case ci.RunnerProject:
		if !slices.Contains(runner.ProjectIDs, project.ID) {
			return false, nil
		}
	default:
		return false, nil
	}
	pipeline, err := q.pipeline(ctx, job.PipelineID)
	if err != nil {
		return false, err
	}
	return runner.matcher().Matches(ci.JobMatcher{Tags: job.Tags, Protected: pipeline.Protected}), nil
}

// resolveDependencies returns the jobs whose artifacts a job receives. ok is false when one
// of them can no longer provide its artifacts.
func (s *Server) resolveDependencies(ctx context.Context, job *Job, pipeline *Pipeline) (deps []*Job, ok bool, err error) {
	siblings, err := s.store.Jobs(ctx, JobsFilter{PipelineID: job.PipelineID})
	if err != nil {
		return nil, false, errors.Wrap(err, "Jobs")
	}
	byID := map[int64]*Job{}
	var candidates []ci.DependencyCandidate
	for i := len(siblings) - 1; i >= 0; i-- {
		sibling := siblings[i]
		if sibling.StageIdx >= job.StageIdx || sibling.Retried {
			continue
		}
		byID[sibling.ID] = sibling
		candidates = append(candidates, ci.DependencyCandidate{ID: sibling.ID, Name: sibling.Name})
	}

	now := s.now()
	for _, c := range ci.FilterDependencies(job.Definition.Dependencies, candidates) {
		dep := byID[c.ID]
		if dep.Erased() {
			return nil, false, nil
		}
		archive, err := s.store.ArtifactByType(ctx, dep.ID, ci.FileArchive)
		if err != nil && err != ErrNotFound {
			return nil, false, errors.Wrap(err, "ArtifactByType")
		}
		if archive != nil && archive.Expired(now) && !pipeline.ArtifactsLocked {
			return nil, false, nil
		}
		deps = append(deps, dep)
	}
	return deps, true, nil
}

// pickJob claims the first eligible pending job for a runner. stale is true when nothing was
// claimed and at least one candidate changed under us.
func (s *Server) pickJob(ctx context.Context, runner *Runner, jobAge int) (p *pick, stale bool, err error) {
	pending, err := s.store.Jobs(ctx, JobsFilter{Status: ci.StatusPending})
	if err != nil {
		return nil, false, errors.Wrap(err, "Jobs(pending)")
	}

	scan := s.newQueueScan()
	now := s.now()
	byID := map[int64]*Job{}
	var candidates []ci.Candidate
	for _, job := range pending {
		if !ci.OldEnough(job.QueuedAt, now, jobAge) {
			continue
		}
		ready, blocked, err := scan.stageState(ctx, job)
		if err != nil {
			return nil, false, err
		}
		if blocked {
			if err := s.skipJob(ctx, job); err != nil && !errors.Is(err, ErrStale) {
				return nil, false, err
			}
			continue
		}
		if !ready {
			continue
		}
		ok, err := scan.canPick(ctx, runner, job)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		byID[job.ID] = job
		candidates = append(candidates, ci.Candidate{JobID: job.ID, ProjectID: job.ProjectID, QueuedAt: job.QueuedAt})
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	if runner.Type == ci.RunnerInstance {
		running, err := s.store.RunningOnInstanceRunners(ctx)
		if err != nil {
			return nil, false, errors.Wrap(err, "RunningOnInstanceRunners")
		}
		ci.FairOrder(candidates, running)
	} else {
		ci.FIFOOrder(candidates)
	}

	for _, c := range candidates {
		job := byID[c.JobID]
		pipeline, err := scan.pipeline(ctx, job.PipelineID)
		if err != nil {
			return nil, false, err
		}
		deps, ok, err := s.resolveDependencies(ctx, job, pipeline)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if err := s.dropJob(ctx, job, ci.FailureMissingDependency); err != nil && !errors.Is(err, ErrStale) {
				return nil, false, err
			}
			continue
		}
		if err := s.store.ClaimJob(ctx, job, runner.ID); err != nil {
			if errors.Is(err, ErrStale) {
				stale = true
				continue
			}
			return nil, false, errors.Wrap(err, "ClaimJob")
		}
		project, err := scan.project(ctx, job.ProjectID)
		if err != nil {
			return nil, false, err
		}
		return &pick{job: job, pipeline: pipeline, project: project, deps: deps}, false, nil
	}
	return nil, stale, nil
}

// dropJob fails a job the server will not hand out.
func (s *Server) dropJob(ctx context.Context, job *Job, reason ci.FailureReason) error {
	if err := s.store.TransitionJob(ctx, job, ci.StatusFailed, reason, nil); err != nil {
		return err
	}
	s.idLogf(jobLogID(job.ID), "job %d dropped: %s", job.ID, reason)
	return s.advancePipeline(ctx, job.PipelineID)
}

// skipJob cancels a pending job whose earlier stages failed.
func (s *Server) skipJob(ctx context.Context, job *Job) error {
	if err := s.store.TransitionJob(ctx, job, ci.StatusCanceled, "", nil); err != nil {
		return err
	}
	s.idLogf(jobLogID(job.ID), "job %d skipped: an earlier stage failed", job.ID)
	return s.advancePipeline(ctx, job.PipelineID)
}

// advancePipeline wakes the runners that may pick jobs of a pipeline after one of its jobs
// finished.
func (s *Server) advancePipeline(ctx context.Context, pipelineID int64) error {
	pending, err := s.store.Jobs(ctx, JobsFilter{PipelineID: pipelineID, Status: ci.StatusPending})
	if err != nil {
		return errors.Wrap(err, "Jobs")
	}
	if len(pending) == 0 {
		return nil
	}
	return s.tickRunnersFor(ctx, pending...)
}

// tickRunnersFor invalidates the queue token of every runner that could pick job.
func (s *Server) tickRunnersFor(ctx context.Context, jobs ...*Job) error {
	runners, err := s.store.Runners(ctx)
	if err != nil {
		return errors.Wrap(err, "Runners")
	}
	scan := s.newQueueScan()
	var ids []int64
	for i := range runners {
		runner := &runners[i]
		for _, job := range jobs {
			ok, err := scan.canPick(ctx, runner, job)
			if err != nil {
				return err
			}
			if ok {
				ids = append(ids, runner.ID)
				break
			}
		}
	}
	return errors.Wrap(s.store.TickQueue(ctx, ids...), "TickQueue")
}

func (s *Server) httpServeJobRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return newAPIError(http.StatusMethodNotAllowed, "405 Method Not Allowed")
	}
	var req api.JobRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	ctx := r.Context()
	runner, err := s.authenticateRunner(ctx, req.Token)
	if err != nil {
		return err
	}
	if err := s.store.RunnerContacted(ctx, runner, clientIP(r), req.Info); err != nil {
		return errors.Wrap(err, "RunnerContacted")
	}

	version := queueToken(runner.QueueVersion)
	noJob := func() error {
		w.Header().Set(api.HeaderLastUpdate, version)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	if !runner.Active {
		return noJob()
	}
	if req.LastUpdate == version && req.JobAge == 0 {
		return noJob()
	}

	p, stale, err := s.pickJob(ctx, runner, req.JobAge)
	if err != nil {
		return err
	}
	if p == nil {
		if stale {
			return errConflict()
		}
		return noJob()
	}

	if created, err := s.store.RecordPipelineRef(ctx, p.pipeline.ID, ci.PersistentRef(p.pipeline.ID), p.pipeline.SHA); err != nil {
		s.idLogf(jobLogID(p.job.ID), "recording persistent ref: %v", err)
	} else if created {
		s.idLogf(jobLogID(p.job.ID), "persistent ref %s -> %s", ci.PersistentRef(p.pipeline.ID), p.pipeline.SHA)
	}

	resp, err := s.describeJob(ctx, runner, p)
	if err != nil {
		return errors.Wrap(err, "describeJob")
	}
	s.idLogf(jobLogID(p.job.ID), "job %d picked by runner %d (%s)", p.job.ID, runner.ID, runner.Description)
	return writeJSON(w, http.StatusCreated, resp)
}
