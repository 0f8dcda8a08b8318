package foreman

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
)

// notFoundAs turns ErrNotFound into a 400 naming what was missing.
func notFoundAs(err error, what string) error {
	if errors.Is(err, ErrNotFound) {
		return errBadRequest(what + " not found")
	}
	return err
}

func (s *Server) httpServeNamespaceUpsert(ctx context.Context, r *api.NamespaceUpsertRequest) (*api.NamespaceUpsertResponse, error) {
	if r.Path == "" {
		return nil, errBadRequest("Path is required")
	}
	ns, err := s.store.UpsertNamespace(ctx, r.Path, r.MaxArtifactsSize)
	if err != nil {
		return nil, notFoundAs(err, "parent namespace")
	}
	s.logf("namespace upserted: %s", ns.Path)
	return &api.NamespaceUpsertResponse{Namespace: *ns}, nil
}

func (s *Server) httpServeProjectUpsert(ctx context.Context, r *api.ProjectUpsertRequest) (*api.ProjectUpsertResponse, error) {
	if r.Path == "" {
		return nil, errBadRequest("Path is required")
	}
	if r.ProtectedRefs != nil {
		for _, pattern := range *r.ProtectedRefs {
			if !doublestar.ValidatePattern(pattern) {
				return nil, errBadRequest("invalid protected ref pattern: " + pattern)
			}
		}
	}
	project, err := s.store.UpsertProject(ctx, r, s.Config.buildTimeout())
	if err != nil {
		return nil, notFoundAs(err, "namespace")
	}
	s.logf("project upserted: %s", project.Path)

	// Settings may have made pending jobs eligible for runners that polled before.
	pending, err := s.store.Jobs(ctx, JobsFilter{ProjectID: project.ID, Status: ci.StatusPending})
	if err != nil {
		return nil, errors.Wrap(err, "Jobs")
	}
	if len(pending) > 0 {
		if err := s.tickRunnersFor(ctx, pending...); err != nil {
			return nil, err
		}
	}
	return &api.ProjectUpsertResponse{Project: *project}, nil
}

func (s *Server) projectByPath(ctx context.Context, path string) (*api.Project, error) {
	project, err := s.store.ProjectByPath(ctx, path)
	if err != nil {
		return nil, notFoundAs(err, "project")
	}
	return project, nil
}

func (s *Server) httpServeVariablesList(ctx context.Context, r *api.VariablesListRequest) (*api.VariablesListResponse, error) {
	project, err := s.projectByPath(ctx, r.Project)
	if err != nil {
		return nil, err
	}
	vars, err := s.store.Variables(ctx, project.ID)
	if err != nil {
		return nil, errors.Wrap(err, "Variables")
	}
	keys := []string{}
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	return &api.VariablesListResponse{Keys: keys}, nil
}

func (s *Server) httpServeVariablesUpsert(ctx context.Context, r *api.VariablesUpsertRequest) (*api.VariablesUpsertResponse, error) {
	if r.Key == "" {
		return nil, errBadRequest("Key is required")
	}
	project, err := s.projectByPath(ctx, r.Project)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertVariable(ctx, project.ID, r.Variable); err != nil {
		return nil, errors.Wrap(err, "UpsertVariable")
	}
	return &api.VariablesUpsertResponse{}, nil
}

func (s *Server) httpServeVariablesDelete(ctx context.Context, r *api.VariablesDeleteRequest) (*api.VariablesDeleteResponse, error) {
	project, err := s.projectByPath(ctx, r.Project)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteVariable(ctx, project.ID, r.Key); err != nil {
		return nil, notFoundAs(err, "variable")
	}
	return &api.VariablesDeleteResponse{}, nil
}

func (s *Server) httpServeRunnerList(ctx context.Context, r *api.RunnerListRequest) (*api.RunnerListResponse, error) {
	runners, err := s.store.Runners(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Runners")
	}
	resp := &api.RunnerListResponse{Runners: []api.Runner{}}
	for _, runner := range runners {
		resp.Runners = append(resp.Runners, runner.Runner)
	}
	return resp, nil
}

func (s *Server) httpServeRunnerUpdate(ctx context.Context, r *api.RunnerUpdateRequest) (*api.RunnerUpdateResponse, error) {
	runner, err := s.store.RunnerByID(ctx, r.ID)
	if err != nil {
		return nil, notFoundAs(err, "runner")
	}
	if r.Description != nil {
		runner.Description = *r.Description
	}
	if r.Active != nil {
		runner.Active = *r.Active
	}
	if r.Locked != nil {
		runner.Locked = *r.Locked
	}
	if r.RunUntagged != nil {
		runner.RunUntagged = *r.RunUntagged
	}
	if r.Tags != nil {
		runner.Tags = ci.NormalizeTags(*r.Tags)
	}
	if r.AccessLevel != nil {
		runner.AccessLevel = *r.AccessLevel
	}
	if r.MaximumTimeout != nil {
		runner.MaximumTimeout = r.MaximumTimeout
		if *r.MaximumTimeout <= 0 {
			runner.MaximumTimeout = nil
		}
	}
	settings := ci.RunnerSettings{
		RunUntagged:    runner.RunUntagged,
		Tags:           runner.Tags,
		AccessLevel:    runner.AccessLevel,
		MaximumTimeout: runner.MaximumTimeout,
	}
	if err := settings.Validate(); err != nil {
		return nil, validationError(err)
	}
	runner.AccessLevel, _ = ci.ParseAccessLevel(string(runner.AccessLevel))
	if len(r.AssignProjects) > 0 && runner.Type != ci.RunnerProject {
		return nil, errBadRequest("only project runners can be assigned to projects")
	}
	if err := s.store.UpdateRunner(ctx, runner); err != nil {
		return nil, errors.Wrap(err, "UpdateRunner")
	}
	for _, path := range r.AssignProjects {
		project, err := s.projectByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := s.store.AssignRunner(ctx, runner.ID, project.ID); err != nil {
			return nil, errors.Wrap(err, "AssignRunner")
		}
	}
	if err := s.store.TickQueue(ctx, runner.ID); err != nil {
		return nil, errors.Wrap(err, "TickQueue")
	}
	updated, err := s.store.RunnerByID(ctx, runner.ID)
	if err != nil {
		return nil, errors.Wrap(err, "RunnerByID")
	}
	s.logf("runner %d updated", runner.ID)
	return &api.RunnerUpdateResponse{Runner: updated.Runner}, nil
}

func (s *Server) httpServeRunnerDelete(ctx context.Context, r *api.RunnerDeleteRequest) (*api.RunnerDeleteResponse, error) {
	if err := s.store.DeleteRunner(ctx, r.ID); err != nil {
		return nil, notFoundAs(err, "runner")
	}
	s.logf("runner %d deleted", r.ID)
	return &api.RunnerDeleteResponse{}, nil
}

// refProtected reports whether ref matches one of a project's protected ref patterns.
func refProtected(patterns []string, ref string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, ref); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Server) httpServePipelineCreate(ctx context.Context, r *api.PipelineCreateRequest) (*api.PipelineCreateResponse, error) {
	def := &r.Pipeline
	if err := def.Validate(); err != nil {
		return nil, validationError(err)
	}
	project, err := s.projectByPath(ctx, def.Project)
	if err != nil {
		return nil, err
	}

	pipeline := &Pipeline{
		ProjectID: project.ID,
		Ref:       def.Ref,
		Tag:       def.Tag,
		SHA:       def.SHA,
		BeforeSHA: def.BeforeSHA,
		Source:    orDefault(def.Source, "push"),
		Protected: refProtected(project.ProtectedRefs, def.Ref),
		Variables: def.Variables,
	}
	stages := def.StageList()
	var jobs []*Job
	for _, name := range def.JobNames() {
		jobDef := def.Jobs[name]
		idx := def.StageIndex(jobDef)
		token, err := ci.NewToken("glcbt-")
		if err != nil {
			return nil, errors.Wrap(err, "NewToken")
		}
		jobs = append(jobs, &Job{
			Name:       name,
			Stage:      stages[idx],
			StageIdx:   idx,
			Tags:       ci.NormalizeTags(jobDef.Tags),
			Definition: jobDef,
			Token:      token,
		})
	}
	if err := s.store.CreatePipeline(ctx, pipeline, jobs); err != nil {
		return nil, errors.Wrap(err, "CreatePipeline")
	}
	if err := s.tickRunnersFor(ctx, jobs...); err != nil {
		return nil, err
	}
	s.logf("pipeline %d created: %s %s@%s (%d jobs)", pipeline.ID, project.Path, pipeline.Ref, pipeline.SHA, len(jobs))

	resp := &api.PipelineCreateResponse{ID: pipeline.ID, Jobs: []api.Job{}}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, apiJob(job, pipeline.Ref, nil))
	}
	return resp, nil
}

func apiJob(job *Job, ref string, artifacts []*Artifact) api.Job {
	out := api.Job{
		ID:            job.ID,
		PipelineID:    job.PipelineID,
		ProjectID:     job.ProjectID,
		Name:          job.Name,
		Stage:         job.Stage,
		Ref:           ref,
		Tags:          job.Tags,
		Status:        job.Status,
		FailureReason: job.FailureReason,
		RunnerID:      job.RunnerID,
		Erased:        job.Erased(),
		Retried:       job.Retried,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	for _, a := range artifacts {
		out.Artifacts = append(out.Artifacts, api.JobArtifact{
			FileType: a.FileType,
			Format:   a.Format,
			Filename: a.Filename,
			Size:     a.Size,
			SHA256:   a.SHA256,
			ExpireAt: a.ExpireAt,
		})
	}
	return out
}

// adminJob loads a job with its ref and artifacts for the admin API.
func (s *Server) adminJob(ctx context.Context, job *Job) (api.Job, error) {
	pipeline, err := s.store.PipelineByID(ctx, job.PipelineID)
	if err != nil {
		return api.Job{}, errors.Wrap(err, "PipelineByID")
	}
	artifacts, err := s.store.JobArtifacts(ctx, job.ID)
	if err != nil {
		return api.Job{}, errors.Wrap(err, "JobArtifacts")
	}
	return apiJob(job, pipeline.Ref, artifacts), nil
}

func (s *Server) jobByID(ctx context.Context, id int64) (*Job, error) {
	job, err := s.store.JobByID(ctx, id)
	if err == ErrNotFound {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, errors.Wrap(err, "JobByID")
	}
	return job, nil
}

func (s *Server) httpServeJobsList(ctx context.Context, r *api.JobsListRequest) (*api.JobsListResponse, error) {
	filter := JobsFilter{Status: r.Status, Limit: r.Limit}
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if r.Project != "" {
		project, err := s.projectByPath(ctx, r.Project)
		if err != nil {
			return nil, err
		}
		filter.ProjectID = project.ID
	}
	jobs, err := s.store.Jobs(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "Jobs")
	}
	resp := &api.JobsListResponse{Jobs: []api.Job{}}
	for _, job := range jobs {
		j, err := s.adminJob(ctx, job)
		if err != nil {
			return nil, err
		}
		resp.Jobs = append(resp.Jobs, j)
	}
	return resp, nil
}

func (s *Server) httpServeJobGet(ctx context.Context, r *api.JobRequestByID) (*api.JobResponseAdmin, error) {
	job, err := s.jobByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	j, err := s.adminJob(ctx, job)
	if err != nil {
		return nil, err
	}
	return &api.JobResponseAdmin{Job: j}, nil
}

func (s *Server) httpServeJobCancel(ctx context.Context, r *api.JobRequestByID) (*api.JobResponseAdmin, error) {
	job, err := s.jobByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errBadRequest("job is already " + string(job.Status))
	}
	if err := s.store.TransitionJob(ctx, job, ci.StatusCanceled, "", nil); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, errConflict()
		}
		return nil, errors.Wrap(err, "TransitionJob")
	}
	s.idLogf(jobLogID(job.ID), "job %d canceled", job.ID)
	if err := s.advancePipeline(ctx, job.PipelineID); err != nil {
		return nil, err
	}
	return s.httpServeJobGet(ctx, r)
}

// eraseJobData removes a job's trace and artifact files.
func (s *Server) eraseJobData(ctx context.Context, job *Job) error {
	if err := s.traces.Buffer(job.ID).Remove(); err != nil {
		return errors.Wrap(err, "Remove(trace)")
	}
	if err := s.store.DeleteTraceInfo(ctx, job.ID); err != nil {
		return errors.Wrap(err, "DeleteTraceInfo")
	}
	artifacts, err := s.store.JobArtifacts(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "JobArtifacts")
	}
	for _, a := range artifacts {
		if err := s.removeArtifactFile(ctx, a.FileKey, a.Remote); err != nil {
			return errors.Wrapf(err, "removing %s", a.FileKey)
		}
	}
	return errors.Wrap(s.store.DeleteJobArtifacts(ctx, job.ID), "DeleteJobArtifacts")
}

func (s *Server) httpServeJobErase(ctx context.Context, r *api.JobRequestByID) (*api.JobResponseAdmin, error) {
	job, err := s.jobByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, errBadRequest("job is not finished")
	}
	if job.Erased() {
		return nil, errBadRequest("job is already erased")
	}
	if err := s.store.EraseJob(ctx, job); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, errConflict()
		}
		return nil, errors.Wrap(err, "EraseJob")
	}
	if err := s.eraseJobData(ctx, job); err != nil {
		return nil, err
	}
	s.idLogf(jobLogID(job.ID), "job %d erased", job.ID)
	return s.httpServeJobGet(ctx, r)
}

func (s *Server) httpServeJobRetry(ctx context.Context, r *api.JobRequestByID) (*api.JobResponseAdmin, error) {
	job, err := s.jobByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, errBadRequest("job is not finished")
	}
	if job.Retried {
		return nil, errBadRequest("job was already retried")
	}
	token, err := ci.NewToken("glcbt-")
	if err != nil {
		return nil, errors.Wrap(err, "NewToken")
	}
	retry := &Job{
		PipelineID: job.PipelineID,
		ProjectID:  job.ProjectID,
		Name:       job.Name,
		Stage:      job.Stage,
		StageIdx:   job.StageIdx,
		Tags:       job.Tags,
		Definition: job.Definition,
		Token:      token,
	}
	if err := s.store.CreateJob(ctx, retry); err != nil {
		return nil, errors.Wrap(err, "CreateJob")
	}
	if err := s.store.MarkRetried(ctx, job); err != nil {
		return nil, errors.Wrap(err, "MarkRetried")
	}
	if err := s.tickRunnersFor(ctx, retry); err != nil {
		return nil, err
	}
	s.idLogf(jobLogID(job.ID), "job %d retried as %d", job.ID, retry.ID)
	return s.httpServeJobGet(ctx, &api.JobRequestByID{ID: retry.ID})
}

// httpServeJobTrace returns a job's trace. Reading it marks the trace as watched, which makes
// the runner stream it more often.
func (s *Server) httpServeJobTrace(ctx context.Context, r *api.JobRequestByID) (*api.JobTraceResponse, error) {
	job, err := s.jobByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if job.Status == ci.StatusRunning {
		if err := s.watchTrace(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	data, err := s.traces.Buffer(job.ID).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "ReadAll")
	}
	return &api.JobTraceResponse{Status: job.Status, Trace: string(data)}, nil
}

func (s *Server) httpServeLogsList(ctx context.Context, r *api.LogsListRequest) (*api.LogsListResponse, error) {
	ids, err := s.store.LogIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "LogIDs")
	}
	return &api.LogsListResponse{IDs: ids}, nil
}

func (s *Server) httpServeLogsGet(ctx context.Context, r *api.LogsGetRequest) (*api.LogsGetResponse, error) {
	logs, err := s.store.Logs(ctx, r.ID)
	if err != nil {
		return nil, errors.Wrap(err, "Logs")
	}
	resp := &api.LogsGetResponse{Logs: []api.Log{}}
	for _, log := range logs {
		resp.Logs = append(resp.Logs, api.Log{Time: log.Time, Message: log.Message})
	}
	return resp, nil
}
