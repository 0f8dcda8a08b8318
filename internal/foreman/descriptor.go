package foreman

import (
	"context"
	"path"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// describeJob builds the descriptor handed to the runner that claimed p.job.
func (s *Server) describeJob(ctx context.Context, runner *Runner, p *pick) (*api.JobResponse, error) {
	job, pipeline, project := p.job, p.pipeline, p.project
	def := job.Definition

	jobCtx := ci.JobContext{
		ServerURL:         s.Config.ExternalURL,
		JobID:             job.ID,
		JobName:           job.Name,
		Stage:             job.Stage,
		JobToken:          job.Token,
		PipelineID:        pipeline.ID,
		PipelineSource:    pipeline.Source,
		ProjectID:         project.ID,
		ProjectPath:       project.Path,
		Ref:               pipeline.Ref,
		RefType:           pipeline.refType(),
		RefProtected:      pipeline.Protected,
		SHA:               pipeline.SHA,
		BeforeSHA:         pipeline.BeforeSHA,
		RunnerID:          runner.ID,
		RunnerDescription: runner.Description,
		RunnerTags:        runner.Tags,
	}
	if s.Config.Registry.Enabled {
		jobCtx.RegistryURL = s.Config.Registry.URL
	}

	projectVars, err := s.store.Variables(ctx, project.ID)
	if err != nil {
		return nil, errors.Wrap(err, "Variables")
	}
	variables := ci.ResolveVariables(
		ci.PredefinedVariables(jobCtx),
		def.Variables,
		pipeline.Variables,
		pipeline.Source == "trigger",
		projectVars,
		pipeline.Protected,
	)

	depth := ci.Depth(append(slices.Clone(def.Variables), pipeline.Variables...), project.DefaultGitDepth)
	jobTimeout, err := def.TimeoutSeconds()
	if err != nil {
		return nil, errors.Wrap(err, "TimeoutSeconds")
	}
	timeout := ci.EffectiveTimeout(project.BuildTimeout, jobTimeout, runner.MaximumTimeout)

	resp := &api.JobResponse{
		ID:            job.ID,
		Token:         job.Token,
		AllowGitFetch: true,
		JobInfo: api.JobInfo{
			ID:          job.ID,
			Name:        job.Name,
			Stage:       job.Stage,
			ProjectID:   project.ID,
			ProjectName: path.Base(project.Path),
		},
		GitInfo: api.GitInfo{
			RepoURL:   jobCtx.RepoURL(),
			Ref:       pipeline.Ref,
			SHA:       pipeline.SHA,
			BeforeSHA: pipeline.BeforeSHA,
			RefType:   pipeline.refType(),
			Refspecs:  ci.Refspecs(pipeline.refType(), pipeline.Ref, pipeline.SHA, pipeline.ID, depth),
			Depth:     depth,
		},
		RunnerInfo: api.JobRunnerInfo{Timeout: timeout},
		Variables:  variables,
		Steps:      describeSteps(def, timeout),
		Image:      def.Image,
		Services:   def.Services,
		Artifacts:  describeArtifacts(def.Artifacts),
		Features: api.Features{
			TraceSections:  true,
			FailureReasons: ci.RunnerFailureReasons,
		},
	}
	if def.Cache != nil {
		resp.Cache = []api.Cache{{
			Key:       orDefault(def.Cache.Key, "default"),
			Untracked: def.Cache.Untracked,
			Paths:     def.Cache.Paths,
			Policy:    orDefault(def.Cache.Policy, "pull-push"),
			When:      orDefault(def.Cache.When, "on_success"),
		}}
	}
	if s.Config.Registry.Enabled {
		resp.Credentials = []api.Credentials{{
			Type:     "registry",
			URL:      s.Config.Registry.URL,
			Username: ci.RegistryUser,
			Password: job.Token,
		}}
	}

	for _, dep := range p.deps {
		d := api.Dependency{ID: dep.ID, Name: dep.Name, Token: dep.Token}
		archive, err := s.store.ArtifactByType(ctx, dep.ID, ci.FileArchive)
		if err != nil && err != ErrNotFound {
			return nil, errors.Wrap(err, "ArtifactByType")
		}
		if archive != nil {
			d.ArtifactsFile = &api.DependencyArtifactsFile{Filename: archive.Filename, Size: archive.Size}
		}
		resp.Dependencies = append(resp.Dependencies, d)
	}
	return resp, nil
}

// describeSteps splits a job's scripts into the script step, which includes before_script,
// and the after_script step that always runs.
func describeSteps(def ci.JobDefinition, timeout int) []api.Step {
	script := append(slices.Clone(def.BeforeScript), def.Script...)
	steps := []api.Step{{
		Name:         "script",
		Script:       script,
		Timeout:      timeout,
		When:         "on_success",
		AllowFailure: false,
	}}
	if len(def.AfterScript) > 0 {
		steps = append(steps, api.Step{
			Name:         "after_script",
			Script:       def.AfterScript,
			Timeout:      timeout,
			When:         "always",
			AllowFailure: true,
		})
	}
	return steps
}

func describeArtifacts(a *ci.ArtifactsDefinition) []api.Artifact {
	if a == nil {
		return nil
	}
	var out []api.Artifact
	if len(a.Paths) > 0 || a.Untracked {
		out = append(out, api.Artifact{
			Name:           orDefault(a.Name, "artifacts"),
			Untracked:      a.Untracked,
			Paths:          a.Paths,
			Exclude:        a.Exclude,
			When:           orDefault(a.When, "on_success"),
			ArtifactType:   ci.FileArchive,
			ArtifactFormat: ci.FormatZip,
			ExpireIn:       a.ExpireIn,
		})
	}
	reports := maps.Keys(a.Reports)
	slices.Sort(reports)
	for _, report := range reports {
		fileType := ci.FileType(report)
		format, ok := ci.DefaultFormat(fileType)
		if !ok {
			continue
		}
		out = append(out, api.Artifact{
			Name:           report,
			Paths:          a.Reports[report],
			When:           "always",
			ArtifactType:   fileType,
			ArtifactFormat: format,
			ExpireIn:       a.ExpireIn,
		})
	}
	return out
}
