package ci

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// JobContext is everything the predefined CI_* variables are derived from.
type JobContext struct {
	ServerURL string

	JobID    int64
	JobName  string
	Stage    string
	JobToken string

	PipelineID     int64
	PipelineSource string

	ProjectID   int64
	ProjectPath string

	Ref          string
	RefType      RefType
	RefProtected bool
	SHA          string
	BeforeSHA    string

	RunnerID          int64
	RunnerDescription string
	RunnerTags        []string

	// RegistryURL is empty when the container registry is disabled.
	RegistryURL string
}

// ProjectVariable is a project-level CI/CD variable. Protected variables are only delivered to
// jobs for protected refs.
type ProjectVariable struct {
	Key       string
	Value     string
	Protected bool
	Masked    bool
}

// RegistryUser is the user name jobs authenticate to the registry with; the password is the
// job token.
const RegistryUser = "gitlab-ci-token"

// RepoURL is the clone URL handed to a runner, authenticated with the job token.
func (c JobContext) RepoURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("%s/%s.git", strings.TrimSuffix(c.ServerURL, "/"), c.ProjectPath)
	}
	u.User = url.UserPassword(RegistryUser, c.JobToken)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + c.ProjectPath + ".git"
	return u.String()
}

// PredefinedVariables returns the CI_* variables describing a job, its pipeline, project and
// the runner picking it.
func PredefinedVariables(c JobContext) Variables {
	pub := func(key, value string) Variable { return Variable{Key: key, Value: value, Public: true} }
	vars := Variables{
		pub("CI", "true"),
		pub("GITLAB_CI", "true"),
		pub("CI_SERVER_URL", c.ServerURL),
		pub("CI_JOB_ID", strconv.FormatInt(c.JobID, 10)),
		pub("CI_JOB_NAME", c.JobName),
		pub("CI_JOB_STAGE", c.Stage),
		{Key: "CI_JOB_TOKEN", Value: c.JobToken, Masked: true},
		pub("CI_PIPELINE_ID", strconv.FormatInt(c.PipelineID, 10)),
		pub("CI_PIPELINE_SOURCE", c.PipelineSource),
		pub("CI_PROJECT_ID", strconv.FormatInt(c.ProjectID, 10)),
		pub("CI_PROJECT_PATH", c.ProjectPath),
		pub("CI_PROJECT_NAME", projectName(c.ProjectPath)),
		pub("CI_COMMIT_SHA", c.SHA),
		pub("CI_COMMIT_SHORT_SHA", shortSHA(c.SHA)),
		pub("CI_COMMIT_BEFORE_SHA", c.BeforeSHA),
		pub("CI_COMMIT_REF_NAME", c.Ref),
		pub("CI_COMMIT_REF_SLUG", RefSlug(c.Ref)),
		pub("CI_COMMIT_REF_PROTECTED", strconv.FormatBool(c.RefProtected)),
	}
	if c.RefType == RefTag {
		vars = append(vars, pub("CI_COMMIT_TAG", c.Ref))
	} else {
		vars = append(vars, pub("CI_COMMIT_BRANCH", c.Ref))
	}
	vars = append(vars,
		pub("CI_RUNNER_ID", strconv.FormatInt(c.RunnerID, 10)),
		pub("CI_RUNNER_DESCRIPTION", c.RunnerDescription),
		pub("CI_RUNNER_TAGS", strings.Join(c.RunnerTags, ", ")),
	)
	if c.RegistryURL != "" {
		vars = append(vars,
			pub("CI_REGISTRY", c.RegistryURL),
			pub("CI_REGISTRY_USER", RegistryUser),
			Variable{Key: "CI_REGISTRY_PASSWORD", Value: c.JobToken, Masked: true},
		)
	}
	return vars
}

// ResolveVariables builds a job's environment in delivery order: predefined, job, pipeline,
// the trigger marker, then project variables. Later entries never replace earlier ones; keys
// may repeat and the runner decides precedence.
func ResolveVariables(predefined, job, pipeline Variables, triggered bool, project []ProjectVariable, protectedRef bool) Variables {
	out := make(Variables, 0, len(predefined)+len(job)+len(pipeline)+len(project)+1)
	out = append(out, predefined...)
	out = append(out, job...)
	out = append(out, pipeline...)
	if triggered {
		out = append(out, Variable{Key: "CI_PIPELINE_TRIGGERED", Value: "true", Public: true})
	}
	for _, v := range project {
		if v.Protected && !protectedRef {
			continue
		}
		out = append(out, Variable{Key: v.Key, Value: v.Value, Masked: v.Masked})
	}
	return out
}

// RefSlug lowercases a ref, replaces anything outside [a-z0-9] with '-', limits it to 63
// bytes and trims leading and trailing dashes.
func RefSlug(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ref) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	slug := b.String()
	if len(slug) > 63 {
		slug = slug[:63]
	}
	return strings.Trim(slug, "-")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func projectName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
