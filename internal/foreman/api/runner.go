package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/objectstore"
)

// Headers of the runner protocol.
const (
	HeaderLastUpdate          = "X-GitLab-Last-Update"
	HeaderJobStatus           = "Job-Status"
	HeaderTraceUpdateInterval = "X-GitLab-Trace-Update-Interval"
	HeaderJobToken            = "JOB-TOKEN"
	HeaderWorkhorse           = "Gitlab-Workhorse"
	HeaderWorkhorseAPIRequest = "Gitlab-Workhorse-Api-Request"
	HeaderWorkhorseSendData   = "Gitlab-Workhorse-Send-Data"
)

// RunnerInfo is what a runner reports about itself. Any subset of fields may be present.
type RunnerInfo struct {
	Name         string          `json:"name,omitempty"`
	Version      string          `json:"version,omitempty"`
	Revision     string          `json:"revision,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Architecture string          `json:"architecture,omitempty"`
	Executor     string          `json:"executor,omitempty"`
	Features     map[string]bool `json:"features,omitempty"`
}

// TagList accepts either a comma separated string or a JSON array.
type TagList []string

func (t *TagList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = ci.ParseTagList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*t = ci.NormalizeTags(list)
	return nil
}

// OptionalSeconds is a number of seconds where null, a blank string or a missing value mean
// unset.
type OptionalSeconds struct {
	Value *int
}

func (o *OptionalSeconds) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		o.Value = &n
		return nil
	}
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || strings.TrimSpace(*s) == "" {
		o.Value = nil
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(*s))
	if err != nil {
		return err
	}
	o.Value = &n
	return nil
}

func (o OptionalSeconds) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

type RegisterRunnerRequest struct {
	Token          string          `json:"token"`
	Description    string          `json:"description,omitempty"`
	Info           *RunnerInfo     `json:"info,omitempty"`
	Active         *bool           `json:"active,omitempty"`
	Locked         *bool           `json:"locked,omitempty"`
	RunUntagged    *bool           `json:"run_untagged,omitempty"`
	TagList        TagList         `json:"tag_list,omitempty"`
	AccessLevel    string          `json:"access_level,omitempty"`
	MaximumTimeout OptionalSeconds `json:"maximum_timeout"`
}

type RegisterRunnerResponse struct {
	ID             int64      `json:"id"`
	Token          string     `json:"token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

type VerifyRunnerRequest struct {
	Token string `json:"token"`
}

type VerifyRunnerResponse = RegisterRunnerResponse

type UnregisterRunnerRequest struct {
	Token string `json:"token"`
}

type JobRequest struct {
	Token      string      `json:"token"`
	LastUpdate string      `json:"last_update,omitempty"`
	Info       *RunnerInfo `json:"info,omitempty"`

	// JobAge only returns jobs queued at least this many seconds ago.
	JobAge int `json:"job_age,omitempty"`
}

type JobInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Stage       string `json:"stage"`
	ProjectID   int64  `json:"project_id"`
	ProjectName string `json:"project_name"`
}

type GitInfo struct {
	RepoURL   string     `json:"repo_url"`
	Ref       string     `json:"ref"`
	SHA       string     `json:"sha"`
	BeforeSHA string     `json:"before_sha"`
	RefType   ci.RefType `json:"ref_type"`
	Refspecs  []string   `json:"refspecs"`
	Depth     int        `json:"depth"`
}

type JobRunnerInfo struct {
	Timeout int `json:"timeout"`
}

type Step struct {
	Name         string   `json:"name"`
	Script       []string `json:"script"`
	Timeout      int      `json:"timeout"`
	When         string   `json:"when"`
	AllowFailure bool     `json:"allow_failure"`
}

type Artifact struct {
	Name           string        `json:"name"`
	Untracked      bool          `json:"untracked"`
	Paths          []string      `json:"paths"`
	Exclude        []string      `json:"exclude"`
	When           string        `json:"when"`
	ArtifactType   ci.FileType   `json:"artifact_type"`
	ArtifactFormat ci.FileFormat `json:"artifact_format"`
	ExpireIn       string        `json:"expire_in"`
}

type Cache struct {
	Key       string   `json:"key"`
	Untracked bool     `json:"untracked"`
	Paths     []string `json:"paths"`
	Policy    string   `json:"policy"`
	When      string   `json:"when"`
}

type Credentials struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type DependencyArtifactsFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type Dependency struct {
	ID            int64                    `json:"id"`
	Name          string                   `json:"name"`
	Token         string                   `json:"token"`
	ArtifactsFile *DependencyArtifactsFile `json:"artifacts_file,omitempty"`
}

type Features struct {
	TraceSections  bool               `json:"trace_sections"`
	FailureReasons []ci.FailureReason `json:"failure_reasons"`
}

// JobResponse is the job descriptor handed to a runner that claimed a job.
type JobResponse struct {
	ID            int64         `json:"id"`
	Token         string        `json:"token"`
	AllowGitFetch bool          `json:"allow_git_fetch"`
	JobInfo       JobInfo       `json:"job_info"`
	GitInfo       GitInfo       `json:"git_info"`
	RunnerInfo    JobRunnerInfo `json:"runner_info"`
	Variables     ci.Variables  `json:"variables"`
	Steps         []Step        `json:"steps"`
	Image         *ci.Image     `json:"image"`
	Services      []ci.Image    `json:"services"`
	Artifacts     []Artifact    `json:"artifacts"`
	Cache         []Cache       `json:"cache"`
	Credentials   []Credentials `json:"credentials"`
	Dependencies  []Dependency  `json:"dependencies"`
	Features      Features      `json:"features"`
}

type UpdateJobRequest struct {
	Token         string      `json:"token"`
	State         string      `json:"state,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Trace         *string     `json:"trace,omitempty"`
	Checksum      string      `json:"checksum,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	Info          *RunnerInfo `json:"info,omitempty"`
}

type UpdateJobResponse struct {
	ID     int64     `json:"id"`
	Status ci.Status `json:"status"`
}

// AuthorizeResponse tells the upload proxy where to put an artifact before it is stored.
type AuthorizeResponse struct {
	TempPath     string              `json:"TempPath,omitempty"`
	RemoteObject *objectstore.Upload `json:"RemoteObject,omitempty"`
	MaximumSize  *int64              `json:"MaximumSize,omitempty"`
}

type ArtifactsFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type StoreArtifactResponse struct {
	ID            int64         `json:"id"`
	ArtifactType  ci.FileType   `json:"artifact_type"`
	ArtifactsFile ArtifactsFile `json:"artifacts_file"`
	ExpireAt      *time.Time    `json:"artifacts_expire_at"`
}
