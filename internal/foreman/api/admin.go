package api

import (
	"time"

	"github.com/hexops/foreman/internal/ci"
)

type Namespace struct {
	ID               int64
	Path             string
	ParentID         *int64
	RunnersToken     string
	MaxArtifactsSize *int64
}

type NamespaceUpsertRequest struct {
	// Path of the namespace, e.g. "group" or "group/subgroup". Parents must exist.
	Path             string
	MaxArtifactsSize *int64
}

type NamespaceUpsertResponse struct {
	Namespace Namespace
}

type Project struct {
	ID                   int64
	Path                 string
	NamespaceID          *int64
	RunnersToken         string
	BuildsEnabled        bool
	SharedRunnersEnabled bool
	GroupRunnersEnabled  bool
	BuildTimeout         int
	DefaultGitDepth      *int
	MaxArtifactsSize     *int64
	ProtectedRefs        []string
}

type ProjectUpsertRequest struct {
	// Path of the project, e.g. "group/app". The namespace part must exist.
	Path                 string
	BuildsEnabled        *bool
	SharedRunnersEnabled *bool
	GroupRunnersEnabled  *bool
	BuildTimeout         *int
	DefaultGitDepth      *int
	MaxArtifactsSize     *int64

	// ProtectedRefs are glob patterns, e.g. "main" or "release/*".
	ProtectedRefs *[]string
}

type ProjectUpsertResponse struct {
	Project Project
}

type Variable struct {
	Key       string
	Value     string
	Protected bool
	Masked    bool
}

type VariablesListRequest struct {
	Project string
}

type VariablesListResponse struct {
	// Keys only; values never leave the server through the list call.
	Keys []string
}

type VariablesUpsertRequest struct {
	Project string
	Variable
}

type VariablesUpsertResponse struct{}

type VariablesDeleteRequest struct {
	Project string
	Key     string
}

type VariablesDeleteResponse struct{}

type Runner struct {
	ID             int64
	Description    string
	Type           ci.RunnerType
	Active         bool
	Locked         bool
	RunUntagged    bool
	Tags           []string
	AccessLevel    ci.AccessLevel
	MaximumTimeout *int
	ContactedAt    time.Time
	IPAddress      string
	Info           RunnerInfo
	CreatedAt      time.Time
	ProjectIDs     []int64
	NamespaceID    *int64
}

type RunnerListRequest struct{}

type RunnerListResponse struct {
	Runners []Runner
}

type RunnerUpdateRequest struct {
	ID             int64
	Description    *string
	Active         *bool
	Locked         *bool
	RunUntagged    *bool
	Tags           *[]string
	AccessLevel    *ci.AccessLevel
	MaximumTimeout *int

	// AssignProjects assigns a project runner to more projects, by path.
	AssignProjects []string
}

type RunnerUpdateResponse struct {
	Runner Runner
}

type RunnerDeleteRequest struct {
	ID int64
}

type RunnerDeleteResponse struct{}

type PipelineCreateRequest struct {
	Pipeline ci.PipelineDefinition
}

type PipelineCreateResponse struct {
	ID   int64
	Jobs []Job
}

type JobArtifact struct {
	FileType ci.FileType
	Format   ci.FileFormat
	Filename string
	Size     int64
	SHA256   string
	ExpireAt *time.Time
}

type Job struct {
	ID            int64
	PipelineID    int64
	ProjectID     int64
	Name          string
	Stage         string
	Ref           string
	Tags          []string
	Status        ci.Status
	FailureReason ci.FailureReason `json:",omitempty"`
	RunnerID      *int64
	Erased        bool
	Retried       bool
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
	Artifacts     []JobArtifact
}

type JobsListRequest struct {
	Project string
	Status  ci.Status
	Limit   int
}

type JobsListResponse struct {
	Jobs []Job
}

type JobRequestByID struct {
	ID int64
}

type JobResponseAdmin struct {
	Job Job
}

type JobTraceResponse struct {
	Status ci.Status
	Trace  string
}

type LogsListRequest struct{}

type LogsListResponse struct {
	IDs []string
}

type LogsGetRequest struct {
	ID string
}

type Log struct {
	Time    time.Time
	Message string
}

type LogsGetResponse struct {
	Logs []Log
}
