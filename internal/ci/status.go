// Package ci holds the job-dispatch domain rules that do not depend on storage or transport:
// job states and failure reasons, runner/job matching, artifact type and format rules, size and
// timeout resolution, git refspecs and job definitions.
package ci

// Status is the state of a job.
//
//	pending -> running -> {success, failed, canceled}
//
// A job may be canceled from any non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status is a one-way latch.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a job in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusCanceled:
		return true
	case StatusRunning:
		return s == StatusPending || s == StatusRunning
	case StatusSuccess, StatusFailed:
		// pending jobs may be dropped by the server before any runner sees them.
		return s == StatusRunning || (s == StatusPending && next == StatusFailed)
	}
	return false
}

// FailureReason is the closed set of reasons a job may have failed for.
type FailureReason string

const (
	FailureUnknown             FailureReason = "unknown_failure"
	FailureScript              FailureReason = "script_failure"
	FailureAPI                 FailureReason = "api_failure"
	FailureStuckOrTimeout      FailureReason = "stuck_or_timeout_failure"
	FailureRunnerSystem        FailureReason = "runner_system_failure"
	FailureMissingDependency   FailureReason = "missing_dependency_failure"
	FailureRunnerUnsupported   FailureReason = "runner_unsupported"
	FailureJobExecutionTimeout FailureReason = "job_execution_timeout"
	FailureUnmetPrerequisites  FailureReason = "unmet_prerequisites"
	FailureSchedulerFailure    FailureReason = "scheduler_failure"
	FailureTraceSizeExceeded   FailureReason = "trace_size_exceeded"
)

// RunnerFailureReasons are the reasons a runner may report when finishing a job. The list is
// advertised to runners in the job descriptor.
var RunnerFailureReasons = []FailureReason{
	FailureUnknown,
	FailureScript,
	FailureRunnerSystem,
	FailureJobExecutionTimeout,
	FailureUnmetPrerequisites,
}

// ParseFailureReason maps a runner-reported reason onto the closed enumeration. Anything not
// recognised, including the empty string, becomes unknown_failure.
func ParseFailureReason(s string) FailureReason {
	for _, r := range RunnerFailureReasons {
		if string(r) == s {
			return r
		}
	}
	return FailureUnknown
}
