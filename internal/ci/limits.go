package ci

// ResolveLimit returns the first non-nil limit. Callers pass limits ordered from the most
// specific scope to the least specific one.
func ResolveLimit(limits ...*int64) *int64 {
	for _, limit := range limits {
		if limit != nil {
			return limit
		}
	}
	return nil
}

// ArtifactSizeLimit resolves the maximum artifact size in megabytes for a project.
//
// namespaces is the project's namespace chain ordered from the direct parent up to the root
// namespace. The most specific non-nil value wins: project, then namespaces child to root,
// then the instance setting. A nil result means unlimited.
func ArtifactSizeLimit(project *int64, namespaces []*int64, instance *int64) *int64 {
	chain := make([]*int64, 0, len(namespaces)+2)
	chain = append(chain, project)
	chain = append(chain, namespaces...)
	chain = append(chain, instance)
	return ResolveLimit(chain...)
}

// MegabytesToBytes converts a limit expressed in megabytes.
func MegabytesToBytes(mb int64) int64 {
	return mb * 1024 * 1024
}

// EffectiveTimeout returns the timeout in seconds delivered to a runner. The job's own timeout
// replaces the project timeout when set; the runner's maximum_timeout caps the result when set
// and smaller. A larger runner value never increases it.
func EffectiveTimeout(projectTimeout int, jobTimeout, runnerMaximum *int) int {
	timeout := projectTimeout
	if jobTimeout != nil && *jobTimeout > 0 {
		timeout = *jobTimeout
	}
	if runnerMaximum != nil && *runnerMaximum < timeout {
		timeout = *runnerMaximum
	}
	return timeout
}
