package ci

import (
	"fmt"
	"strconv"
)

// RefType is the kind of git ref a pipeline runs for.
type RefType string

const (
	RefBranch RefType = "branch"
	RefTag    RefType = "tag"
)

// PersistentRef is the pipeline-scoped ref a job's sha is kept alive under.
func PersistentRef(pipelineID int64) string {
	return fmt.Sprintf("refs/pipelines/%d", pipelineID)
}

// Refspecs returns the refspecs a runner fetches for a job.
//
// The persistent pipeline ref always comes first. A shallow clone (depth > 0) fetches only the
// job's own branch or tag; a full clone fetches every branch and tag.
func Refspecs(refType RefType, ref, sha string, pipelineID int64, depth int) []string {
	specs := []string{fmt.Sprintf("+%s:%s", sha, PersistentRef(pipelineID))}
	if depth > 0 {
		if refType == RefTag {
			return append(specs, fmt.Sprintf("+refs/tags/%s:refs/tags/%s", ref, ref))
		}
		return append(specs, fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", ref, ref))
	}
	return append(specs,
		"+refs/heads/*:refs/remotes/origin/*",
		"+refs/tags/*:refs/tags/*",
	)
}

// Depth resolves the clone depth for a job: the first GIT_DEPTH variable that parses as a
// non-negative integer, else the project default, else 0 (full history).
func Depth(variables []Variable, projectDefault *int) int {
	for _, v := range variables {
		if v.Key != "GIT_DEPTH" {
			continue
		}
		if depth, err := strconv.Atoi(v.Value); err == nil && depth >= 0 {
			return depth
		}
	}
	if projectDefault != nil && *projectDefault > 0 {
		return *projectDefault
	}
	return 0
}
