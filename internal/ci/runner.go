package ci

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// RunnerType is the scope a runner credential was registered for.
type RunnerType string

const (
	RunnerInstance RunnerType = "instance_type"
	RunnerGroup    RunnerType = "group_type"
	RunnerProject  RunnerType = "project_type"
)

// AccessLevel restricts which refs a runner will pick jobs for.
type AccessLevel string

const (
	AccessNotProtected AccessLevel = "not_protected"
	AccessRefProtected AccessLevel = "ref_protected"
)

// ParseAccessLevel parses an access level, where the empty string is not_protected.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	switch AccessLevel(s) {
	case "", AccessNotProtected:
		return AccessNotProtected, true
	case AccessRefProtected:
		return AccessRefProtected, true
	}
	return "", false
}

const (
	// MaxTags is the maximum number of tags a runner may carry.
	MaxTags = 50

	// MinMaximumTimeout is the smallest maximum_timeout, in seconds, a runner may declare.
	MinMaximumTimeout = 600
)

// ParseTagList splits a comma separated tag list, trimming whitespace, dropping empty entries
// and duplicates. The result is sorted.
func ParseTagList(s string) []string {
	return NormalizeTags(strings.Split(s, ","))
}

// NormalizeTags trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// ValidationErrors maps an attribute name to the messages describing why it is invalid.
type ValidationErrors map[string][]string

func (v ValidationErrors) Add(field, message string) {
	v[field] = append(v[field], message)
}

func (v ValidationErrors) Error() string {
	var fields []string
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	var parts []string
	for _, field := range fields {
		parts = append(parts, field+" "+strings.Join(v[field], ", "))
	}
	return strings.Join(parts, "; ")
}

// RunnerSettings are the user-controlled attributes of a runner.
type RunnerSettings struct {
	RunUntagged    bool
	Tags           []string
	AccessLevel    AccessLevel
	MaximumTimeout *int
}

// Validate checks the runner attribute constraints, returning nil when they hold.
func (s RunnerSettings) Validate() error {
	errs := ValidationErrors{}
	if len(s.Tags) == 0 && !s.RunUntagged {
		errs.Add("tags_list", "can not be empty when runner is not allowed to pick untagged jobs")
	}
	if len(s.Tags) > MaxTags {
		errs.Add("tags_list", fmt.Sprintf("Too many tags specified. Please limit the number of tags to %d", MaxTags))
	}
	if _, ok := ParseAccessLevel(string(s.AccessLevel)); !ok {
		errs.Add("access_level", "does not have a valid value")
	}
	if s.MaximumTimeout != nil && *s.MaximumTimeout < MinMaximumTimeout {
		errs.Add("maximum_timeout", fmt.Sprintf("needs to be at least %d seconds", MinMaximumTimeout))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RunnerMatcher describes what a runner is willing to run.
type RunnerMatcher struct {
	RunUntagged bool
	Tags        []string
	AccessLevel AccessLevel
}

// JobMatcher describes what a job requires from a runner.
type JobMatcher struct {
	Tags      []string
	Protected bool
}

// Matches reports whether the runner may run the job, considering tags and ref protection only.
// Scope (instance/group/project) is checked separately because it depends on the project.
//
// Untagged jobs need a runner with run_untagged. Tagged jobs need every job tag to be present
// on the runner. ref_protected runners only run jobs for protected refs.
func (m RunnerMatcher) Matches(job JobMatcher) bool {
	if m.AccessLevel == AccessRefProtected && !job.Protected {
		return false
	}
	if len(job.Tags) == 0 {
		return m.RunUntagged
	}
	for _, tag := range job.Tags {
		if !slices.Contains(m.Tags, tag) {
			return false
		}
	}
	return true
}
