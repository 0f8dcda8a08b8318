package ci

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Variable is a CI/CD variable delivered to a job's environment.
type Variable struct {
	Key    string `json:"key" yaml:"key"`
	Value  string `json:"value" yaml:"value"`
	Public bool   `json:"public" yaml:"public"`
	Masked bool   `json:"masked" yaml:"masked"`
}

// Variables keeps declaration order. In YAML it may be written as a mapping of key to value.
type Variables []Variable

func (v *Variables) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var list []Variable
		if err := value.Decode(&list); err != nil {
			return err
		}
		*v = list
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("variables: expected mapping, found line %d", value.Line)
	}
	var out Variables
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("variables: %s: expected scalar value", key.Value)
		}
		out = append(out, Variable{Key: key.Value, Value: val.Value, Public: true})
	}
	*v = out
	return nil
}

// Lookup returns the value of the first variable with the given key.
func (v Variables) Lookup(key string) (string, bool) {
	for _, variable := range v {
		if variable.Key == key {
			return variable.Value, true
		}
	}
	return "", false
}

// ArtifactsDefinition is a job's artifacts declaration.
type ArtifactsDefinition struct {
	Name      string              `json:"name,omitempty" yaml:"name,omitempty"`
	Untracked bool                `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	Paths     []string            `json:"paths,omitempty" yaml:"paths,omitempty"`
	Exclude   []string            `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	When      string              `json:"when,omitempty" yaml:"when,omitempty"`
	ExpireIn  string              `json:"expire_in,omitempty" yaml:"expire_in,omitempty"`
	Reports   map[string][]string `json:"reports,omitempty" yaml:"reports,omitempty"`
}

// CacheDefinition is a job's cache declaration.
type CacheDefinition struct {
	Key       string   `json:"key,omitempty" yaml:"key,omitempty"`
	Untracked bool     `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	Paths     []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Policy    string   `json:"policy,omitempty" yaml:"policy,omitempty"`
	When      string   `json:"when,omitempty" yaml:"when,omitempty"`
}

// JobDefinition is the executable part of a job as declared in a pipeline file.
type JobDefinition struct {
	Stage        string               `json:"stage,omitempty" yaml:"stage,omitempty"`
	Tags         []string             `json:"tags,omitempty" yaml:"tags,omitempty"`
	Image        *Image               `json:"image,omitempty" yaml:"image,omitempty"`
	Services     []Image              `json:"services,omitempty" yaml:"services,omitempty"`
	BeforeScript []string             `json:"before_script,omitempty" yaml:"before_script,omitempty"`
	Script       []string             `json:"script" yaml:"script"`
	AfterScript  []string             `json:"after_script,omitempty" yaml:"after_script,omitempty"`
	Variables    Variables            `json:"variables,omitempty" yaml:"variables,omitempty"`
	Artifacts    *ArtifactsDefinition `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Cache        *CacheDefinition     `json:"cache,omitempty" yaml:"cache,omitempty"`
	AllowFailure bool                 `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Timeout      string               `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Dependencies names the prior-stage jobs whose artifacts this job receives. nil means all
	// prior-stage jobs; an empty list means none.
	Dependencies *[]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// TimeoutSeconds returns the job's own timeout, or nil when it declares none.
func (d JobDefinition) TimeoutSeconds() (*int, error) {
	if d.Timeout == "" {
		return nil, nil
	}
	timeout, err := ParseHumanDuration(d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	seconds := int(timeout / time.Second)
	return &seconds, nil
}

// DefaultStages are used when a pipeline does not declare its stages.
var DefaultStages = []string{"build", "test", "deploy"}

// PipelineDefinition is a pipeline file: the ref it runs for plus its jobs.
type PipelineDefinition struct {
	Project   string                   `json:"project" yaml:"project"`
	Ref       string                   `json:"ref" yaml:"ref"`
	Tag       bool                     `json:"tag,omitempty" yaml:"tag,omitempty"`
	SHA       string                   `json:"sha" yaml:"sha"`
	BeforeSHA string                   `json:"before_sha,omitempty" yaml:"before_sha,omitempty"`
	Source    string                   `json:"source,omitempty" yaml:"source,omitempty"`
	Stages    []string                 `json:"stages,omitempty" yaml:"stages,omitempty"`
	Variables Variables                `json:"variables,omitempty" yaml:"variables,omitempty"`
	Jobs      map[string]JobDefinition `json:"jobs" yaml:"jobs"`
}

// ParsePipeline decodes a YAML pipeline file and validates it.
func ParsePipeline(data []byte) (*PipelineDefinition, error) {
	var p PipelineDefinition
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// StageList returns the declared stages, or the default ones.
func (p *PipelineDefinition) StageList() []string {
	if len(p.Stages) > 0 {
		return p.Stages
	}
	return DefaultStages
}

// StageIndex returns the position of a job's stage. Jobs without a stage run in "test".
func (p *PipelineDefinition) StageIndex(job JobDefinition) int {
	stage := job.Stage
	if stage == "" {
		stage = "test"
	}
	return slices.Index(p.StageList(), stage)
}

// JobNames returns job names ordered by stage, then name.
func (p *PipelineDefinition) JobNames() []string {
	var names []string
	for name := range p.Jobs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := p.StageIndex(p.Jobs[names[i]]), p.StageIndex(p.Jobs[names[j]])
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})
	return names
}

// Validate checks the pipeline file for errors a runner could not recover from.
func (p *PipelineDefinition) Validate() error {
	errs := ValidationErrors{}
	if p.Project == "" {
		errs.Add("project", "is missing")
	}
	if p.Ref == "" {
		errs.Add("ref", "is missing")
	}
	if p.SHA == "" {
		errs.Add("sha", "is missing")
	}
	if len(p.Jobs) == 0 {
		errs.Add("jobs", "at least one job is required")
	}
	for name, job := range p.Jobs {
		field := "jobs:" + name
		if len(job.Script) == 0 {
			errs.Add(field, "script can not be empty")
		}
		stage := p.StageIndex(job)
		if stage < 0 {
			errs.Add(field, fmt.Sprintf("stage %q is not declared", job.Stage))
		}
		if _, err := job.TimeoutSeconds(); err != nil {
			errs.Add(field, err.Error())
		}
		if job.Dependencies != nil {
			for _, dep := range *job.Dependencies {
				other, ok := p.Jobs[dep]
				if !ok {
					errs.Add(field, fmt.Sprintf("dependency %q is not defined", dep))
					continue
				}
				if p.StageIndex(other) >= stage {
					errs.Add(field, fmt.Sprintf("dependency %q is not defined in prior stages", dep))
				}
			}
		}
		if a := job.Artifacts; a != nil {
			for _, pattern := range append(append([]string{}, a.Paths...), a.Exclude...) {
				if !doublestar.ValidatePattern(pattern) {
					errs.Add(field, fmt.Sprintf("artifacts path %q is not a valid pattern", pattern))
				}
			}
			switch a.When {
			case "", "on_success", "on_failure", "always":
			default:
				errs.Add(field, fmt.Sprintf("artifacts when %q should be on_success, on_failure or always", a.When))
			}
			if _, _, err := ParseExpireIn(a.ExpireIn); err != nil {
				errs.Add(field, err.Error())
			}
			for report := range a.Reports {
				t := FileType(report)
				if _, ok := DefaultFormat(t); !ok || t == FileArchive || t == FileMetadata || t == FileTrace {
					errs.Add(field, fmt.Sprintf("artifacts report %q is not supported", report))
				}
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// DependencyCandidate is a job from an earlier stage of the same pipeline.
type DependencyCandidate struct {
	ID   int64
	Name string
}

// FilterDependencies selects which prior-stage jobs a job depends on. A nil declaration keeps
// every candidate; a declared list keeps only the named ones, so an empty list keeps none.
func FilterDependencies(declared *[]string, candidates []DependencyCandidate) []DependencyCandidate {
	if declared == nil {
		return candidates
	}
	var out []DependencyCandidate
	for _, c := range candidates {
		if slices.Contains(*declared, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// MarshalDefinition encodes a job definition for storage.
func MarshalDefinition(d JobDefinition) (string, error) {
	data, err := json.Marshal(d)
	return string(data), err
}

// UnmarshalDefinition decodes a stored job definition.
func UnmarshalDefinition(s string) (JobDefinition, error) {
	var d JobDefinition
	if s == "" {
		return d, nil
	}
	err := json.Unmarshal([]byte(s), &d)
	return d, err
}
