// Package pipeline models staged CI definitions: an ordered list of
// stages, a set of jobs bound to those stages, and the activation
// rules that decide which jobs run for a given ref.
//
// A definition document is a single YAML mapping. The reserved keys
// `stages`, `variables`, `image` and `before_script` configure the
// pipeline itself; every other top-level key declares a job, except
// keys starting with a dot, which are inert templates.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type Definition struct {
	Stages    []string
	Variables Variables

	// Image and BeforeScript are defaults a job inherits when it does
	// not set its own.
	Image        string
	BeforeScript StringList

	// Jobs in declaration order.
	Jobs []*JobSpec
}

type JobSpec struct {
	Name         string        `yaml:"-"`
	Stage        string        `yaml:"stage"`
	Image        string        `yaml:"image"`
	Variables    Variables     `yaml:"variables"`
	BeforeScript StringList    `yaml:"before_script"`
	Script       StringList    `yaml:"script"`
	Only         StringList    `yaml:"only"`
	Except       StringList    `yaml:"except"`
	When         WhenPolicy    `yaml:"when"`
	Blocking     bool          `yaml:"blocking"`
	AllowFailure bool          `yaml:"allow_failure"`
	Tags         StringList    `yaml:"tags"`
	Artifacts    *ArtifactSpec `yaml:"artifacts"`
}

type ArtifactSpec struct {
	Paths StringList    `yaml:"paths"`
	When  CollectPolicy `yaml:"when"`
}

// WhenPolicy controls how a job starts once its stage opens.
type WhenPolicy string

var (
	// WhenOnSuccess runs the job when no earlier stage failed. This is
	// the default.
	WhenOnSuccess WhenPolicy = "on_success"
	// WhenManual parks the job until somebody plays it.
	WhenManual WhenPolicy = "manual"
	// WhenAlways runs the job even after an earlier stage failed.
	WhenAlways WhenPolicy = "always"
)

// CollectPolicy controls when declared artifacts are archived.
type CollectPolicy string

var (
	CollectOnSuccess CollectPolicy = "on_success"
	CollectAlways    CollectPolicy = "always"
)

func (j *JobSpec) Manual() bool {
	return j.When == WhenManual
}

func (j *JobSpec) Always() bool {
	return j.When == WhenAlways
}

func (j *JobSpec) Rule() ActivationRule {
	return ActivationRule{Only: j.Only, Except: j.Except}
}

// AlwaysCollect reports whether artifacts should be archived even for
// a failed job.
func (a *ArtifactSpec) AlwaysCollect() bool {
	return a.When == CollectAlways
}

var reservedKeys = map[string]bool{
	"stages":        true,
	"variables":     true,
	"image":         true,
	"before_script": true,
}

// Parse decodes a definition document. Parsing is strictly syntactic;
// run Validate afterwards for the structural checks.
func Parse(contents []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(contents, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("pipeline definition must be a mapping")
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]

		if reservedKeys[key.Value] {
			var err error
			switch key.Value {
			case "stages":
				err = val.Decode(&d.Stages)
			case "variables":
				err = val.Decode(&d.Variables)
			case "image":
				err = val.Decode(&d.Image)
			case "before_script":
				err = val.Decode(&d.BeforeScript)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", key.Value, err)
			}
			continue
		}

		// dot-prefixed entries are templates, never scheduled
		if strings.HasPrefix(key.Value, ".") {
			continue
		}

		job := &JobSpec{}
		if err := val.Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		job.Name = key.Value
		d.Jobs = append(d.Jobs, job)
	}

	return nil
}

func (d *Definition) Job(name string) *JobSpec {
	for _, j := range d.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// JobsInStage returns the jobs bound to a stage, in declaration order.
func (d *Definition) JobsInStage(stage string) []*JobSpec {
	var jobs []*JobSpec
	for _, j := range d.Jobs {
		if j.Stage == stage {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// ImageFor resolves the container image a job executes in.
func (d *Definition) ImageFor(job *JobSpec) string {
	if job.Image != "" {
		return job.Image
	}
	return d.Image
}

// Commands returns the full ordered command list for a job. A job
// without its own before_script inherits the pipeline-level one.
func (d *Definition) Commands(job *JobSpec) []string {
	before := job.BeforeScript
	if before == nil {
		before = d.BeforeScript
	}

	out := make([]string, 0, len(before)+len(job.Script))
	out = append(out, before...)
	out = append(out, job.Script...)
	return out
}

// Environment resolves the variable set a job executes with: pipeline
// variables first, overridden by the job's own, overridden by
// trigger-time variables from the run context.
func (d *Definition) Environment(job *JobSpec, ctx RunContext) map[string]string {
	env := make(map[string]string)
	for k, v := range d.Variables {
		env[k] = v
	}
	for k, v := range job.Variables {
		env[k] = v
	}
	for k, v := range ctx.Variables {
		env[k] = v
	}
	return env
}

// Variables carries variable definitions. Scalar values of any YAML
// type are accepted and kept as strings.
type Variables map[string]string

func (v *Variables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("variables must be a mapping")
	}

	out := make(Variables, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("variable %q must be a scalar", key.Value)
		}
		out[key.Value] = val.Value
	}
	*v = out
	return nil
}

// StringList accepts either a single scalar or a sequence in YAML.
type StringList []string

func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var one string
	if err := unmarshal(&one); err == nil {
		*s = []string{one}
		return nil
	}

	var many []any
	if err := unmarshal(&many); err == nil {
		if many == nil {
			*s = nil
			return nil
		}
		parts := make([]string, len(many))
		for i, v := range many {
			sv, ok := v.(string)
			if !ok {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
			parts[i] = sv
		}
		*s = parts
		return nil
	}

	return errors.New("expected a string or a list of strings")
}
