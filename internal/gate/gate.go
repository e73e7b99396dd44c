// Package gate runs the quality gate pipeline against a worker's output.
//
// A gate failure is data, not an error: Run returns a Result describing what
// passed and what failed, and the scheduler decides retry or fail. The error
// return is reserved for infrastructure problems (context cancellation,
// unreadable pipeline config).
package gate

import (
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// StageKind categorizes a pipeline stage.
type StageKind string

const (
	// KindTypeCheck is a compilation or type-checking stage.
	KindTypeCheck StageKind = "type_check"
	// KindLint is a style or static-analysis stage.
	KindLint StageKind = "lint"
	// KindTests is a test-suite stage.
	KindTests StageKind = "tests"
	// KindCustom is any project-specific command.
	KindCustom StageKind = "custom"
)

// IsValid returns true for recognized stage kinds.
func (k StageKind) IsValid() bool {
	switch k {
	case KindTypeCheck, KindLint, KindTests, KindCustom:
		return true
	default:
		return false
	}
}

// Stage is one configured gate command.
type Stage struct {
	// Name labels the stage in results and logs.
	Name string `yaml:"name"`

	// Kind determines scheduling: type_check and lint run concurrently,
	// tests and custom stages run after them in declared order.
	Kind StageKind `yaml:"kind"`

	// Command is the argv to execute in the worktree.
	Command []string `yaml:"command"`

	// Blocking controls whether a failure of this stage fails verification.
	// Non-blocking failures are recorded and reported but do not stop the
	// section.
	Blocking bool `yaml:"blocking"`

	// Paths restricts the stage to run only when a changed file matches one
	// of these glob patterns. Empty means always run.
	Paths []string `yaml:"paths,omitempty"`

	// Timeout bounds the stage's execution. Zero means no stage timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Pipeline is the ordered set of gate stages for a project.
type Pipeline struct {
	Stages []Stage `yaml:"stages"`
}

// LoadPipeline reads a pipeline definition from a YAML file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate pipeline: %w", err)
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse gate pipeline: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate() error {
	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if !st.Kind.IsValid() {
			return fmt.Errorf("stage %q: unknown kind %q", st.Name, st.Kind)
		}
		if len(st.Command) == 0 {
			return fmt.Errorf("stage %q has no command", st.Name)
		}
		for _, pat := range st.Paths {
			if _, err := glob.Compile(pat, '/'); err != nil {
				return fmt.Errorf("stage %q: bad path pattern %q: %w", st.Name, pat, err)
			}
		}
	}
	return nil
}

// DefaultPipeline returns a Go-project pipeline used when no config exists.
func DefaultPipeline() *Pipeline {
	return &Pipeline{Stages: []Stage{
		{Name: "build", Kind: KindTypeCheck, Command: []string{"go", "build", "./..."}, Blocking: true},
		{Name: "vet", Kind: KindLint, Command: []string{"go", "vet", "./..."}, Blocking: true},
		{Name: "tests", Kind: KindTests, Command: []string{"go", "test", "./..."}, Blocking: true},
	}}
}

// appliesTo reports whether the stage should run given the changed files.
func (s *Stage) appliesTo(changedFiles []string) bool {
	if len(s.Paths) == 0 {
		return true
	}
	for _, pat := range s.Paths {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			continue
		}
		for _, f := range changedFiles {
			if g.Match(f) {
				return true
			}
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// StageResult is the outcome of one gate stage.
type StageResult struct {
	Name     string        `json:"name"`
	Kind     StageKind     `json:"kind"`
	Passed   bool          `json:"passed"`
	Blocking bool          `json:"blocking"`
	Skipped  bool          `json:"skipped"` // path filter excluded the stage
	Output   string        `json:"output"`  // combined stdout+stderr, verbatim
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one full verification attempt.
type Result struct {
	Stages []StageResult `json:"stages"`
}

// Passed reports whether every blocking stage passed. Non-blocking failures
// do not affect the verdict.
func (r *Result) Passed() bool {
	for _, st := range r.Stages {
		if st.Blocking && !st.Skipped && !st.Passed {
			return false
		}
	}
	return true
}

// Failures returns the blocking stages that failed, for retry context.
func (r *Result) Failures() []StageResult {
	var out []StageResult
	for _, st := range r.Stages {
		if st.Blocking && !st.Skipped && !st.Passed {
			out = append(out, st)
		}
	}
	return out
}

// FailureSummary renders failed stage output for handing back to a retry
// attempt. Output is included verbatim; the worker needs the real compiler
// and test messages, not a paraphrase.
func (r *Result) FailureSummary() string {
	var out string
	for _, st := range r.Failures() {
		out += fmt.Sprintf("--- gate %q (%s) failed ---\n%s\n", st.Name, st.Kind, st.Output)
	}
	return out
}
