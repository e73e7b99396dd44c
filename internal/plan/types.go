// Package plan defines the execution plan data model: sections with file
// ownership and dependency edges, topological level computation,
// dependency-satisfaction queries, and structural validation.
//
// Sections form a directed acyclic graph. Dependencies are stored as an
// adjacency list keyed by stable section IDs, never as object references,
// so plans serialize and resume trivially.
package plan

import "time"

// -----------------------------------------------------------------------------
// File Ownership
// -----------------------------------------------------------------------------

// FileAction describes what a section does to a file it owns.
type FileAction string

const (
	// ActionCreate indicates the section creates the file.
	ActionCreate FileAction = "create"
	// ActionModify indicates the section modifies an existing file.
	ActionModify FileAction = "modify"
	// ActionDelete indicates the section deletes the file.
	ActionDelete FileAction = "delete"
)

// IsValid returns true if this is a recognized file action.
func (a FileAction) IsValid() bool {
	switch a {
	case ActionCreate, ActionModify, ActionDelete:
		return true
	default:
		return false
	}
}

// FileRef is a file a section owns, together with the intended action.
// Path may be a literal path or a glob pattern (e.g. "internal/api/**.go").
type FileRef struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// -----------------------------------------------------------------------------
// Section
// -----------------------------------------------------------------------------

// Status represents the lifecycle state of a section within a run.
//
// Terminal states are StatusDone, StatusFailed, and StatusSkipped. Only the
// scheduler transitions a section into a terminal state.
type Status string

const (
	// StatusPending means the section has not been dispatched.
	StatusPending Status = "pending"
	// StatusInProgress means a worker is executing the section.
	StatusInProgress Status = "in_progress"
	// StatusVerifying means the section's output is in quality gates or merge.
	StatusVerifying Status = "verifying"
	// StatusRetrying means a failed attempt is awaiting re-dispatch.
	StatusRetrying Status = "retrying"
	// StatusDone means the section merged successfully.
	StatusDone Status = "done"
	// StatusFailed means the section exhausted retries or was stopped.
	StatusFailed Status = "failed"
	// StatusSkipped means the section was explicitly skipped.
	StatusSkipped Status = "skipped"
)

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// String returns the string representation of the status.
func (s Status) String() string { return string(s) }

// SuccessCriterion is one acceptance condition for a section.
type SuccessCriterion struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
}

// Section is an independently assignable unit of a larger change.
//
// Each section owns a set of files and lists the sections that must finish
// before it may start. Sections at the same topological level never share a
// file, which is what makes intra-level parallelism safe by construction.
type Section struct {
	// ID uniquely identifies this section within the plan.
	ID string `json:"id"`

	// Name is a short, human-readable label.
	Name string `json:"name"`

	// Description contains the instructions handed to the executing worker.
	Description string `json:"description"`

	// Files lists the files this section owns, with intended actions.
	Files []FileRef `json:"files,omitempty"`

	// DependsOn lists section IDs that must be terminal before this section
	// can start. Forms the edges of the dependency graph.
	DependsOn []string `json:"depends_on"`

	// SuccessCriteria lists acceptance conditions checked during verification.
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`

	// MaxRetries is the maximum number of re-dispatches after gate failures.
	MaxRetries int `json:"max_retries"`
}

// HasDependencies returns true if this section depends on other sections.
func (s *Section) HasDependencies() bool { return len(s.DependsOn) > 0 }

// OwnsFiles returns true if this section declares file ownership.
func (s *Section) OwnsFiles() bool { return len(s.Files) > 0 }

// -----------------------------------------------------------------------------
// Plan
// -----------------------------------------------------------------------------

// Plan owns the full section set for one project.
//
// Levels are always computed from the current section set, never stored
// authoritatively; any edit invalidates and recomputes them.
type Plan struct {
	// ID uniquely identifies this plan.
	ID string `json:"id"`

	// ProjectID identifies the project this plan belongs to.
	ProjectID string `json:"project_id"`

	// Objective is the original request the plan decomposes.
	Objective string `json:"objective"`

	// Sections contains all sections in this plan. Slice order carries no
	// scheduling meaning; ordering comes from Levels().
	Sections []Section `json:"sections"`

	// CreatedAt is when this plan was authored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this plan was last edited.
	UpdatedAt time.Time `json:"updated_at"`
}

// SectionCount returns the total number of sections in the plan.
func (p *Plan) SectionCount() int { return len(p.Sections) }

// Section returns the section with the given ID, or nil if not found.
func (p *Plan) Section(id string) *Section {
	for i := range p.Sections {
		if p.Sections[i].ID == id {
			return &p.Sections[i]
		}
	}
	return nil
}

// SectionIDs returns the IDs of all sections in plan order.
func (p *Plan) SectionIDs() []string {
	ids := make([]string, len(p.Sections))
	for i := range p.Sections {
		ids[i] = p.Sections[i].ID
	}
	return ids
}

// Clone returns a deep copy of the plan. Used by ApplyChanges so a rejected
// edit never mutates the original.
func (p *Plan) Clone() *Plan {
	clone := *p
	clone.Sections = make([]Section, len(p.Sections))
	for i, s := range p.Sections {
		cs := s
		cs.Files = append([]FileRef(nil), s.Files...)
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		cs.SuccessCriteria = append([]SuccessCriterion(nil), s.SuccessCriteria...)
		clone.Sections[i] = cs
	}
	return &clone
}
