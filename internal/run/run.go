// Package run defines the persistent record of one execution attempt: which
// sections were selected, their per-section state, accumulated metrics, and
// the run-level status the scheduler drives.
package run

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/foremanlabs/foreman/internal/plan"
)

// Status is the lifecycle state of an execution run.
type Status string

const (
	// StatusInProgress means the scheduler is actively dispatching sections.
	StatusInProgress Status = "in_progress"
	// StatusPaused means execution is suspended; in-flight workers were
	// stopped and their sections reset to pending.
	StatusPaused Status = "paused"
	// StatusCompleted means every selected section reached done or skipped.
	StatusCompleted Status = "completed"
	// StatusFailed means the run stopped with at least one failed section.
	StatusFailed Status = "failed"
)

// IsTerminal returns true for completed and failed runs. Terminal runs are
// immutable history.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metrics accumulates resource consumption. Fields are additive across
// attempts and sections.
type Metrics struct {
	CostUSD      float64 `json:"cost_usd"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	TurnsUsed    int     `json:"turns_used"`
}

// Add accumulates another sample into the metrics.
func (m *Metrics) Add(other Metrics) {
	m.CostUSD += other.CostUSD
	m.TokensInput += other.TokensInput
	m.TokensOutput += other.TokensOutput
	m.TurnsUsed += other.TurnsUsed
}

// SectionState is the per-section slice of a run record.
type SectionState struct {
	SectionID    string      `json:"section_id"`
	Status       plan.Status `json:"status"`
	Attempts     int         `json:"attempts"`
	SkipOverride bool        `json:"skip_override"`
	WorkerID     string      `json:"worker_id,omitempty"`
	Branch       string      `json:"branch,omitempty"`
	MergeSeq     int64       `json:"merge_seq,omitempty"`
	Progress     int         `json:"progress,omitempty"` // 0-100, agent-reported
	Commits      []string    `json:"commits,omitempty"`  // integrated commit SHAs
	FailureNote  string      `json:"failure_note,omitempty"`
	Metrics      Metrics     `json:"metrics"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Run is the full record of one execution attempt over a plan. Persisted
// after every state transition so a crash at any point is resumable.
type Run struct {
	ID        string                   `json:"id"`
	PlanID    string                   `json:"plan_id"`
	ProjectID string                   `json:"project_id"`
	Status    Status                   `json:"status"`
	Selected  []string                 `json:"selected"`
	Sections  map[string]*SectionState `json:"sections"`
	Totals    Metrics                  `json:"totals"`
	PausedFor string                   `json:"paused_for,omitempty"` // why the run paused
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewID returns a lexicographically sortable run ID.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// New creates a run record over the selected sections of a plan. Sections in
// the selection start pending; crossRunDone marks sections completed by a
// prior run over the same plan, which are recorded done immediately.
func New(p *plan.Plan, selected []string, crossRunDone map[string]bool) *Run {
	now := time.Now()
	r := &Run{
		ID:        NewID(),
		PlanID:    p.ID,
		ProjectID: p.ProjectID,
		Status:    StatusInProgress,
		Selected:  append([]string(nil), selected...),
		Sections:  make(map[string]*SectionState, len(selected)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range selected {
		st := &SectionState{SectionID: id, Status: plan.StatusPending}
		if crossRunDone[id] {
			st.Status = plan.StatusDone
		}
		r.Sections[id] = st
	}
	return r
}

// SelectedSet returns the selection as a membership map.
func (r *Run) SelectedSet() map[string]bool {
	set := make(map[string]bool, len(r.Selected))
	for _, id := range r.Selected {
		set[id] = true
	}
	return set
}

// SectionStatus implements plan.StatusReader.
func (r *Run) SectionStatus(sectionID string) plan.Status {
	if st, ok := r.Sections[sectionID]; ok {
		return st.Status
	}
	return plan.StatusPending
}

// SkipOverride implements plan.StatusReader.
func (r *Run) SkipOverride(sectionID string) bool {
	if st, ok := r.Sections[sectionID]; ok {
		return st.SkipOverride
	}
	return false
}

// AllTerminal reports whether every selected section reached a final state.
func (r *Run) AllTerminal() bool {
	for _, id := range r.Selected {
		if !r.SectionStatus(id).IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailed reports whether any selected section ended failed.
func (r *Run) HasFailed() bool {
	for _, id := range r.Selected {
		if r.SectionStatus(id) == plan.StatusFailed {
			return true
		}
	}
	return false
}

// ResetInFlight flips every non-terminal section back to pending. Called on
// resume so work interrupted by a crash or pause is re-dispatched rather
// than stranded in_progress.
func (r *Run) ResetInFlight() {
	for _, st := range r.Sections {
		switch st.Status {
		case plan.StatusInProgress, plan.StatusVerifying, plan.StatusRetrying:
			st.Status = plan.StatusPending
			st.WorkerID = ""
			st.Progress = 0
		}
	}
}

// DoneSections returns the IDs of sections recorded done, for cross-run
// dependency satisfaction.
func (r *Run) DoneSections() map[string]bool {
	done := make(map[string]bool)
	for id, st := range r.Sections {
		if st.Status == plan.StatusDone {
			done[id] = true
		}
	}
	return done
}
