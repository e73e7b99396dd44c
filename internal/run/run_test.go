package run

import (
	"testing"
	"time"

	"github.com/foremanlabs/foreman/internal/plan"
)

func twoSectionPlan() *plan.Plan {
	return &plan.Plan{
		ID:        "plan-1",
		ProjectID: "proj-1",
		Sections: []plan.Section{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
}

func TestNewSeedsSelection(t *testing.T) {
	r := New(twoSectionPlan(), []string{"a", "b"}, nil)
	if r.ID == "" {
		t.Error("run needs an ID")
	}
	if r.Status != StatusInProgress {
		t.Errorf("Status = %s, want in_progress", r.Status)
	}
	for _, id := range []string{"a", "b"} {
		if r.SectionStatus(id) != plan.StatusPending {
			t.Errorf("%s = %s, want pending", id, r.SectionStatus(id))
		}
	}
}

func TestNewHonorsCrossRunCompletion(t *testing.T) {
	r := New(twoSectionPlan(), []string{"a", "b"}, map[string]bool{"a": true})
	if r.SectionStatus("a") != plan.StatusDone {
		t.Errorf("a = %s, want done from a prior run", r.SectionStatus("a"))
	}
	if r.SectionStatus("b") != plan.StatusPending {
		t.Errorf("b = %s, want pending", r.SectionStatus("b"))
	}
}

func TestIDsAreSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if a == b {
		t.Error("IDs must be unique")
	}
	// ULIDs embed a timestamp prefix, so an ID minted later sorts after one
	// minted in an earlier millisecond.
	if b < a {
		t.Errorf("IDs not monotonic: %s then %s", a, b)
	}
}

func TestResetInFlight(t *testing.T) {
	r := New(twoSectionPlan(), []string{"a", "b"}, nil)
	r.Sections["a"].Status = plan.StatusInProgress
	r.Sections["a"].WorkerID = "w1"
	r.Sections["b"].Status = plan.StatusVerifying

	r.ResetInFlight()

	if r.SectionStatus("a") != plan.StatusPending || r.Sections["a"].WorkerID != "" {
		t.Errorf("a = %+v, want pending with no worker", r.Sections["a"])
	}
	if r.SectionStatus("b") != plan.StatusPending {
		t.Errorf("b = %s, want pending", r.SectionStatus("b"))
	}

	// Terminal sections stay put.
	r.Sections["a"].Status = plan.StatusDone
	r.ResetInFlight()
	if r.SectionStatus("a") != plan.StatusDone {
		t.Error("done sections must not be reset")
	}
}

func TestAllTerminalAndHasFailed(t *testing.T) {
	r := New(twoSectionPlan(), []string{"a", "b"}, nil)
	if r.AllTerminal() {
		t.Error("pending run is not terminal")
	}

	r.Sections["a"].Status = plan.StatusDone
	r.Sections["b"].Status = plan.StatusFailed
	if !r.AllTerminal() {
		t.Error("done+failed is terminal")
	}
	if !r.HasFailed() {
		t.Error("expected HasFailed")
	}
}

func TestMetricsAdd(t *testing.T) {
	m := Metrics{CostUSD: 1, TokensInput: 10, TurnsUsed: 2}
	m.Add(Metrics{CostUSD: 0.5, TokensOutput: 20, TurnsUsed: 1})
	if m.CostUSD != 1.5 || m.TokensInput != 10 || m.TokensOutput != 20 || m.TurnsUsed != 3 {
		t.Errorf("Metrics = %+v", m)
	}
}
