package plan

import (
	"reflect"
	"testing"
)

// fakeState implements StatusReader over plain maps.
type fakeState struct {
	statuses  map[string]Status
	overrides map[string]bool
}

func (f *fakeState) SectionStatus(id string) Status {
	if s, ok := f.statuses[id]; ok {
		return s
	}
	return StatusPending
}

func (f *fakeState) SkipOverride(id string) bool { return f.overrides[id] }

func selectAll(p *Plan) map[string]bool {
	sel := make(map[string]bool, len(p.Sections))
	for _, id := range p.SectionIDs() {
		sel[id] = true
	}
	return sel
}

func TestLevelsDiamond(t *testing.T) {
	p := makePlan(
		Section{ID: "a"},
		Section{ID: "b", DependsOn: []string{"a"}},
		Section{ID: "c", DependsOn: []string{"a"}},
		Section{ID: "d", DependsOn: []string{"b", "c"}},
	)
	got := Levels(p)
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Levels = %v, want %v", got, want)
	}
}

func TestLevelsIndependentSections(t *testing.T) {
	p := makePlan(Section{ID: "z"}, Section{ID: "a"}, Section{ID: "m"})
	got := Levels(p)
	want := [][]string{{"a", "m", "z"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Levels = %v, want %v", got, want)
	}
}

func TestLevelsOmitsCycleMembers(t *testing.T) {
	p := makePlan(
		Section{ID: "ok"},
		Section{ID: "a", DependsOn: []string{"b"}},
		Section{ID: "b", DependsOn: []string{"a"}},
	)
	got := Levels(p)
	want := [][]string{{"ok"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Levels = %v, want %v", got, want)
	}
	if LevelOf(p, "a") != -1 {
		t.Error("cycle member should have level -1")
	}
}

func TestReadySet(t *testing.T) {
	// A <- B <- D, A <- C. Diamond with one long leg.
	p := makePlan(
		Section{ID: "a"},
		Section{ID: "b", DependsOn: []string{"a"}},
		Section{ID: "c", DependsOn: []string{"a"}},
		Section{ID: "d", DependsOn: []string{"b"}},
	)

	tests := []struct {
		name     string
		statuses map[string]Status
		override map[string]bool
		want     []string
	}{
		{
			name: "nothing done yet",
			want: []string{"a"},
		},
		{
			name:     "root done unblocks both dependents",
			statuses: map[string]Status{"a": StatusDone},
			want:     []string{"b", "c"},
		},
		{
			name:     "in-progress sections are not ready again",
			statuses: map[string]Status{"a": StatusDone, "b": StatusInProgress},
			want:     []string{"c"},
		},
		{
			name:     "failed dependency blocks dependents",
			statuses: map[string]Status{"a": StatusDone, "b": StatusFailed, "c": StatusDone},
			want:     nil,
		},
		{
			name:     "skipped without override blocks dependents",
			statuses: map[string]Status{"a": StatusDone, "b": StatusSkipped, "c": StatusDone},
			want:     nil,
		},
		{
			name:     "skipped with override unblocks dependents",
			statuses: map[string]Status{"a": StatusDone, "b": StatusSkipped, "c": StatusDone},
			override: map[string]bool{"b": true},
			want:     []string{"d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &fakeState{statuses: tt.statuses, overrides: tt.override}
			got := ReadySet(p, selectAll(p), state)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ReadySet = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadySetOutsideSelectionDepsSatisfied(t *testing.T) {
	p := makePlan(
		Section{ID: "a"},
		Section{ID: "b", DependsOn: []string{"a"}},
	)
	// Only b selected: a is outside the selection and treated as satisfied.
	got := ReadySet(p, map[string]bool{"b": true}, &fakeState{})
	want := []string{"b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadySet = %v, want %v", got, want)
	}
}

func TestTransitiveDependencies(t *testing.T) {
	p := makePlan(
		Section{ID: "a"},
		Section{ID: "b", DependsOn: []string{"a"}},
		Section{ID: "c", DependsOn: []string{"b"}},
		Section{ID: "x"},
	)
	deps := TransitiveDependencies(p, "c")
	if !deps["a"] || !deps["b"] {
		t.Errorf("expected a and b in transitive deps, got %v", deps)
	}
	if deps["x"] || deps["c"] {
		t.Errorf("unexpected members in transitive deps: %v", deps)
	}
}

func TestInDependencyChain(t *testing.T) {
	p := makePlan(
		Section{ID: "a"},
		Section{ID: "b", DependsOn: []string{"a"}},
		Section{ID: "c", DependsOn: []string{"b"}},
		Section{ID: "x"},
	)
	if !InDependencyChain(p, []string{"a", "b", "c"}) {
		t.Error("chained sections should be in a dependency chain")
	}
	if InDependencyChain(p, []string{"a", "x"}) {
		t.Error("unrelated sections should not be in a dependency chain")
	}
}
