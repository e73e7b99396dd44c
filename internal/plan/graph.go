package plan

import "sort"

// Levels groups sections into parallelizable batches via BFS topological
// sort. Each inner slice contains section IDs with no dependency relation
// among them; the outer slice is ordered, level 0 first. Sections caught in
// a cycle are omitted — Validate reports the cycle itself.
func Levels(p *Plan) [][]string {
	if p == nil || len(p.Sections) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(p.Sections))
	dependents := make(map[string][]string, len(p.Sections))
	for i := range p.Sections {
		inDegree[p.Sections[i].ID] = 0
	}
	for i := range p.Sections {
		sec := &p.Sections[i]
		for _, depID := range sec.DependsOn {
			if _, ok := inDegree[depID]; ok {
				inDegree[sec.ID]++
				dependents[depID] = append(dependents[depID], sec.ID)
			}
		}
	}

	var levels [][]string
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		sort.Strings(queue) // deterministic level ordering
		levels = append(levels, queue)

		var next []string
		for _, id := range queue {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		queue = next
	}

	return levels
}

// LevelOf returns the topological level index of a section, or -1 if the
// section is unknown or unschedulable (caught in a cycle).
func LevelOf(p *Plan, sectionID string) int {
	for i, level := range Levels(p) {
		for _, id := range level {
			if id == sectionID {
				return i
			}
		}
	}
	return -1
}

// StatusReader reports the recorded status of a section within a run, and
// whether a skipped section carries the explicit override that lets
// dependents proceed.
type StatusReader interface {
	// SectionStatus returns the current status of the section.
	SectionStatus(sectionID string) Status

	// SkipOverride returns true if the section was skipped with an explicit
	// override acknowledging its dependents may run.
	SkipOverride(sectionID string) bool
}

// ReadySet returns the IDs of sections that are dispatchable now: status
// pending, and every dependency satisfied. A dependency is satisfied when it
// is done, skipped with override, or outside the run's selection (treated as
// externally completed). A plain failed or skipped-without-override
// dependency blocks its dependents.
func ReadySet(p *Plan, selected map[string]bool, state StatusReader) []string {
	var ready []string
	for i := range p.Sections {
		sec := &p.Sections[i]
		if !selected[sec.ID] {
			continue
		}
		if state.SectionStatus(sec.ID) != StatusPending {
			continue
		}
		if depsSatisfied(sec, selected, state) {
			ready = append(ready, sec.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

// depsSatisfied reports whether every dependency of sec is terminal in a way
// that unblocks dependents.
func depsSatisfied(sec *Section, selected map[string]bool, state StatusReader) bool {
	for _, depID := range sec.DependsOn {
		if !selected[depID] {
			// Outside the selection: treated as externally completed.
			continue
		}
		switch state.SectionStatus(depID) {
		case StatusDone:
		case StatusSkipped:
			if !state.SkipOverride(depID) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// TransitiveDependencies returns all direct and transitive dependency IDs of
// a section.
func TransitiveDependencies(p *Plan, sectionID string) map[string]bool {
	deps := make(map[string]bool)
	visited := make(map[string]bool)

	var collect func(id string)
	collect = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		sec := p.Section(id)
		if sec == nil {
			return
		}
		for _, depID := range sec.DependsOn {
			deps[depID] = true
			collect(depID)
		}
	}

	collect(sectionID)
	return deps
}

// InDependencyChain reports whether every pair among the given sections has
// a dependency relation in one direction, meaning they can never execute in
// parallel and shared file ownership between them is acceptable.
func InDependencyChain(p *Plan, sectionIDs []string) bool {
	if len(sectionIDs) < 2 {
		return true
	}

	allDeps := make(map[string]map[string]bool, len(sectionIDs))
	for _, id := range sectionIDs {
		allDeps[id] = TransitiveDependencies(p, id)
	}

	for i, a := range sectionIDs {
		for _, b := range sectionIDs[i+1:] {
			if !allDeps[a][b] && !allDeps[b][a] {
				return false
			}
		}
	}
	return true
}
