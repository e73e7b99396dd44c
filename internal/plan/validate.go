package plan

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/foremanlabs/foreman/internal/errors"
)

// -----------------------------------------------------------------------------
// Validation Types
// -----------------------------------------------------------------------------

// Severity categorizes a validation message. Errors block execution;
// warnings are advisory.
type Severity string

const (
	// SeverityError indicates a blocking issue that must be fixed.
	SeverityError Severity = "error"
	// SeverityWarning indicates a potential issue that should be reviewed.
	SeverityWarning Severity = "warning"
)

// Message is a single validation finding with enough structure for a plan
// editor to highlight the offending sections.
type Message struct {
	Severity   Severity `json:"severity"`
	Text       string   `json:"text"`
	SectionID  string   `json:"section_id,omitempty"`
	Field      string   `json:"field,omitempty"`
	RelatedIDs []string `json:"related_ids,omitempty"`
}

// IsError returns true if this message is blocking.
func (m *Message) IsError() bool { return m.Severity == SeverityError }

// Result contains the complete validation outcome for a plan.
type Result struct {
	// Valid is true iff the graph is acyclic and no two same-level sections
	// share a file with conflicting actions.
	Valid bool `json:"valid"`

	// Cycle holds the section IDs forming a dependency cycle, if one exists.
	Cycle []string `json:"cycle,omitempty"`

	// Messages contains all findings, errors first is not guaranteed.
	Messages []Message `json:"messages"`
}

// Errors returns only the blocking messages.
func (r *Result) Errors() []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.IsError() {
			out = append(out, m)
		}
	}
	return out
}

// FirstError converts the first blocking message into a PlanError, or nil.
func (r *Result) FirstError() error {
	for _, m := range r.Messages {
		if !m.IsError() {
			continue
		}
		sentinel := errors.ErrUnknownDependency
		switch {
		case len(r.Cycle) > 0 && strings.Contains(m.Text, "cycle"):
			sentinel = errors.ErrDependencyCycle
		case m.Field == "files":
			sentinel = errors.ErrFileOverlap
		}
		return errors.NewPlanError(m.Text, sentinel).WithSections(m.RelatedIDs...)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Validate
// -----------------------------------------------------------------------------

// Validate performs structural validation of a plan: duplicate IDs,
// self-dependencies, unknown dependency references, dependency cycles, and
// same-level file ownership overlap. Edits must pass Validate before being
// accepted; an invalid edit is rejected with the specific offending pair,
// never silently applied.
func Validate(p *Plan) *Result {
	result := &Result{Valid: true, Messages: make([]Message, 0)}

	if p == nil || len(p.Sections) == 0 {
		result.Valid = false
		result.Messages = append(result.Messages, Message{
			Severity: SeverityError,
			Text:     "plan has no sections",
		})
		return result
	}

	idSet := make(map[string]bool, len(p.Sections))
	for i := range p.Sections {
		sec := &p.Sections[i]
		if idSet[sec.ID] {
			result.Messages = append(result.Messages, Message{
				Severity:  SeverityError,
				Text:      fmt.Sprintf("duplicate section id %q", sec.ID),
				SectionID: sec.ID,
				Field:     "id",
			})
		}
		idSet[sec.ID] = true
	}

	for i := range p.Sections {
		sec := &p.Sections[i]
		for _, depID := range sec.DependsOn {
			if depID == sec.ID {
				result.Messages = append(result.Messages, Message{
					Severity:   SeverityError,
					Text:       fmt.Sprintf("section %q depends on itself", sec.ID),
					SectionID:  sec.ID,
					Field:      "depends_on",
					RelatedIDs: []string{sec.ID},
				})
				continue
			}
			if !idSet[depID] {
				result.Messages = append(result.Messages, Message{
					Severity:   SeverityError,
					Text:       fmt.Sprintf("section %q depends on unknown section %q", sec.ID, depID),
					SectionID:  sec.ID,
					Field:      "depends_on",
					RelatedIDs: []string{sec.ID, depID},
				})
			}
		}
		for _, f := range sec.Files {
			if !f.Action.IsValid() {
				result.Messages = append(result.Messages, Message{
					Severity:  SeverityError,
					Text:      fmt.Sprintf("section %q: unknown file action %q for %s", sec.ID, f.Action, f.Path),
					SectionID: sec.ID,
					Field:     "files",
				})
			}
		}
		if strings.TrimSpace(sec.Description) == "" {
			result.Messages = append(result.Messages, Message{
				Severity:  SeverityWarning,
				Text:      fmt.Sprintf("section %q has no description", sec.ID),
				SectionID: sec.ID,
				Field:     "description",
			})
		}
	}

	if cycle := detectCycle(p); cycle != nil {
		result.Cycle = cycle
		result.Messages = append(result.Messages, Message{
			Severity:   SeverityError,
			Text:       fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
			Field:      "depends_on",
			RelatedIDs: cycle,
		})
	}

	result.Messages = append(result.Messages, checkFileOverlap(p)...)

	for _, m := range result.Messages {
		if m.IsError() {
			result.Valid = false
			break
		}
	}
	return result
}

// detectCycle finds a dependency cycle via DFS coloring. Returns the IDs
// forming the cycle in order, or nil when the graph is acyclic.
func detectCycle(p *Plan) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		onStack[id] = true

		sec := p.Section(id)
		if sec == nil {
			onStack[id] = false
			return nil
		}

		for _, depID := range sec.DependsOn {
			if !visited[depID] {
				parent[depID] = id
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			} else if onStack[depID] {
				// Reconstruct the cycle path back to depID.
				cycle := []string{id}
				for cur := id; cur != depID; {
					cur = parent[cur]
					cycle = append([]string{cur}, cycle...)
				}
				return append(cycle, depID)
			}
		}

		onStack[id] = false
		return nil
	}

	for i := range p.Sections {
		if !visited[p.Sections[i].ID] {
			if cycle := dfs(p.Sections[i].ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// checkFileOverlap reports file ownership shared by sections at the same
// topological level. Literal-vs-literal, pattern-vs-literal, and identical
// pattern-vs-pattern overlaps are errors (the sections could race on the
// same file); distinct patterns cannot be compared statically and pass
// without comment. Overlap across levels is permitted because dependency
// order serializes it.
func checkFileOverlap(p *Plan) []Message {
	var messages []Message

	levelOf := make(map[string]int)
	for i, level := range Levels(p) {
		for _, id := range level {
			levelOf[id] = i
		}
	}

	type owner struct {
		sectionID string
		ref       FileRef
		matcher   glob.Glob // nil for literal paths
	}
	byLevel := make(map[int][]owner)
	for i := range p.Sections {
		sec := &p.Sections[i]
		lvl, ok := levelOf[sec.ID]
		if !ok {
			continue // unschedulable (cycle), reported elsewhere
		}
		for _, f := range sec.Files {
			o := owner{sectionID: sec.ID, ref: f}
			if isPattern(f.Path) {
				if g, err := glob.Compile(f.Path, '/'); err == nil {
					o.matcher = g
				}
			}
			byLevel[lvl] = append(byLevel[lvl], o)
		}
	}

	for _, owners := range byLevel {
		for i := 0; i < len(owners); i++ {
			for j := i + 1; j < len(owners); j++ {
				a, b := owners[i], owners[j]
				if a.sectionID == b.sectionID {
					continue
				}
				severity, overlaps := classifyOverlap(a.ref, a.matcher, b.ref, b.matcher)
				if !overlaps {
					continue
				}
				messages = append(messages, Message{
					Severity: severity,
					Text: fmt.Sprintf("sections %q and %q both own %q at the same level (%s vs %s)",
						a.sectionID, b.sectionID, a.ref.Path, a.ref.Action, b.ref.Action),
					Field:      "files",
					RelatedIDs: []string{a.sectionID, b.sectionID},
				})
			}
		}
	}
	return messages
}

// classifyOverlap decides whether two file references collide and how
// confidently. Both create/modify/delete write to the path, so any decided
// overlap is a conflict.
func classifyOverlap(a FileRef, am glob.Glob, b FileRef, bm glob.Glob) (Severity, bool) {
	switch {
	case am == nil && bm == nil:
		if a.Path == b.Path {
			return SeverityError, true
		}
	case am != nil && bm == nil:
		if am.Match(b.Path) {
			return SeverityError, true
		}
	case am == nil && bm != nil:
		if bm.Match(a.Path) {
			return SeverityError, true
		}
	default:
		// Two distinct patterns are undecidable statically. Equal patterns
		// match identical sets, so the collision is certain.
		if a.Path == b.Path {
			return SeverityError, true
		}
	}
	return "", false
}

// isPattern reports whether a path uses glob metacharacters.
func isPattern(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}
