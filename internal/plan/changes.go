package plan

import (
	"fmt"
	"time"

	"github.com/foremanlabs/foreman/internal/errors"
)

// -----------------------------------------------------------------------------
// Plan Changes
// -----------------------------------------------------------------------------

// ChangeKind identifies the kind of a plan edit.
type ChangeKind string

const (
	// ChangeAddSection inserts a new section into the plan.
	ChangeAddSection ChangeKind = "add_section"
	// ChangeRemoveSection removes a section and strips dangling edges to it.
	ChangeRemoveSection ChangeKind = "remove_section"
	// ChangeUpdateSection replaces the fields of an existing section.
	ChangeUpdateSection ChangeKind = "update_section"
	// ChangeAddDependency adds an edge between two existing sections.
	ChangeAddDependency ChangeKind = "add_dependency"
	// ChangeRemoveDependency removes an edge between two sections.
	ChangeRemoveDependency ChangeKind = "remove_dependency"
)

// Change is one edit to a plan. Exactly the fields relevant to Kind are set.
type Change struct {
	Kind ChangeKind `json:"kind"`

	// Section is the payload for add and update changes.
	Section *Section `json:"section,omitempty"`

	// SectionID targets remove/update changes and is the dependent side of
	// dependency edits.
	SectionID string `json:"section_id,omitempty"`

	// DependsOn is the dependency side of add/remove dependency edits.
	DependsOn string `json:"depends_on,omitempty"`
}

// ApplyChanges applies a batch of edits to a copy of the plan, validates the
// result, and returns the new plan only if validation passes. The input plan
// is never mutated; a rejected batch returns the original untouched along
// with the specific violation.
func ApplyChanges(p *Plan, changes []Change) (*Plan, *Result, error) {
	next := p.Clone()

	for i, c := range changes {
		if err := applyChange(next, c); err != nil {
			return nil, nil, errors.Wrapf(err, "change %d (%s)", i, c.Kind)
		}
	}

	result := Validate(next)
	if !result.Valid {
		return nil, result, result.FirstError()
	}

	next.UpdatedAt = time.Now()
	return next, result, nil
}

func applyChange(p *Plan, c Change) error {
	switch c.Kind {
	case ChangeAddSection:
		if c.Section == nil {
			return errors.New("add_section requires a section payload")
		}
		if p.Section(c.Section.ID) != nil {
			return fmt.Errorf("section %q already exists", c.Section.ID)
		}
		p.Sections = append(p.Sections, *c.Section)
		return nil

	case ChangeRemoveSection:
		idx := -1
		for i := range p.Sections {
			if p.Sections[i].ID == c.SectionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.NewPlanError(
				fmt.Sprintf("cannot remove unknown section %q", c.SectionID),
				errors.ErrSectionNotFound).WithSections(c.SectionID)
		}
		p.Sections = append(p.Sections[:idx], p.Sections[idx+1:]...)
		// Strip dangling edges so removal never manufactures unknown deps.
		for i := range p.Sections {
			sec := &p.Sections[i]
			kept := sec.DependsOn[:0]
			for _, dep := range sec.DependsOn {
				if dep != c.SectionID {
					kept = append(kept, dep)
				}
			}
			sec.DependsOn = kept
		}
		return nil

	case ChangeUpdateSection:
		if c.Section == nil {
			return errors.New("update_section requires a section payload")
		}
		target := p.Section(c.SectionID)
		if target == nil {
			return errors.NewPlanError(
				fmt.Sprintf("cannot update unknown section %q", c.SectionID),
				errors.ErrSectionNotFound).WithSections(c.SectionID)
		}
		updated := *c.Section
		updated.ID = target.ID // ID is immutable across updates
		*target = updated
		return nil

	case ChangeAddDependency:
		target := p.Section(c.SectionID)
		if target == nil {
			return errors.NewPlanError(
				fmt.Sprintf("unknown section %q", c.SectionID),
				errors.ErrSectionNotFound).WithSections(c.SectionID)
		}
		for _, dep := range target.DependsOn {
			if dep == c.DependsOn {
				return nil // already present
			}
		}
		target.DependsOn = append(target.DependsOn, c.DependsOn)
		return nil

	case ChangeRemoveDependency:
		target := p.Section(c.SectionID)
		if target == nil {
			return errors.NewPlanError(
				fmt.Sprintf("unknown section %q", c.SectionID),
				errors.ErrSectionNotFound).WithSections(c.SectionID)
		}
		kept := target.DependsOn[:0]
		for _, dep := range target.DependsOn {
			if dep != c.DependsOn {
				kept = append(kept, dep)
			}
		}
		target.DependsOn = kept
		return nil

	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
}

// -----------------------------------------------------------------------------
// Plan Analysis
// -----------------------------------------------------------------------------

// Issues summarizes plan health for review before execution: validation
// findings plus structural observations that are legal but worth a look.
type Issues struct {
	Validation *Result `json:"validation"`

	// WideLevel flags levels whose width exceeds the worker pool several
	// times over, suggesting the plan could use more dependency structure.
	WideLevels []int `json:"wide_levels,omitempty"`

	// OrphanSections lists sections nothing depends on and that depend on
	// nothing, when the plan otherwise has structure.
	OrphanSections []string `json:"orphan_sections,omitempty"`

	// LevelCount is the total number of topological levels.
	LevelCount int `json:"level_count"`

	// MaxWidth is the widest level's section count.
	MaxWidth int `json:"max_width"`
}

// Analyze validates the plan and reports structural observations. It never
// mutates the plan.
func Analyze(p *Plan, poolSize int) *Issues {
	issues := &Issues{Validation: Validate(p)}

	levels := Levels(p)
	issues.LevelCount = len(levels)
	for i, level := range levels {
		if len(level) > issues.MaxWidth {
			issues.MaxWidth = len(level)
		}
		if poolSize > 0 && len(level) > poolSize*3 {
			issues.WideLevels = append(issues.WideLevels, i)
		}
	}

	if len(p.Sections) > 2 {
		dependedOn := make(map[string]bool)
		for i := range p.Sections {
			for _, dep := range p.Sections[i].DependsOn {
				dependedOn[dep] = true
			}
		}
		for i := range p.Sections {
			sec := &p.Sections[i]
			if !sec.HasDependencies() && !dependedOn[sec.ID] {
				issues.OrphanSections = append(issues.OrphanSections, sec.ID)
			}
		}
	}

	return issues
}
