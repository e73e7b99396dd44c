// Package budget enforces spend ceilings at three nested scopes: one
// attempt (subtask), one section across attempts, and the whole session.
// A session breach pauses the run rather than failing it; the operator can
// raise the ceiling and resume without losing completed work.
package budget

import (
	"sync"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/logging"
	"github.com/foremanlabs/foreman/internal/worker"
)

// Limits are the configured ceilings. A zero value disables that ceiling.
type Limits struct {
	// MaxCostPerSubtask caps the cost of a single attempt, in USD.
	MaxCostPerSubtask float64 `json:"max_cost_per_subtask" mapstructure:"max_cost_per_subtask"`

	// MaxCostPerSection caps a section's accumulated cost across attempts.
	MaxCostPerSection float64 `json:"max_cost_per_section" mapstructure:"max_cost_per_section"`

	// MaxTotalCost caps the whole run's accumulated cost.
	MaxTotalCost float64 `json:"max_total_cost" mapstructure:"max_total_cost"`

	// MaxTurnsPerSubtask caps the conversational turns of one attempt.
	MaxTurnsPerSubtask int `json:"max_turns_per_subtask" mapstructure:"max_turns_per_subtask"`

	// StopOnLimitExceeded controls enforcement. When false, breaches are
	// logged as warnings and execution continues.
	StopOnLimitExceeded bool `json:"stop_on_limit_exceeded" mapstructure:"stop_on_limit_exceeded"`
}

// Governor tracks accumulated usage and decides breach outcomes. Safe for
// concurrent use.
type Governor struct {
	mu       sync.RWMutex
	limits   Limits
	logger   *logging.Logger
	session  worker.Usage
	sections map[string]worker.Usage
}

// NewGovernor creates a governor with the given limits.
func NewGovernor(limits Limits, logger *logging.Logger) *Governor {
	return &Governor{
		limits:   limits,
		logger:   logger,
		sections: make(map[string]worker.Usage),
	}
}

// SetLimits replaces the ceilings. Raising MaxTotalCost after a session
// breach is how a paused run becomes resumable.
func (g *Governor) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
}

// Limits returns the current ceilings.
func (g *Governor) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// SessionUsage returns the accumulated session usage.
func (g *Governor) SessionUsage() worker.Usage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session
}

// SectionUsage returns the accumulated usage of one section.
func (g *Governor) SectionUsage(sectionID string) worker.Usage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sections[sectionID]
}

// Seed loads previously accumulated usage, for resume.
func (g *Governor) Seed(session worker.Usage, sections map[string]worker.Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = session
	for id, u := range sections {
		g.sections[id] = u
	}
}

// Record accumulates one attempt's usage and returns the most severe breach
// it caused, session scope first. In warn-only mode breaches are logged and
// nil is returned.
func (g *Governor) Record(sectionID string, u worker.Usage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := g.sections[sectionID]
	sec.Add(u)
	g.sections[sectionID] = sec
	g.session.Add(u)

	breach := g.checkLocked(sectionID, u)
	if breach == nil {
		return nil
	}
	if !g.limits.StopOnLimitExceeded {
		g.logger.Warn("budget ceiling exceeded (enforcement off)",
			"scope", string(errors.BudgetScopeOf(breach)), "error", breach)
		return nil
	}
	return breach
}

func (g *Governor) checkLocked(sectionID string, attempt worker.Usage) error {
	if g.limits.MaxTotalCost > 0 && g.session.CostUSD > g.limits.MaxTotalCost {
		return errors.NewBudgetExceededError(errors.ScopeSession, "cost",
			g.limits.MaxTotalCost, g.session.CostUSD)
	}
	if g.limits.MaxCostPerSection > 0 {
		if sec := g.sections[sectionID]; sec.CostUSD > g.limits.MaxCostPerSection {
			return errors.NewBudgetExceededError(errors.ScopeSection, "cost",
				g.limits.MaxCostPerSection, sec.CostUSD).WithSectionID(sectionID)
		}
	}
	if g.limits.MaxCostPerSubtask > 0 && attempt.CostUSD > g.limits.MaxCostPerSubtask {
		return errors.NewBudgetExceededError(errors.ScopeSubtask, "cost",
			g.limits.MaxCostPerSubtask, attempt.CostUSD).WithSectionID(sectionID)
	}
	if g.limits.MaxTurnsPerSubtask > 0 && attempt.Turns > g.limits.MaxTurnsPerSubtask {
		return errors.NewBudgetExceededError(errors.ScopeSubtask, "turns",
			float64(g.limits.MaxTurnsPerSubtask), float64(attempt.Turns)).
			WithSectionID(sectionID)
	}
	return nil
}

// CheckBeforeDispatch reports whether the section may start new work.
// Dispatch is denied once the session ceiling or the section's own
// accumulated ceiling is already met; nothing new starts at 100%.
func (g *Governor) CheckBeforeDispatch(sectionID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.limits.StopOnLimitExceeded {
		return nil
	}
	if g.limits.MaxTotalCost > 0 && g.session.CostUSD >= g.limits.MaxTotalCost {
		return errors.NewBudgetExceededError(errors.ScopeSession, "cost",
			g.limits.MaxTotalCost, g.session.CostUSD)
	}
	if g.limits.MaxCostPerSection > 0 {
		if sec := g.sections[sectionID]; sec.CostUSD >= g.limits.MaxCostPerSection {
			return errors.NewBudgetExceededError(errors.ScopeSection, "cost",
				g.limits.MaxCostPerSection, sec.CostUSD).WithSectionID(sectionID)
		}
	}
	return nil
}
