// Package api is the command surface of the engine: everything an operator
// or front end can ask for goes through Service. It owns component wiring;
// callers never touch the scheduler internals directly.
package api

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/foremanlabs/foreman/internal/budget"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/engine"
	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/gate"
	"github.com/foremanlabs/foreman/internal/logging"
	"github.com/foremanlabs/foreman/internal/merge"
	"github.com/foremanlabs/foreman/internal/plan"
	"github.com/foremanlabs/foreman/internal/run"
	"github.com/foremanlabs/foreman/internal/store"
	"github.com/foremanlabs/foreman/internal/worker"
	"github.com/foremanlabs/foreman/internal/worktree"
)

// Service exposes execution commands over one repository.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger

	runs  *store.RunStore
	plans *store.PlanStore

	engine *engine.Engine // nil until a run starts or resumes
}

// New creates a Service from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Service, error) {
	runs, err := store.OpenRunStore(cfg.RunDBPath())
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		runs:   runs,
		plans:  store.NewPlanStore(afero.NewOsFs()),
	}, nil
}

// Close releases the service's resources.
func (s *Service) Close() error {
	if s.engine != nil {
		s.engine.Close()
	}
	return s.runs.Close()
}

// buildEngine wires an engine for the given plan.
func (s *Service) buildEngine(p *plan.Plan) (*engine.Engine, error) {
	if len(s.cfg.AgentCommand) == 0 {
		return nil, errors.New("agent_command is not configured")
	}

	pipeline := gate.DefaultPipeline()
	if s.cfg.GatePipeline != "" {
		var err error
		pipeline, err = gate.LoadPipeline(s.cfg.GatePipeline)
		if err != nil {
			return nil, err
		}
	}
	if !s.cfg.BuildVerification {
		// No stages: every section passes verification untouched.
		pipeline = &gate.Pipeline{}
	}

	agent := worker.NewCommandAgent(s.cfg.AgentCommand)
	pool := worker.NewPool(agent, s.cfg.PoolSize, s.logger)
	wts := worktree.NewManager(s.cfg.RepoRoot, s.cfg.WorktreeDir(),
		s.cfg.IntegrationBranch, s.logger)
	merger := merge.NewCoordinator(s.cfg.RepoRoot, s.cfg.IntegrationBranch,
		worktree.ExecGit(), s.logger)
	gov := budget.NewGovernor(s.cfg.Limits, s.logger)
	gates := gate.NewRunner(pipeline, s.logger)

	return engine.New(p, s.runs, pool, gates, wts, merger, gov, s.logger,
		engine.Options{
			SectionTimeout:    s.cfg.SectionTimeout,
			DefaultMaxRetries: s.cfg.DefaultMaxRetries,
		}), nil
}

// -----------------------------------------------------------------------------
// Execution commands
// -----------------------------------------------------------------------------

// StartExecution starts a run over the full plan at planPath.
func (s *Service) StartExecution(ctx context.Context, planPath string) (string, error) {
	return s.StartExecutionWithSelection(ctx, planPath, nil)
}

// StartExecutionWithSelection starts a run over a subset of sections. Earlier
// completed runs over the same plan satisfy dependencies of the selection.
func (s *Service) StartExecutionWithSelection(ctx context.Context, planPath string, selected []string) (string, error) {
	p, err := s.plans.LoadPlan(planPath)
	if err != nil {
		return "", err
	}
	if result := plan.Validate(p); !result.Valid {
		return "", result.FirstError()
	}
	if _, err := s.runs.ActiveRun(p.ProjectID); err == nil {
		return "", errors.ErrRunActive
	}

	crossRunDone, err := s.completedElsewhere(p)
	if err != nil {
		return "", err
	}

	eng, err := s.buildEngine(p)
	if err != nil {
		return "", err
	}
	if s.engine != nil {
		s.engine.Close()
	}
	s.engine = eng
	return eng.Start(ctx, selected, crossRunDone)
}

// completedElsewhere collects sections finished by earlier completed runs of
// the same plan.
func (s *Service) completedElsewhere(p *plan.Plan) (map[string]bool, error) {
	summaries, err := s.runs.ListRuns(p.ProjectID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, sum := range summaries {
		if sum.PlanID != p.ID || sum.Status != run.StatusCompleted {
			continue
		}
		r, err := s.runs.LoadRun(sum.ID)
		if err != nil {
			return nil, err
		}
		for id := range r.DoneSections() {
			done[id] = true
		}
	}
	return done, nil
}

// PauseExecution suspends the active run.
func (s *Service) PauseExecution(reason string) error {
	if s.engine == nil {
		return errors.ErrRunNotFound
	}
	return s.engine.Pause(reason)
}

// ResumeExecutionRun continues a paused run.
func (s *Service) ResumeExecutionRun(ctx context.Context, planPath, runID string) error {
	if s.engine == nil {
		p, err := s.plans.LoadPlan(planPath)
		if err != nil {
			return err
		}
		eng, err := s.buildEngine(p)
		if err != nil {
			return err
		}
		s.engine = eng
	}
	return s.engine.Resume(ctx, runID)
}

// RetrySection resets a failed section in a paused run. Works against the
// in-process engine when it holds the run, or directly on the stored record
// otherwise.
func (s *Service) RetrySection(runID, sectionID string) error {
	if s.engine != nil && s.engine.Run() != nil && s.engine.Run().ID == runID {
		return s.engine.RetrySection(sectionID)
	}
	return s.mutatePausedRun(runID, func(r *run.Run) error {
		st, ok := r.Sections[sectionID]
		if !ok {
			return errors.ErrSectionNotFound
		}
		if st.Status != plan.StatusFailed {
			return fmt.Errorf("section %s is %s, only failed sections can be retried",
				sectionID, st.Status)
		}
		st.Status = plan.StatusPending
		st.Attempts = 0
		st.FinishedAt = nil
		return nil
	})
}

// SkipSection marks a section skipped in a paused run; override lets its
// dependents proceed.
func (s *Service) SkipSection(runID, sectionID string, override bool) error {
	if s.engine != nil && s.engine.Run() != nil && s.engine.Run().ID == runID {
		return s.engine.SkipSection(sectionID, override)
	}
	return s.mutatePausedRun(runID, func(r *run.Run) error {
		st, ok := r.Sections[sectionID]
		if !ok {
			return errors.ErrSectionNotFound
		}
		if st.Status == plan.StatusDone {
			return fmt.Errorf("section %s already completed", sectionID)
		}
		st.Status = plan.StatusSkipped
		st.SkipOverride = override
		return nil
	})
}

// mutatePausedRun loads a paused run, applies the mutation, and saves it.
func (s *Service) mutatePausedRun(runID string, fn func(*run.Run) error) error {
	r, err := s.runs.LoadRun(runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusPaused {
		return fmt.Errorf("run %s is %s, mutations require a paused run", runID, r.Status)
	}
	if err := fn(r); err != nil {
		return err
	}
	return s.runs.SaveRun(r)
}

// ResolveConflict answers the held merge conflict.
func (s *Service) ResolveConflict(ctx context.Context, resolution merge.Resolution) error {
	if s.engine == nil {
		return errors.ErrRunNotFound
	}
	return s.engine.ResolveConflict(ctx, resolution)
}

// Subscribe streams engine events. Returns an error when no run is active.
func (s *Service) Subscribe() (<-chan engine.Event, func(), error) {
	if s.engine == nil {
		return nil, nil, errors.ErrRunNotFound
	}
	ch, cancel := s.engine.Subscribe()
	return ch, cancel, nil
}

// WaitForRun blocks until the active run settles.
func (s *Service) WaitForRun() {
	if s.engine != nil {
		s.engine.Wait()
	}
}

// -----------------------------------------------------------------------------
// Run queries
// -----------------------------------------------------------------------------

// ListExecutionSessions lists every run on record, across projects.
func (s *Service) ListExecutionSessions() ([]store.RunSummary, error) {
	return s.runs.ListRuns("")
}

// ListExecutionRuns lists run summaries for a project; empty lists all.
func (s *Service) ListExecutionRuns(projectID string) ([]store.RunSummary, error) {
	return s.runs.ListRuns(projectID)
}

// ActiveExecutionRun returns the plan's in-progress or paused run.
func (s *Service) ActiveExecutionRun(planPath string) (*run.Run, error) {
	p, err := s.plans.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}
	return s.runs.ActiveRun(p.ProjectID)
}

// GetExecutionRun loads one run record.
func (s *Service) GetExecutionRun(runID string) (*run.Run, error) {
	return s.runs.LoadRun(runID)
}

// DeleteExecutionRun removes a terminal run's record.
func (s *Service) DeleteExecutionRun(runID string) error {
	return s.runs.DeleteRun(runID)
}

// GateHistory returns the persisted gate outcomes of one section.
func (s *Service) GateHistory(runID, sectionID string) ([]store.GateRecord, error) {
	return s.runs.GateHistory(runID, sectionID)
}

// -----------------------------------------------------------------------------
// Plan commands
// -----------------------------------------------------------------------------

// ValidatePlan loads and validates the plan at planPath.
func (s *Service) ValidatePlan(planPath string) (*plan.Result, error) {
	p, err := s.plans.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}
	return plan.Validate(p), nil
}

// AnalyzePlan reports plan health and shape.
func (s *Service) AnalyzePlan(planPath string) (*plan.Issues, error) {
	p, err := s.plans.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}
	return plan.Analyze(p, s.cfg.PoolSize), nil
}

// ApplyPlanChanges applies a validated batch of edits to the plan file.
// Rejected batches leave the file untouched and return the violation.
func (s *Service) ApplyPlanChanges(planPath string, changes []plan.Change) (*plan.Plan, error) {
	p, err := s.plans.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}
	if r, err := s.runs.ActiveRun(p.ProjectID); err == nil {
		return nil, fmt.Errorf("plan is locked by active run %s: %w",
			r.ID, errors.ErrRunActive)
	}

	next, _, err := plan.ApplyChanges(p, changes)
	if err != nil {
		return nil, err
	}
	if err := s.plans.SavePlan(planPath, next); err != nil {
		return nil, err
	}
	return next, nil
}

// WatchPlan republishes valid external edits of the plan file until ctx is
// canceled.
func (s *Service) WatchPlan(ctx context.Context, planPath string) (*plan.Watcher, error) {
	w := plan.NewWatcher(planPath, s.plans, s.logger)
	go func() {
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("plan watcher stopped", "error", err)
		}
	}()
	return w, nil
}
