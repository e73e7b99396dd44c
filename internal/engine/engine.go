// Package engine is the scheduler that drives an execution run: it walks
// the plan level by level, dispatches ready sections to the worker pool,
// verifies finished work through the gate pipeline, integrates passing
// sections serially, and enforces budget ceilings. Every state transition
// is persisted before the engine acts on it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foremanlabs/foreman/internal/budget"
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

// State is the engine's lifecycle state.
type State string

const (
	// StateIdle means no run is loaded.
	StateIdle State = "idle"
	// StateRunning means the scheduler loop is active.
	StateRunning State = "running"
	// StatePausing means a pause was requested; in-flight work is draining.
	StatePausing State = "pausing"
	// StatePaused means the run is suspended and mutable.
	StatePaused State = "paused"
	// StateCompleted means every selected section reached done or skipped.
	StateCompleted State = "completed"
	// StateFailed means the run stopped with failed or blocked sections.
	StateFailed State = "failed"
)

// Options are the engine's tunables.
type Options struct {
	SectionTimeout    time.Duration
	DefaultMaxRetries int
}

// Engine coordinates one run at a time.
type Engine struct {
	plan      *plan.Plan
	store     *store.RunStore
	pool      *worker.Pool
	gates     *gate.Runner
	worktrees *worktree.Manager
	merger    *merge.Coordinator
	governor  *budget.Governor
	logger    *logging.Logger
	opts      Options
	bus       *Bus

	mu          sync.Mutex
	state       State
	r           *run.Run
	wts         map[string]*worktree.Worktree
	pauseReason string
	loopDone    chan struct{}
	cancelLoop  context.CancelFunc
}

// verifyOutcome is the result of one section's gate-and-merge phase.
type verifyOutcome struct {
	sectionID  string
	gateResult *gate.Result
	commits    []string
	merged     *merge.Outcome
	err        error
}

// New creates an engine over the given plan and components.
func New(p *plan.Plan, st *store.RunStore, pool *worker.Pool, gates *gate.Runner,
	wts *worktree.Manager, merger *merge.Coordinator, gov *budget.Governor,
	logger *logging.Logger, opts Options) *Engine {
	return &Engine{
		plan:      p,
		store:     st,
		pool:      pool,
		gates:     gates,
		worktrees: wts,
		merger:    merger,
		governor:  gov,
		logger:    logger,
		opts:      opts,
		bus:       NewBus(),
		state:     StateIdle,
		wts:       make(map[string]*worktree.Worktree),
	}
}

// Subscribe returns a stream of engine events.
func (e *Engine) Subscribe() (<-chan Event, func()) { return e.bus.Subscribe() }

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run returns the current run record, or nil.
func (e *Engine) Run() *run.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start validates the plan and launches a new run over the selected
// sections. An empty selection means the whole plan. Returns the run ID.
func (e *Engine) Start(ctx context.Context, selected []string, crossRunDone map[string]bool) (string, error) {
	if result := plan.Validate(e.plan); !result.Valid {
		return "", result.FirstError()
	}
	if len(selected) == 0 {
		selected = e.plan.SectionIDs()
	}
	for _, id := range selected {
		if e.plan.Section(id) == nil {
			return "", errors.Wrap(errors.ErrSectionNotFound, id)
		}
	}

	e.mu.Lock()
	if e.state == StateRunning || e.state == StatePausing {
		e.mu.Unlock()
		return "", errors.ErrRunActive
	}
	r := run.New(e.plan, selected, crossRunDone)
	e.r = r
	e.state = StateRunning
	e.pauseReason = ""
	e.loopDone = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	e.mu.Unlock()

	if err := e.store.SaveRun(r); err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return "", err
	}

	e.bus.Publish(Event{Type: EventRunStarted, RunID: r.ID})
	go e.loop(loopCtx)
	return r.ID, nil
}

// Resume loads a paused run and continues it. The plan is re-validated
// first; interrupted sections restart from pending.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	if result := plan.Validate(e.plan); !result.Valid {
		return result.FirstError()
	}

	r, err := e.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return errors.ErrRunImmutable
	}

	e.mu.Lock()
	if e.state == StateRunning || e.state == StatePausing {
		e.mu.Unlock()
		return errors.ErrRunActive
	}
	r.ResetInFlight()
	r.Status = run.StatusInProgress
	r.PausedFor = ""
	e.r = r
	e.state = StateRunning
	e.pauseReason = ""
	e.loopDone = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	e.mu.Unlock()

	sections := make(map[string]worker.Usage, len(r.Sections))
	var session worker.Usage
	for id, st := range r.Sections {
		u := worker.Usage{
			CostUSD:      st.Metrics.CostUSD,
			TokensInput:  st.Metrics.TokensInput,
			TokensOutput: st.Metrics.TokensOutput,
			Turns:        st.Metrics.TurnsUsed,
		}
		sections[id] = u
		session.Add(u)
	}
	e.governor.Seed(session, sections)

	if err := e.store.SaveRun(r); err != nil {
		cancel()
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}

	e.bus.Publish(Event{Type: EventRunStarted, RunID: r.ID, Reason: "resumed"})
	go e.loop(loopCtx)
	return nil
}

// Pause requests suspension. In-flight workers are canceled; their sections
// return to pending. Blocks until the loop drains.
func (e *Engine) Pause(reason string) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("cannot pause in state %s", e.state)
	}
	e.state = StatePausing
	if e.pauseReason == "" {
		e.pauseReason = reason
	}
	done := e.loopDone
	e.mu.Unlock()

	e.pool.CancelAll()
	<-done
	return nil
}

// Wait blocks until the current scheduler loop exits.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.loopDone
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// requestPause is the internal variant used by the loop itself (budget
// breach, merge conflict). Never blocks.
func (e *Engine) requestPause(reason string) {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StatePausing
		e.pauseReason = reason
	}
	e.mu.Unlock()
	e.pool.CancelAll()
}

func (e *Engine) isPausing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StatePausing
}

// -----------------------------------------------------------------------------
// Scheduler loop
// -----------------------------------------------------------------------------

func (e *Engine) loop(ctx context.Context) {
	e.mu.Lock()
	r := e.r
	done := e.loopDone
	e.mu.Unlock()
	defer close(done)

	log := e.logger.WithRun(r.ID)
	selected := r.SelectedSet()
	levels := plan.Levels(e.plan)
	// Buffered to the selection size so verify goroutines never block on
	// send, even if the loop exits early.
	verifyCh := make(chan verifyOutcome, len(r.Selected))

	inflight := 0 // dispatched workers plus running verifications
	poolClosed := false

	for levelIdx, level := range levels {
		if e.isPausing() || ctx.Err() != nil {
			break
		}

		levelSections := make([]string, 0, len(level))
		for _, id := range level {
			if selected[id] {
				levelSections = append(levelSections, id)
			}
		}
		if len(levelSections) == 0 {
			continue
		}
		log.Info("level started", "level", levelIdx, "sections", len(levelSections))

		for !e.levelSettled(levelSections) {
			if e.isPausing() || ctx.Err() != nil {
				break
			}

			dispatched, err := e.dispatchReady(ctx, levelSections)
			if err != nil {
				// Session budget denial at dispatch time pauses the run.
				e.bus.Publish(Event{Type: EventBudgetWarning, RunID: r.ID,
					Reason: err.Error()})
				e.requestPause("budget: " + err.Error())
				break
			}
			inflight += dispatched

			if inflight == 0 {
				// Nothing running and nothing dispatchable here: move on.
				// Later levels may still hold sections whose dependency
				// chains avoid the failures.
				break
			}

			select {
			case <-ctx.Done():
			case ev, ok := <-e.pool.Events():
				if !ok {
					poolClosed = true
					break
				}
				if n := e.handlePoolEvent(ctx, ev, verifyCh); n != 0 {
					inflight += n
				}
			case vo := <-verifyCh:
				inflight--
				e.handleVerifyOutcome(vo)
			}
			if poolClosed {
				break
			}
		}

		if poolClosed || e.isPausing() || ctx.Err() != nil {
			break
		}
	}

	// Drain whatever is still in flight before settling the run state.
	for inflight > 0 && !poolClosed {
		select {
		case ev, ok := <-e.pool.Events():
			if !ok {
				poolClosed = true
				continue
			}
			if n := e.handlePoolEvent(ctx, ev, verifyCh); n != 0 {
				inflight += n
			}
		case vo := <-verifyCh:
			inflight--
			e.handleVerifyOutcome(vo)
		}
	}

	e.finalize()
}

// levelSettled reports whether the level can make no more progress: every
// selected section either reached a final state or is stranded behind one.
func (e *Engine) levelSettled(sectionIDs []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	selected := e.r.SelectedSet()
	for _, id := range sectionIDs {
		if e.r.SectionStatus(id).IsTerminal() {
			continue
		}
		if !e.strandedLocked(selected, id) {
			return false
		}
	}
	return true
}

// strandedLocked reports whether a section can never become ready in this
// run: some selected transitive dependency failed, or was skipped without
// the override. Caller holds e.mu.
func (e *Engine) strandedLocked(selected map[string]bool, sectionID string) bool {
	for depID := range plan.TransitiveDependencies(e.plan, sectionID) {
		if !selected[depID] {
			continue
		}
		switch e.r.SectionStatus(depID) {
		case plan.StatusFailed:
			return true
		case plan.StatusSkipped:
			if !e.r.SkipOverride(depID) {
				return true
			}
		}
	}
	return false
}

// dispatchReady starts as many ready sections of the level as slots and
// budget allow. Returns the number dispatched.
func (e *Engine) dispatchReady(ctx context.Context, levelSections []string) (int, error) {
	e.mu.Lock()
	r := e.r
	selected := r.SelectedSet()
	e.mu.Unlock()

	levelSet := make(map[string]bool, len(levelSections))
	for _, id := range levelSections {
		levelSet[id] = true
	}

	dispatched := 0
	for _, id := range plan.ReadySet(e.plan, selected, r) {
		if !levelSet[id] {
			continue
		}
		if err := e.governor.CheckBeforeDispatch(id); err != nil {
			if errors.BudgetScopeOf(err) == errors.ScopeSection {
				// This section spent its own ceiling across attempts; it
				// fails, the rest of the level keeps dispatching.
				e.bus.Publish(Event{Type: EventBudgetWarning, RunID: r.ID,
					SectionID: id, Reason: err.Error()})
				e.failSection(id, err.Error())
				continue
			}
			if dispatched > 0 {
				// Let in-flight work settle before pausing.
				return dispatched, nil
			}
			return 0, err
		}

		ok, err := e.dispatchSection(ctx, id)
		if err != nil {
			e.logger.WithRun(r.ID).Error("dispatch failed", "section", id, "error", err)
			e.failSection(id, "dispatch failed: "+err.Error())
			continue
		}
		if !ok {
			break // pool saturated
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatchSection creates the worktree and hands the section to the pool.
func (e *Engine) dispatchSection(ctx context.Context, sectionID string) (bool, error) {
	e.mu.Lock()
	r := e.r
	st := r.Sections[sectionID]
	e.mu.Unlock()

	sec := e.plan.Section(sectionID)

	wt, ok := e.wtFor(sectionID)
	if !ok {
		var err error
		wt, err = e.worktrees.Create(ctx, r.ID, sectionID)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.wts[sectionID] = wt
		e.mu.Unlock()
	}

	task := worker.Task{
		RunID:     r.ID,
		SectionID: sectionID,
		Prompt:    e.buildPrompt(sec, st),
		Dir:       wt.Path,
		Timeout:   e.opts.SectionTimeout,
	}

	workerID, started, err := e.pool.TryDispatch(ctx, task)
	if err != nil || !started {
		return false, err
	}

	now := time.Now()
	e.mu.Lock()
	st.Status = plan.StatusInProgress
	st.Attempts++
	st.WorkerID = workerID
	st.Branch = wt.Branch
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	e.mu.Unlock()

	e.saveAndPublish(sectionID, plan.StatusInProgress, workerID)
	return true, nil
}

// buildPrompt assembles the agent prompt: the section description plus the
// success criteria, and on retries the previous attempt's gate output.
func (e *Engine) buildPrompt(sec *plan.Section, st *run.SectionState) string {
	prompt := sec.Description
	if len(sec.SuccessCriteria) > 0 {
		prompt += "\n\nSuccess criteria:\n"
		for _, c := range sec.SuccessCriteria {
			prompt += "- " + c.Description + "\n"
		}
	}
	if st.FailureNote != "" {
		prompt += "\n\nThe previous attempt failed verification:\n" + st.FailureNote
	}
	return prompt
}

// handlePoolEvent processes a worker pool event. Returns the inflight delta:
// +1 when a finished worker handed off to a verification goroutine.
func (e *Engine) handlePoolEvent(ctx context.Context, ev worker.Event, verifyCh chan<- verifyOutcome) int {
	switch ev.Kind {
	case worker.EventStarted:
		e.bus.Publish(Event{Type: EventWorkerUpdate, RunID: ev.RunID,
			SectionID: ev.SectionID, WorkerID: ev.WorkerID, WorkerState: "running"})
		return 0

	case worker.EventOutput:
		e.bus.Publish(Event{Type: EventWorkerOutput, RunID: ev.RunID,
			SectionID: ev.SectionID, WorkerID: ev.WorkerID, Line: ev.Line})
		return 0

	case worker.EventProgress:
		e.mu.Lock()
		if st, ok := e.r.Sections[ev.SectionID]; ok {
			st.Progress = ev.Progress
		}
		e.mu.Unlock()
		// Progress ticks are not persisted individually; the next state
		// transition carries the latest value.
		e.bus.Publish(Event{Type: EventWorkerUpdate, RunID: ev.RunID,
			SectionID: ev.SectionID, WorkerID: ev.WorkerID,
			WorkerState: "running", Progress: ev.Progress})
		return 0

	case worker.EventFinished:
		state := "exited"
		if ev.Err != nil {
			state = "failed"
		}
		e.bus.Publish(Event{Type: EventWorkerUpdate, RunID: ev.RunID,
			SectionID: ev.SectionID, WorkerID: ev.WorkerID, WorkerState: state})
		e.recordUsage(ev.SectionID, ev.Usage)

		if ev.Err != nil {
			e.handleWorkerFailure(ev)
			return -1
		}

		// Budget check before spending more on verification.
		if err := e.governor.CheckBeforeDispatch(ev.SectionID); err != nil {
			e.bus.Publish(Event{Type: EventBudgetWarning, RunID: ev.RunID,
				SectionID: ev.SectionID, Reason: err.Error()})
		}

		e.setSectionStatus(ev.SectionID, plan.StatusVerifying)
		go e.verify(ctx, ev.SectionID, verifyCh)
		return 0 // worker slot swapped for a verify slot
	}
	return 0
}

// recordUsage folds an attempt's usage into the run record and the governor.
// A breach pauses (session) or fails the section (section/subtask scope).
func (e *Engine) recordUsage(sectionID string, u worker.Usage) {
	delta := run.Metrics{CostUSD: u.CostUSD, TokensInput: u.TokensInput,
		TokensOutput: u.TokensOutput, TurnsUsed: u.Turns}

	e.mu.Lock()
	if st, ok := e.r.Sections[sectionID]; ok {
		st.Metrics.Add(delta)
	}
	e.r.Totals.Add(delta)
	e.mu.Unlock()

	err := e.governor.Record(sectionID, u)
	if err == nil {
		return
	}
	e.bus.Publish(Event{Type: EventBudgetWarning, RunID: e.r.ID,
		SectionID: sectionID, Reason: err.Error(), Usage: u})

	switch errors.BudgetScopeOf(err) {
	case errors.ScopeSession:
		e.requestPause("budget: " + err.Error())
	case errors.ScopeSection:
		e.failSection(sectionID, err.Error())
	case errors.ScopeSubtask:
		// The attempt is charged against the retry count via FailureNote;
		// retry policy decides in handleWorkerFailure or the gate path.
		e.noteFailure(sectionID, err.Error())
	}
}

// handleWorkerFailure applies retry policy to a crashed, timed out, or
// canceled worker.
func (e *Engine) handleWorkerFailure(ev worker.Event) {
	if errors.Is(ev.Err, errors.ErrWorkerCanceled) {
		// Pause or shutdown: the attempt is voided, not charged.
		e.mu.Lock()
		if st, ok := e.r.Sections[ev.SectionID]; ok && !st.Status.IsTerminal() {
			st.Status = plan.StatusPending
			st.WorkerID = ""
			if st.Attempts > 0 {
				st.Attempts--
			}
		}
		e.mu.Unlock()
		e.saveAndPublish(ev.SectionID, plan.StatusPending, "")
		return
	}

	e.noteFailure(ev.SectionID, ev.Err.Error())
	if errors.IsRetryable(ev.Err) && e.retriesLeft(ev.SectionID) {
		e.setSectionStatus(ev.SectionID, plan.StatusPending)
		return
	}
	e.failSection(ev.SectionID, ev.Err.Error())
}

// verify runs the gate pipeline and, on pass, integrates the section.
func (e *Engine) verify(ctx context.Context, sectionID string, out chan<- verifyOutcome) {
	wt, ok := e.wtFor(sectionID)
	if !ok {
		out <- verifyOutcome{sectionID: sectionID,
			err: errors.New("worktree missing for section " + sectionID)}
		return
	}

	changed, err := e.worktrees.ChangedFiles(ctx, wt)
	if err != nil {
		out <- verifyOutcome{sectionID: sectionID, err: err}
		return
	}

	result, err := e.gates.Run(ctx, wt.Path, changed)
	if err != nil {
		out <- verifyOutcome{sectionID: sectionID, err: err}
		return
	}
	e.persistGateResults(sectionID, result)

	if !result.Passed() {
		out <- verifyOutcome{sectionID: sectionID, gateResult: result}
		return
	}

	commits, err := e.worktrees.Commits(ctx, wt)
	if err != nil {
		out <- verifyOutcome{sectionID: sectionID, gateResult: result, err: err}
		return
	}
	merged, err := e.merger.Integrate(ctx, wt, commits)
	out <- verifyOutcome{sectionID: sectionID, gateResult: result,
		commits: commits, merged: merged, err: err}
}

func (e *Engine) persistGateResults(sectionID string, result *gate.Result) {
	e.mu.Lock()
	r := e.r
	attempt := 0
	if st, ok := r.Sections[sectionID]; ok {
		attempt = st.Attempts
	}
	e.mu.Unlock()

	records := make([]store.GateRecord, 0, len(result.Stages))
	for _, st := range result.Stages {
		if st.Skipped {
			continue
		}
		records = append(records, store.GateRecord{
			RunID:     r.ID,
			SectionID: sectionID,
			Attempt:   attempt,
			Stage:     st.Name,
			Kind:      string(st.Kind),
			Passed:    st.Passed,
			Blocking:  st.Blocking,
			Output:    st.Output,
			Duration:  st.Duration,
		})
	}
	if err := e.store.AppendGateResults(records); err != nil {
		e.logger.WithRun(r.ID).Error("failed to persist gate results",
			"section", sectionID, "error", err)
	}
}

// handleVerifyOutcome settles a section after its gate-and-merge phase.
func (e *Engine) handleVerifyOutcome(vo verifyOutcome) {
	runID := e.r.ID

	switch {
	case vo.err != nil && errors.Is(vo.err, errors.ErrMergeConflict):
		var mc *errors.MergeConflictError
		conflicts := []string{}
		if errors.As(vo.err, &mc) {
			conflicts = mc.Files
		}
		e.bus.Publish(Event{Type: EventMergeConflict, RunID: runID,
			SectionID: vo.sectionID, Conflicts: conflicts})
		// The section stays verifying; the run pauses for resolution.
		e.requestPause("merge conflict on section " + vo.sectionID)

	case vo.err != nil:
		e.noteFailure(vo.sectionID, vo.err.Error())
		e.failSection(vo.sectionID, vo.err.Error())

	case vo.gateResult != nil && !vo.gateResult.Passed():
		e.bus.Publish(Event{Type: EventGateResult, RunID: runID,
			SectionID: vo.sectionID, GatePass: false})
		e.noteFailure(vo.sectionID, vo.gateResult.FailureSummary())
		if e.retriesLeft(vo.sectionID) {
			e.setSectionStatus(vo.sectionID, plan.StatusRetrying)
			e.setSectionStatus(vo.sectionID, plan.StatusPending)
		} else {
			e.failSection(vo.sectionID, "verification failed after retries")
		}

	default:
		e.bus.Publish(Event{Type: EventGateResult, RunID: runID,
			SectionID: vo.sectionID, GatePass: true})
		now := time.Now()
		e.mu.Lock()
		if st, ok := e.r.Sections[vo.sectionID]; ok {
			st.Status = plan.StatusDone
			st.FinishedAt = &now
			st.FailureNote = ""
			st.Progress = 100
			st.Commits = vo.commits
			if vo.merged != nil {
				st.MergeSeq = vo.merged.Seq
			}
		}
		e.mu.Unlock()
		e.saveAndPublish(vo.sectionID, plan.StatusDone, "")
	}
}

// retriesLeft reports whether the section may be dispatched again.
func (e *Engine) retriesLeft(sectionID string) bool {
	max := e.opts.DefaultMaxRetries
	if sec := e.plan.Section(sectionID); sec != nil && sec.MaxRetries > 0 {
		max = sec.MaxRetries
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.r.Sections[sectionID]
	return ok && st.Attempts <= max
}

func (e *Engine) noteFailure(sectionID, note string) {
	e.mu.Lock()
	if st, ok := e.r.Sections[sectionID]; ok {
		st.FailureNote = note
	}
	e.mu.Unlock()
}

func (e *Engine) failSection(sectionID, note string) {
	now := time.Now()
	e.mu.Lock()
	if st, ok := e.r.Sections[sectionID]; ok {
		st.Status = plan.StatusFailed
		st.FailureNote = note
		st.FinishedAt = &now
	}
	e.mu.Unlock()
	e.saveAndPublish(sectionID, plan.StatusFailed, "")
}

func (e *Engine) setSectionStatus(sectionID string, status plan.Status) {
	e.mu.Lock()
	if st, ok := e.r.Sections[sectionID]; ok {
		st.Status = status
		if status == plan.StatusPending {
			st.WorkerID = ""
		}
	}
	e.mu.Unlock()
	e.saveAndPublish(sectionID, status, "")
}

// saveAndPublish persists the run and then announces the transition. The
// store write comes first so subscribers never observe state that could be
// lost to a crash.
func (e *Engine) saveAndPublish(sectionID string, status plan.Status, workerID string) {
	e.mu.Lock()
	r := e.r
	e.mu.Unlock()

	if err := e.store.SaveRun(r); err != nil {
		e.logger.WithRun(r.ID).Error("failed to persist run", "error", err)
	}
	e.bus.Publish(Event{Type: EventSectionUpdate, RunID: r.ID,
		SectionID: sectionID, WorkerID: workerID, Status: status})
}

// finalize settles the run's terminal or paused state once the loop drains.
func (e *Engine) finalize() {
	e.mu.Lock()
	r := e.r
	reason := e.pauseReason

	// Stranded sections never dispatch and stay pending to the end.
	blocked := !r.AllTerminal()

	var final run.Status
	var state State
	switch {
	case e.state == StatePausing:
		final, state = run.StatusPaused, StatePaused
		r.PausedFor = reason
	case blocked || r.HasFailed():
		final, state = run.StatusFailed, StateFailed
		if blocked && reason == "" {
			reason = "sections blocked behind failed dependencies"
		}
	default:
		final, state = run.StatusCompleted, StateCompleted
	}
	r.Status = final
	e.state = state
	e.mu.Unlock()

	if err := e.store.SaveRun(r); err != nil {
		e.logger.WithRun(r.ID).Error("failed to persist final run state", "error", err)
	}
	if final.IsTerminal() {
		// Paused runs keep their worktrees for resume; terminal runs don't.
		if err := e.worktrees.Prune(context.Background(), r.ID); err != nil {
			e.logger.WithRun(r.ID).Warn("failed to prune worktrees", "error", err)
		}
	}
	e.logger.WithRun(r.ID).Info("run settled", "status", string(final), "reason", reason)
	e.bus.Publish(Event{Type: EventRunFinished, RunID: r.ID,
		RunStatus: final, Reason: reason})
}

func (e *Engine) wtFor(sectionID string) (*worktree.Worktree, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wt, ok := e.wts[sectionID]
	return wt, ok
}

// -----------------------------------------------------------------------------
// Paused-run mutations
// -----------------------------------------------------------------------------

// RetrySection resets a failed section to pending. Only legal while the run
// is paused; the reset takes effect on resume.
func (e *Engine) RetrySection(sectionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("retry requires a paused run, state is %s", e.state)
	}
	st, ok := e.r.Sections[sectionID]
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
	return e.store.SaveRun(e.r)
}

// SkipSection marks a section skipped. With override, its dependents may
// proceed as if it had completed. Only legal while the run is paused.
func (e *Engine) SkipSection(sectionID string, override bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("skip requires a paused run, state is %s", e.state)
	}
	st, ok := e.r.Sections[sectionID]
	if !ok {
		return errors.ErrSectionNotFound
	}
	if st.Status == plan.StatusDone {
		return fmt.Errorf("section %s already completed", sectionID)
	}
	now := time.Now()
	st.Status = plan.StatusSkipped
	st.SkipOverride = override
	st.FinishedAt = &now
	return e.store.SaveRun(e.r)
}

// SetLimits replaces the budget ceilings, typically before resuming a run
// paused on a session breach.
func (e *Engine) SetLimits(limits budget.Limits) {
	e.governor.SetLimits(limits)
}

// ResolveConflict applies a resolution to the held merge conflict and, on
// success, marks the section done. Only legal while the run is paused.
func (e *Engine) ResolveConflict(ctx context.Context, resolution merge.Resolution) error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("conflict resolution requires a paused run, state is %s", e.state)
	}
	e.mu.Unlock()

	out, err := e.merger.Resolve(ctx, resolution)
	if err != nil {
		return err
	}

	now := time.Now()
	e.mu.Lock()
	if st, ok := e.r.Sections[out.SectionID]; ok {
		st.Status = plan.StatusDone
		st.MergeSeq = out.Seq
		st.FinishedAt = &now
		st.FailureNote = ""
	}
	r := e.r
	e.mu.Unlock()

	if err := e.store.SaveRun(r); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventSectionUpdate, RunID: r.ID,
		SectionID: out.SectionID, Status: plan.StatusDone})
	return nil
}

// AbandonConflict aborts the held cherry-pick and fails the section.
func (e *Engine) AbandonConflict(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("conflict resolution requires a paused run, state is %s", e.state)
	}
	held := e.merger.HeldConflict()
	e.mu.Unlock()

	if held == nil {
		return errors.New("no conflict held")
	}
	if err := e.merger.Abandon(ctx); err != nil {
		return err
	}
	e.failSection(held.SectionID, "merge conflict abandoned")
	return nil
}

// Close shuts the engine down: cancels the loop, closes the pool, and closes
// the event bus.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancelLoop
	done := e.loopDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.pool.Close()
	go func() {
		for range e.pool.Events() {
		}
	}()
	if done != nil {
		<-done
	}
	e.bus.Close()
}
