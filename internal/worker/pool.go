package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/logging"
)

// EventKind identifies a pool event.
type EventKind string

const (
	// EventStarted means a worker began executing a section.
	EventStarted EventKind = "started"
	// EventOutput carries one line of agent output.
	EventOutput EventKind = "output"
	// EventProgress carries an agent-reported completion percentage.
	EventProgress EventKind = "progress"
	// EventFinished means the attempt completed (Err nil) or failed (Err set).
	EventFinished EventKind = "finished"
)

// Event is one pool occurrence. Finished events carry the attempt's usage
// and terminal error.
type Event struct {
	Kind      EventKind
	WorkerID  string
	RunID     string
	SectionID string
	Line      string // output events only
	Progress  int    // progress events only, 0-100
	Usage     Usage  // finished events only
	Err       error  // finished events only
}

type activeWorker struct {
	workerID string
	cancel   context.CancelFunc
}

// Pool runs tasks through agents with a bounded concurrency ceiling. Events
// flow out on a single bounded channel; the engine is the sole consumer.
type Pool struct {
	agent  Agent
	sem    *semaphore
	logger *logging.Logger

	mu     sync.Mutex
	active map[string]*activeWorker // keyed by section ID
	closed bool

	wg     sync.WaitGroup
	events chan Event
}

// NewPool creates a pool with the given concurrency ceiling.
func NewPool(agent Agent, size int, logger *logging.Logger) *Pool {
	return &Pool{
		agent:  agent,
		sem:    newSemaphore(size),
		logger: logger,
		active: make(map[string]*activeWorker),
		events: make(chan Event, 256),
	}
}

// Events returns the pool's event stream. Closed by Close after all workers
// finish.
func (p *Pool) Events() <-chan Event { return p.events }

// Available returns the number of free worker slots.
func (p *Pool) Available() int { return p.sem.available() }

// Resize changes the concurrency ceiling without interrupting in-flight
// workers.
func (p *Pool) Resize(size int) { p.sem.resize(size) }

// TryDispatch starts the task on a free slot. Returns false when the pool is
// saturated; the caller retries after a finished event frees a slot.
func (p *Pool) TryDispatch(ctx context.Context, task Task) (string, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", false, errors.ErrPoolClosed
	}
	if _, running := p.active[task.SectionID]; running {
		p.mu.Unlock()
		return "", false, errors.NewWorkerError("section already running", nil).
			WithSectionID(task.SectionID)
	}
	p.mu.Unlock()

	if !p.sem.tryAcquire() {
		return "", false, nil
	}

	workerID := uuid.NewString()
	taskCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		p.sem.release()
		return "", false, errors.ErrPoolClosed
	}
	p.active[task.SectionID] = &activeWorker{workerID: workerID, cancel: cancel}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(taskCtx, workerID, task)

	return workerID, true, nil
}

func (p *Pool) run(ctx context.Context, workerID string, task Task) {
	defer p.wg.Done()
	defer p.sem.release()

	log := p.logger.WithWorker(workerID).WithSection(task.SectionID)
	log.Info("worker started")

	p.events <- Event{Kind: EventStarted, WorkerID: workerID,
		RunID: task.RunID, SectionID: task.SectionID}

	emit := func(line string) {
		// Output is best effort: drop lines rather than stall the worker
		// when the consumer falls behind. Finished events never drop.
		ev := Event{Kind: EventOutput, WorkerID: workerID,
			RunID: task.RunID, SectionID: task.SectionID, Line: line}
		if pct, ok := parseProgress(line); ok {
			ev = Event{Kind: EventProgress, WorkerID: workerID,
				RunID: task.RunID, SectionID: task.SectionID, Progress: pct}
		}
		select {
		case p.events <- ev:
		default:
		}
	}

	usage, err := p.agent.Execute(ctx, task, emit)
	err = classify(ctx, err, workerID, task.SectionID)

	p.mu.Lock()
	delete(p.active, task.SectionID)
	p.mu.Unlock()

	if err != nil {
		log.Warn("worker finished with error", "error", err)
	} else {
		log.Info("worker finished", "cost_usd", usage.CostUSD, "turns", usage.Turns)
	}

	p.events <- Event{Kind: EventFinished, WorkerID: workerID,
		RunID: task.RunID, SectionID: task.SectionID, Usage: usage, Err: err}
}

// progressLine is the structured record agents may interleave with output to
// report completion percentage.
type progressLine struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
}

func parseProgress(line string) (int, bool) {
	if !strings.Contains(line, `"progress"`) {
		return 0, false
	}
	var pl progressLine
	if json.Unmarshal([]byte(line), &pl) != nil || pl.Type != "progress" {
		return 0, false
	}
	return min(max(pl.Progress, 0), 100), true
}

// classify maps raw agent errors onto the worker error taxonomy.
func classify(ctx context.Context, err error, workerID, sectionID string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.NewWorkerError("attempt exceeded time ceiling", errors.ErrWorkerTimeout).
			WithWorkerID(workerID).WithSectionID(sectionID)
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return errors.NewWorkerError("attempt canceled", errors.ErrWorkerCanceled).
			WithWorkerID(workerID).WithSectionID(sectionID)
	default:
		return errors.NewWorkerError(err.Error(), errors.ErrWorkerCrashed).
			WithWorkerID(workerID).WithSectionID(sectionID)
	}
}

// Cancel stops the worker executing a section, if any. The worker's finished
// event still arrives with a cancellation error.
func (p *Pool) Cancel(sectionID string) bool {
	p.mu.Lock()
	w, ok := p.active[sectionID]
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
	return ok
}

// CancelAll stops every in-flight worker.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	workers := make([]*activeWorker, 0, len(p.active))
	for _, w := range p.active {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	for _, w := range workers {
		w.cancel()
	}
}

// Close cancels in-flight workers, waits for them, and closes the event
// stream. The caller must keep draining Events until it closes.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.CancelAll()
	go func() {
		p.wg.Wait()
		close(p.events)
	}()
}
