package engine

import (
	"sync"
	"time"

	"github.com/foremanlabs/foreman/internal/plan"
	"github.com/foremanlabs/foreman/internal/run"
	"github.com/foremanlabs/foreman/internal/worker"
)

// EventType identifies an engine event.
type EventType string

const (
	// EventRunStarted fires when a run begins or resumes.
	EventRunStarted EventType = "run_started"
	// EventSectionUpdate fires on every section status transition.
	EventSectionUpdate EventType = "section_update"
	// EventWorkerUpdate fires when a worker starts or exits.
	EventWorkerUpdate EventType = "worker_update"
	// EventWorkerOutput carries a line of agent output. Best effort; slow
	// subscribers lose output lines, never state transitions.
	EventWorkerOutput EventType = "worker_output"
	// EventGateResult fires after a verification attempt completes.
	EventGateResult EventType = "gate_result"
	// EventMergeConflict fires when an integration is held on a conflict.
	EventMergeConflict EventType = "merge_conflict"
	// EventBudgetWarning fires when accumulated spend crosses a ceiling.
	EventBudgetWarning EventType = "budget_warning"
	// EventRunFinished fires when a run reaches paused, completed, or failed.
	EventRunFinished EventType = "run_finished"
)

// Event is one engine occurrence.
type Event struct {
	Type        EventType    `json:"type"`
	RunID       string       `json:"run_id"`
	SectionID   string       `json:"section_id,omitempty"`
	WorkerID    string       `json:"worker_id,omitempty"`
	Status      plan.Status  `json:"status,omitempty"`       // section updates
	WorkerState string       `json:"worker_state,omitempty"` // worker updates
	Progress    int          `json:"progress,omitempty"`     // worker updates, 0-100
	RunStatus   run.Status   `json:"run_status,omitempty"`   // run finished
	Line        string       `json:"line,omitempty"`         // worker output
	GatePass    bool         `json:"gate_pass,omitempty"`
	Conflicts   []string     `json:"conflicts,omitempty"` // merge conflicts
	Usage       worker.Usage `json:"usage,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

const subscriberBuffer = 128

// Bus fans engine events out to subscribers. Publishing never blocks: state
// transition events evict the oldest buffered event of a slow subscriber,
// output events are simply dropped for that subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. Call the returned cancel function to
// unsubscribe; the channel is closed then.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers.
func (b *Bus) Publish(ev Event) {
	ev.Timestamp = time.Now()
	droppable := ev.Type == EventWorkerOutput

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if droppable {
			continue
		}
		// Evict the oldest event so the transition still lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
