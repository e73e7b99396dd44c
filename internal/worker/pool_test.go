package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubAgent blocks until released, then returns the configured outcome.
type stubAgent struct {
	mu      sync.Mutex
	block   chan struct{} // closed to release all executions
	started int32
	usage   Usage
	err     error
	lines   []string
}

func newStubAgent() *stubAgent {
	return &stubAgent{block: make(chan struct{})}
}

func (a *stubAgent) Execute(ctx context.Context, task Task, emit func(string)) (Usage, error) {
	atomic.AddInt32(&a.started, 1)
	a.mu.Lock()
	lines, usage, err := a.lines, a.usage, a.err
	a.mu.Unlock()
	for _, l := range lines {
		emit(l)
	}
	select {
	case <-a.block:
	case <-ctx.Done():
		return usage, ctx.Err()
	}
	return usage, err
}

func (a *stubAgent) release() { close(a.block) }

// drainUntilFinished consumes events until n finished events arrive.
func drainUntilFinished(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var finished []Event
	timeout := time.After(5 * time.Second)
	for len(finished) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed with %d/%d finished", len(finished), n)
			}
			if ev.Kind == EventFinished {
				finished = append(finished, ev)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d finished events", n)
		}
	}
	return finished
}

func drainClosed(events <-chan Event) {
	for range events {
	}
}

func TestPoolEnforcesConcurrencyCeiling(t *testing.T) {
	agent := newStubAgent()
	pool := NewPool(agent, 2, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, ok, err := pool.TryDispatch(ctx, Task{RunID: "r", SectionID: id}); err != nil || !ok {
			t.Fatalf("dispatch %s: ok=%v err=%v", id, ok, err)
		}
	}

	// Third dispatch must be refused, not queued.
	if _, ok, err := pool.TryDispatch(ctx, Task{RunID: "r", SectionID: "c"}); err != nil {
		t.Fatalf("TryDispatch: %v", err)
	} else if ok {
		t.Fatal("pool of 2 accepted a third concurrent task")
	}
	if pool.Available() != 0 {
		t.Errorf("Available = %d, want 0", pool.Available())
	}

	agent.release()
	drainUntilFinished(t, pool.Events(), 2)

	// A slot is free again.
	if _, ok, err := pool.TryDispatch(ctx, Task{RunID: "r", SectionID: "c"}); err != nil || !ok {
		t.Fatalf("dispatch after release: ok=%v err=%v", ok, err)
	}
	drainUntilFinished(t, pool.Events(), 1)
}

func TestPoolRejectsDuplicateSection(t *testing.T) {
	agent := newStubAgent()
	pool := NewPool(agent, 2, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	ctx := context.Background()
	if _, ok, err := pool.TryDispatch(ctx, Task{RunID: "r", SectionID: "a"}); err != nil || !ok {
		t.Fatalf("first dispatch: ok=%v err=%v", ok, err)
	}
	if _, _, err := pool.TryDispatch(ctx, Task{RunID: "r", SectionID: "a"}); err == nil {
		t.Fatal("expected duplicate section dispatch to error")
	}
	agent.release()
	drainUntilFinished(t, pool.Events(), 1)
}

func TestPoolFinishedEventCarriesUsage(t *testing.T) {
	agent := newStubAgent()
	agent.usage = Usage{CostUSD: 0.42, Turns: 3}
	agent.lines = []string{"working on it"}
	pool := NewPool(agent, 1, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	workerID, ok, err := pool.TryDispatch(context.Background(), Task{RunID: "r", SectionID: "a"})
	if err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	agent.release()

	finished := drainUntilFinished(t, pool.Events(), 1)[0]
	if finished.WorkerID != workerID {
		t.Errorf("WorkerID = %s, want %s", finished.WorkerID, workerID)
	}
	if finished.Usage.CostUSD != 0.42 || finished.Usage.Turns != 3 {
		t.Errorf("Usage = %+v", finished.Usage)
	}
	if finished.Err != nil {
		t.Errorf("Err = %v, want nil", finished.Err)
	}
}

func TestPoolParsesProgressLines(t *testing.T) {
	agent := newStubAgent()
	agent.lines = []string{
		`{"type":"progress","progress":40}`,
		"plain output",
		`{"type":"progress","progress":250}`, // clamped
	}
	pool := NewPool(agent, 1, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	if _, ok, err := pool.TryDispatch(context.Background(), Task{RunID: "r", SectionID: "a"}); err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	agent.release()

	var progress []int
	var outputs []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-pool.Events():
			switch ev.Kind {
			case EventProgress:
				progress = append(progress, ev.Progress)
			case EventOutput:
				outputs = append(outputs, ev.Line)
			case EventFinished:
				done = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for finished event")
		}
	}

	if len(progress) != 2 || progress[0] != 40 || progress[1] != 100 {
		t.Errorf("progress = %v, want [40 100]", progress)
	}
	if len(outputs) != 1 || outputs[0] != "plain output" {
		t.Errorf("outputs = %v, want [plain output]", outputs)
	}
}

func TestPoolCancelClassifiesAsCanceled(t *testing.T) {
	agent := newStubAgent()
	defer agent.release()
	pool := NewPool(agent, 1, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	if _, ok, err := pool.TryDispatch(context.Background(), Task{RunID: "r", SectionID: "a"}); err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	if !pool.Cancel("a") {
		t.Fatal("Cancel should find the running section")
	}

	finished := drainUntilFinished(t, pool.Events(), 1)[0]
	if !errors.Is(finished.Err, errors.ErrWorkerCanceled) {
		t.Errorf("Err = %v, want ErrWorkerCanceled", finished.Err)
	}
	if errors.IsRetryable(finished.Err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestPoolCrashClassifiesAsRetryable(t *testing.T) {
	agent := newStubAgent()
	agent.err = errors.New("agent exited abnormally: signal: killed")
	pool := NewPool(agent, 1, logging.Nop())
	defer func() {
		pool.Close()
		drainClosed(pool.Events())
	}()

	if _, ok, err := pool.TryDispatch(context.Background(), Task{RunID: "r", SectionID: "a"}); err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	agent.release()

	finished := drainUntilFinished(t, pool.Events(), 1)[0]
	if !errors.Is(finished.Err, errors.ErrWorkerCrashed) {
		t.Errorf("Err = %v, want ErrWorkerCrashed", finished.Err)
	}
	if !errors.IsRetryable(finished.Err) {
		t.Error("crash must be retryable")
	}
}

func TestPoolCloseRefusesNewWork(t *testing.T) {
	agent := newStubAgent()
	agent.release()
	pool := NewPool(agent, 1, logging.Nop())
	pool.Close()
	drainClosed(pool.Events())

	_, _, err := pool.TryDispatch(context.Background(), Task{RunID: "r", SectionID: "a"})
	if !errors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestSemaphoreResize(t *testing.T) {
	sem := newSemaphore(2)
	if !sem.tryAcquire() || !sem.tryAcquire() {
		t.Fatal("expected two slots")
	}
	if sem.tryAcquire() {
		t.Fatal("expected saturation at 2")
	}

	sem.resize(3)
	if !sem.tryAcquire() {
		t.Fatal("resize up should free a slot")
	}

	// Shrinking below in-use never interrupts; it just blocks new acquires.
	sem.resize(1)
	if sem.tryAcquire() {
		t.Fatal("no slot should be free after shrink")
	}
	sem.release()
	sem.release()
	if sem.tryAcquire() {
		t.Fatal("still over the shrunk capacity")
	}
	sem.release()
	if !sem.tryAcquire() {
		t.Fatal("slot should free once usage drains below capacity")
	}
}
