package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediabot/internal/eventbus"
	logx "mediabot/pkg/logx"
)

const (
	defaultTaskTimeout = 10 * time.Minute
	defaultHistorySize = 200
)

// Queue is the process-wide scheduler: a priority-ordered pending set in
// front of a fixed number of capacity slots.
//
// All mutations of pending/paused/closed happen under mu. Dispatch is edge
// triggered: it runs on Add/Submit, on Resume and when an execution
// completes. Executors run on their own goroutines and never hold mu.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	limiter *Limiter

	pending     taskHeap
	seq         uint64
	dispatchSeq uint64
	paused      bool
	closed      bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	idSeq        atomic.Uint64
	added        atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	timedOut     atomic.Uint64
	discarded    atomic.Uint64
	dispatchRuns atomic.Uint64
}

// New builds a queue. exec handles every task that has no Run override.
// bus may be nil.
func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		exec:    exec,
		limiter: NewLimiter(cfg.MaxConcurrent),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Add inserts t into the pending set and dispatches what capacity allows.
// While paused the task is accepted and waits for Resume.
func (q *Queue) Add(t Task) error {
	return q.add(t, false)
}

// Submit is Add that refuses new work with ErrPaused while the queue is
// paused. The check and the insert happen under the same lock.
func (q *Queue) Submit(t Task) error {
	return q.add(t, true)
}

func (q *Queue) add(t Task, rejectPaused bool) error {
	if t.Priority < 0 || t.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}
	if t.Run == nil && q.exec == nil {
		return ErrNoExecutor
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), q.idSeq.Add(1))
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = "fetch"
		if t.Background() {
			t.Name = "background"
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.DispatchSeq = 0
	t.DispatchedAt = time.Time{}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if rejectPaused && q.paused {
		return ErrPaused
	}
	q.seq++
	t.seq = q.seq
	q.pending.push(t)
	q.added.Add(1)
	q.publish(eventbus.TaskQueued, t.event())
	q.dispatchLocked()
	return nil
}

// Size is the number of pending (not yet dispatched) tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Active is the number of occupied capacity slots.
func (q *Queue) Active() int { return q.limiter.Active() }

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Pause stops dispatching. In-flight executions keep running.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.publish(eventbus.QueuePaused, nil)
	q.log.Info("queue paused", logx.Int("pending", q.pending.Len()), logx.Int("active", q.limiter.Active()))
}

// Resume re-enables dispatching and immediately fills free slots.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	q.publish(eventbus.QueueResumed, nil)
	q.log.Info("queue resumed", logx.Int("pending", q.pending.Len()))
	q.dispatchLocked()
}

// Drain removes every pending task and returns them in dispatch order.
// In-flight executions are unaffected.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Queue) drainLocked() []Task {
	if q.pending.Len() == 0 {
		return nil
	}
	out := make([]Task, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		t := q.pending.pop()
		q.discarded.Add(1)
		q.publish(eventbus.TaskDiscarded, t.event())
		out = append(out, t)
	}
	q.log.Info("pending tasks discarded", logx.Int("count", len(out)))
	return out
}

// Close rejects further adds, discards pending tasks and waits for
// in-flight executions. If ctx expires first, executions are cancelled and
// ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) ([]Task, error) {
	q.mu.Lock()
	q.closed = true
	drained := q.drainLocked()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return drained, nil
	case <-ctx.Done():
		q.cancel()
		q.log.Warn("queue close timed out; cancelling in-flight tasks", logx.Int("active", q.limiter.Active()))
		return drained, ctx.Err()
	}
}

// dispatchLocked hands pending tasks to executors while capacity allows.
// Caller holds q.mu.
func (q *Queue) dispatchLocked() {
	q.dispatchRuns.Add(1)
	for !q.paused && !q.closed && q.pending.Len() > 0 {
		if !q.limiter.TryAcquire() {
			return
		}
		t := q.pending.pop()
		q.dispatchSeq++
		t.DispatchSeq = q.dispatchSeq
		t.DispatchedAt = time.Now()
		q.inflight.Add(1)
		go q.run(t)
	}
}

func (q *Queue) run(t Task) {
	defer q.inflight.Done()

	start := t.DispatchedAt
	queueDelay := start.Sub(t.CreatedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	ev := t.event()
	ev.QueueDelay = queueDelay
	q.publish(eventbus.TaskStarted, ev)
	q.log.Debug("task.started", logx.String("task", t.ID), logx.String("name", t.Name), logx.Int("priority", t.Priority), logx.Duration("queue_delay", queueDelay))

	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.TaskTimeout)
	defer cancel()

	body := t.Run
	if body == nil {
		body = func(c context.Context) error { return q.exec(c, t) }
	}

	// Buffered so a late result from a hung executor never blocks.
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				q.log.Error("task.panic", logx.String("task", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			done <- err
		}()
		err = body(ctx)
	}()

	var err error
	timedOut := false
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut = true
				err = ErrTaskTimeout
			} else {
				err = ctx.Err()
			}
		}
	}
	q.finish(t, start, queueDelay, err, timedOut)
}

// finish releases the slot exactly once, records the outcome and re-enters
// dispatch so freed capacity is reused immediately.
func (q *Queue) finish(t Task, start time.Time, queueDelay time.Duration, err error, timedOut bool) {
	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Priority: t.Priority, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := t.event()
	ev.QueueDelay = queueDelay
	ev.Duration = dur

	switch {
	case timedOut:
		item.Error = err.Error()
		ev.Error = item.Error
		q.log.Warn("task.timeout", logx.String("task", t.ID), logx.String("name", t.Name), logx.Duration("timeout", q.cfg.TaskTimeout))
	case err != nil:
		item.Error = err.Error()
		ev.Error = item.Error
		q.log.Warn("task.failed", logx.String("task", t.ID), logx.String("name", t.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	case dur >= 750*time.Millisecond:
		q.log.Info("task.completed", logx.String("task", t.ID), logx.String("name", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	default:
		q.log.Debug("task.completed", logx.String("task", t.ID), logx.String("name", t.Name), logx.Duration("dur", dur))
	}
	q.record(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.limiter.Release() {
		q.log.Error("capacity slot released twice", logx.String("task", t.ID))
	}
	switch {
	case timedOut:
		q.timedOut.Add(1)
		q.failed.Add(1)
		q.publish(eventbus.TaskTimedOut, ev)
	case err != nil:
		q.failed.Add(1)
		q.publish(eventbus.TaskFailed, ev)
	default:
		q.completed.Add(1)
		q.publish(eventbus.TaskFinished, ev)
	}
	q.dispatchLocked()
}

func (q *Queue) record(item HistoryItem) {
	q.hmu.Lock()
	q.history = append(q.history, item)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}
	q.hmu.Unlock()
}

func (q *Queue) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// Snapshot returns a consistent read-only view. It never mutates state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	snap := Snapshot{
		Pending:       q.pending.Len(),
		Active:        q.limiter.Active(),
		MaxConcurrent: q.limiter.Max(),
		Paused:        q.paused,
		Closed:        q.closed,
		Added:         q.added.Load(),
		Completed:     q.completed.Load(),
		Failed:        q.failed.Load(),
		TimedOut:      q.timedOut.Load(),
		Discarded:     q.discarded.Load(),
		DispatchRuns:  q.dispatchRuns.Load(),
		TaskTimeout:   q.cfg.TaskTimeout,
	}
	q.mu.Unlock()

	q.hmu.Lock()
	snap.History = append([]HistoryItem(nil), q.history...)
	q.hmu.Unlock()
	return snap
}
