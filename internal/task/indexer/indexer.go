// Package indexer pre-fetches popular links into durable storage while the
// bot is otherwise idle. It yields to foreground work: it never submits
// while any capacity slot is busy.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mediabot/internal/eventbus"
	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	logx "mediabot/pkg/logx"
)

var ErrNotConfigured = errors.New("indexer dependencies missing")

// maxWindowGrowth caps how far discover widens past BatchSize.
const maxWindowGrowth = 16

type Indexer struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu        sync.Mutex
	state     State
	nextRunAt time.Time
	lastErr   string

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	cycles    atomic.Uint64
	submitted atomic.Uint64
	indexed   atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
}

func New(cfg Config, deps Deps) (*Indexer, error) {
	if deps.Queue == nil || deps.Candidates == nil || deps.Cache == nil || deps.Extractor == nil || deps.Workspaces == nil || deps.Uploader == nil {
		return nil, ErrNotConfigured
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Indexer{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    log,
		state:  StateIdle,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Run drives the state machine until ctx ends or Stop is called. The first
// scan happens one Interval after start.
func (ix *Indexer) Run(ctx context.Context) error {
	if !ix.started.CompareAndSwap(false, true) {
		return errors.New("indexer already running")
	}
	defer close(ix.done)

	wait := ix.cfg.Interval
	for {
		if ix.stopping.Load() || ctx.Err() != nil {
			ix.transition(StateShuttingDown, "stop requested", 0)
			return nil
		}
		ix.mu.Lock()
		ix.nextRunAt = time.Now().Add(wait)
		ix.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			ix.transition(StateShuttingDown, "context done", 0)
			return nil
		case <-ix.stopCh:
			timer.Stop()
			ix.transition(StateShuttingDown, "stop requested", 0)
			return nil
		case <-timer.C:
		}
		if ix.stopping.Load() {
			ix.transition(StateShuttingDown, "stop requested", 0)
			return nil
		}
		wait = ix.Scan(ctx)
	}
}

// Stop prevents further ticks and items. An item already running finishes;
// Stop waits for the loop to exit or ctx to end.
func (ix *Indexer) Stop(ctx context.Context) error {
	ix.stopOnce.Do(func() {
		ix.stopping.Store(true)
		close(ix.stopCh)
	})
	if !ix.started.Load() {
		ix.transition(StateShuttingDown, "stop requested", 0)
		return nil
	}
	select {
	case <-ix.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

func (ix *Indexer) Snapshot() Snapshot {
	ix.mu.Lock()
	snap := Snapshot{State: ix.state, NextRunAt: ix.nextRunAt, LastError: ix.lastErr}
	ix.mu.Unlock()
	snap.Cycles = ix.cycles.Load()
	snap.Submitted = ix.submitted.Load()
	snap.Indexed = ix.indexed.Load()
	snap.Skipped = ix.skipped.Load()
	snap.Failed = ix.failed.Load()
	snap.InFlight = int(ix.inFlight.Load())
	return snap
}

// Scan runs one Scanning step and returns the delay before the next one.
func (ix *Indexer) Scan(ctx context.Context) time.Duration {
	ix.cycles.Add(1)
	if !ix.transition(StateScanning, "", 0) {
		return 0
	}

	if n := ix.deps.Queue.Active(); n > 0 {
		ix.transition(StateThrottled, fmt.Sprintf("foreground busy (active=%d)", n), ix.cfg.BusyBackoff)
		return ix.cfg.BusyBackoff
	}

	cands, err := ix.discover(ctx)
	if err != nil {
		ix.setErr(err)
		ix.log.Warn("indexer discovery failed", logx.Err(err), logx.Duration("backoff", ix.cfg.ErrorBackoff))
		ix.transition(StateThrottled, "discovery failed", ix.cfg.ErrorBackoff)
		return ix.cfg.ErrorBackoff
	}
	if len(cands) == 0 {
		ix.transition(StateThrottled, "no candidates", ix.cfg.EmptyBackoff)
		return ix.cfg.EmptyBackoff
	}
	if len(cands) > ix.cfg.SubBatch {
		cands = cands[:ix.cfg.SubBatch]
	}

	// Re-check right before submitting. This is still racy against a
	// foreground add; the cost is one briefly shared slot.
	if n := ix.deps.Queue.Active(); n > 0 {
		ix.transition(StateThrottled, fmt.Sprintf("foreground busy (active=%d)", n), ix.cfg.BusyBackoff)
		return ix.cfg.BusyBackoff
	}

	items := make([]storage.Candidate, len(cands))
	copy(items, cands)
	err = ix.deps.Queue.Submit(queue.Task{
		Name:     "index",
		Target:   items[0].Locator,
		Priority: queue.PriorityBackground,
		Run:      func(ctx context.Context) error { return ix.processBatch(ctx, items) },
	})
	switch {
	case errors.Is(err, queue.ErrPaused):
		ix.transition(StateThrottled, "queue paused", ix.cfg.BusyBackoff)
		return ix.cfg.BusyBackoff
	case err != nil:
		ix.setErr(err)
		ix.log.Warn("indexer submit failed", logx.Err(err))
		ix.transition(StateThrottled, "submit failed", ix.cfg.ErrorBackoff)
		return ix.cfg.ErrorBackoff
	}
	ix.submitted.Add(1)
	ix.log.Debug("indexer batch submitted", logx.Int("items", len(items)))
	ix.transition(StateIdle, "", ix.cfg.Interval)
	return ix.cfg.Interval
}

// discover returns uncached candidates, most requested first. The
// candidate source may not see the cache (redis cache, sqlite candidates),
// so every candidate is checked here and the window widens while a full
// page comes back already cached.
func (ix *Indexer) discover(ctx context.Context) ([]storage.Candidate, error) {
	limit := ix.cfg.BatchSize
	for {
		raw, err := ix.deps.Candidates.RecentCandidates(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]storage.Candidate, 0, len(raw))
		for _, c := range raw {
			_, hit, err := ix.deps.Cache.CacheLookup(ctx, c.Locator)
			if err != nil {
				return nil, fmt.Errorf("cache lookup: %w", err)
			}
			if !hit {
				out = append(out, c)
			}
		}
		if len(out) > 0 || len(raw) < limit || limit >= ix.cfg.BatchSize*maxWindowGrowth {
			return out, nil
		}
		limit *= 2
	}
}

// transition moves to next unless the indexer is shutting down. It reports
// whether the move happened.
func (ix *Indexer) transition(next State, reason string, after time.Duration) bool {
	ix.mu.Lock()
	prev := ix.state
	if prev == StateShuttingDown && next != StateShuttingDown {
		ix.mu.Unlock()
		return false
	}
	if prev == next && next == StateShuttingDown {
		ix.mu.Unlock()
		return true
	}
	ix.state = next
	ix.mu.Unlock()

	if ix.deps.Bus != nil {
		ix.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.IndexerState,
			Time: time.Now(),
			Data: StateEvent{From: prev, To: next, Reason: reason, Next: after},
		})
	}
	return true
}

func (ix *Indexer) setErr(err error) {
	ix.mu.Lock()
	ix.lastErr = err.Error()
	ix.mu.Unlock()
}
