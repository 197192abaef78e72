package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/blob"
	"mediabot/internal/eventbus"
	"mediabot/internal/fetch"
	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

// instrumentedQueue records every call the indexer makes.
type instrumentedQueue struct {
	mu          sync.Mutex
	active      int
	activeCalls int
	tasks       []queue.Task
	err         error
}

func (q *instrumentedQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.activeCalls++
	return q.active
}

func (q *instrumentedQueue) Submit(t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

type candidatesFunc func(ctx context.Context, limit int) ([]storage.Candidate, error)

func (f candidatesFunc) RecentCandidates(ctx context.Context, limit int) ([]storage.Candidate, error) {
	return f(ctx, limit)
}

type fakeExtractor struct {
	mu   sync.Mutex
	fail map[string]error
	dirs []string
	hook func(locator string)
}

func (f *fakeExtractor) Probe(_ context.Context, locator string) (fetch.Info, error) {
	return fetch.Info{Locator: locator, Title: "title of " + locator}, nil
}

func (f *fakeExtractor) Download(_ context.Context, locator, dir string) (fetch.File, error) {
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	err := f.fail[locator]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(locator)
	}
	if err != nil {
		return fetch.File{}, err
	}
	p := filepath.Join(dir, "m.mp4")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		return fetch.File{}, err
	}
	return fetch.File{Path: p, Name: "m.mp4", Kind: kit.MediaVideo, Size: 1}, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	got  []string
	fail map[string]error
}

func (u *fakeUploader) Name() string { return "fake" }

func (u *fakeUploader) Upload(_ context.Context, locator string, f fetch.File) (blob.Stored, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.fail[locator]; err != nil {
		return blob.Stored{}, err
	}
	u.got = append(u.got, locator)
	return blob.Stored{Handle: "H:" + locator, Kind: f.Kind, Title: f.Title}, nil
}

type fixture struct {
	q     *instrumentedQueue
	store *storage.Memory
	ext   *fakeExtractor
	up    *fakeUploader
	bus   eventbus.Bus
	calls atomic.Int32
	cands []storage.Candidate
	cErr  error
	ix    *Indexer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ws, err := fetch.NewWorkspaces(t.TempDir(), logx.Nop())
	require.NoError(t, err)
	f := &fixture{
		q:     &instrumentedQueue{},
		store: storage.NewMemory(),
		ext:   &fakeExtractor{fail: map[string]error{}},
		up:    &fakeUploader{fail: map[string]error{}},
		bus:   eventbus.New(),
	}
	f.ix, err = New(cfg, Deps{
		Queue: f.q,
		Candidates: candidatesFunc(func(_ context.Context, limit int) ([]storage.Candidate, error) {
			f.calls.Add(1)
			if f.cErr != nil {
				return nil, f.cErr
			}
			out := f.cands
			if len(out) > limit {
				out = out[:limit]
			}
			return out, nil
		}),
		Cache:      f.store,
		Extractor:  f.ext,
		Workspaces: ws,
		Uploader:   f.up,
		Bus:        f.bus,
		Log:        logx.Nop(),
	})
	require.NoError(t, err)
	return f
}

func cands(locs ...string) []storage.Candidate {
	out := make([]storage.Candidate, 0, len(locs))
	for i, l := range locs {
		out = append(out, storage.Candidate{Locator: l, Requests: len(locs) - i})
	}
	return out
}

var testCfg = Config{
	Interval:     time.Minute,
	BusyBackoff:  2 * time.Minute,
	EmptyBackoff: 30 * time.Minute,
	ErrorBackoff: 15 * time.Minute,
	BatchSize:    10,
	SubBatch:     2,
}

// A tick while foreground work is active yields without touching the queue.
func TestScanYieldsToForegroundWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)
	f.q.active = 1
	f.cands = cands("https://v/1")

	next := f.ix.Scan(context.Background())

	assert.Equal(t, testCfg.BusyBackoff, next)
	assert.Equal(t, StateThrottled, f.ix.State())
	assert.Empty(t, f.q.tasks)
	assert.Zero(t, f.calls.Load(), "discovery is skipped while busy")
}

func TestScanBackoffs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)

	next := f.ix.Scan(context.Background())
	assert.Equal(t, testCfg.EmptyBackoff, next)
	assert.Equal(t, StateThrottled, f.ix.State())

	f.cErr = errors.New("database is locked")
	next = f.ix.Scan(context.Background())
	assert.Equal(t, testCfg.ErrorBackoff, next)
	assert.Equal(t, "database is locked", f.ix.Snapshot().LastError)

	f.cErr = nil
	f.cands = cands("https://v/1")
	f.q.err = queue.ErrPaused
	next = f.ix.Scan(context.Background())
	assert.Equal(t, testCfg.BusyBackoff, next)

	f.q.err = queue.ErrClosed
	next = f.ix.Scan(context.Background())
	assert.Equal(t, testCfg.ErrorBackoff, next)
	assert.Empty(t, f.q.tasks)
}

func TestScanSubmitsOneBackgroundTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)
	f.cands = cands("https://v/1", "https://v/2", "https://v/3")

	next := f.ix.Scan(context.Background())
	assert.Equal(t, testCfg.Interval, next)
	assert.Equal(t, StateIdle, f.ix.State())
	require.Len(t, f.q.tasks, 1)
	tk := f.q.tasks[0]
	assert.Equal(t, queue.PriorityBackground, tk.Priority)
	assert.Less(t, tk.Priority, queue.PriorityStandard)
	require.NotNil(t, tk.Run)
	assert.Equal(t, 2, f.q.activeCalls, "active is re-checked before submit")

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, []string{"https://v/1", "https://v/2"}, f.up.got, "only the sub-batch is processed")

	e, ok, err := f.store.CacheLookup(context.Background(), "https://v/2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "H:https://v/2", e.Handle)
	assert.Equal(t, "title of https://v/2", e.Title)

	snap := f.ix.Snapshot()
	assert.Equal(t, uint64(1), snap.Submitted)
	assert.Equal(t, uint64(2), snap.Indexed)
}

// The candidate source here never sees the cache, like sqlite candidates
// with a redis cache. Indexed locators must not hold back the rest.
func TestScanSkipsCachedCandidatesTheSourceCannotSee(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)
	f.cands = cands("https://a", "https://b", "https://c")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Equal(t, testCfg.Interval, f.ix.Scan(ctx))
		require.Len(t, f.q.tasks, i+1)
		require.NoError(t, f.q.tasks[i].Run(ctx))
	}
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, f.up.got)
	assert.Zero(t, f.ix.Snapshot().Skipped)

	// Everything indexed: no task is submitted.
	assert.Equal(t, testCfg.EmptyBackoff, f.ix.Scan(ctx))
	assert.Len(t, f.q.tasks, 2)
	assert.Equal(t, StateThrottled, f.ix.State())
}

func TestScanWidensPastACachedPage(t *testing.T) {
	t.Parallel()
	cfg := testCfg
	cfg.BatchSize = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.cands = cands("https://a", "https://b", "https://c", "https://d", "https://e")
	for _, l := range []string{"https://a", "https://b", "https://c", "https://d"} {
		require.NoError(t, f.store.CacheStore(ctx, storage.CacheEntry{Locator: l, Handle: "h"}))
	}

	require.Equal(t, cfg.Interval, f.ix.Scan(ctx))
	require.Len(t, f.q.tasks, 1)
	assert.Equal(t, "https://e", f.q.tasks[0].Target)
	assert.Equal(t, int32(3), f.calls.Load(), "window grows 2, 4, 8")
}

func TestSnapshotReportsInFlightBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SubBatch: 2})
	var during []int
	f.ext.hook = func(string) { during = append(during, f.ix.Snapshot().InFlight) }

	require.NoError(t, f.ix.processBatch(context.Background(), cands("https://v/1", "https://v/2")))
	assert.Equal(t, []int{2, 1}, during)
	assert.Zero(t, f.ix.Snapshot().InFlight)
}

func TestBatchItemFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	cfg := testCfg
	cfg.SubBatch = 4
	f := newFixture(t, cfg)
	ctx := context.Background()
	require.NoError(t, f.store.CacheStore(ctx, storage.CacheEntry{Locator: "https://v/cached", Handle: "h"}))
	f.ext.fail["https://v/bad-fetch"] = errors.New("unsupported url")
	f.up.fail["https://v/bad-upload"] = errors.New("quota exceeded")

	err := f.ix.processBatch(ctx, cands("https://v/cached", "https://v/bad-fetch", "https://v/bad-upload", "https://v/ok"))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://v/ok"}, f.up.got)
	snap := f.ix.Snapshot()
	assert.Equal(t, uint64(1), snap.Skipped)
	assert.Equal(t, uint64(2), snap.Failed)
	assert.Equal(t, uint64(1), snap.Indexed)

	_, ok, _ := f.store.CacheLookup(ctx, "https://v/bad-upload")
	assert.False(t, ok)
	require.Len(t, f.ext.dirs, 3)
	for _, d := range f.ext.dirs {
		_, err := os.Stat(d)
		assert.True(t, os.IsNotExist(err), "workspace %s leaked", d)
	}
}

func TestBatchAllFailedReportsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)
	f.ext.fail["https://v/1"] = errors.New("nope")
	require.Error(t, f.ix.processBatch(context.Background(), cands("https://v/1")))
}

func TestStopLetsCurrentItemFinish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SubBatch: 3, ItemDelay: time.Millisecond})
	f.ext.hook = func(locator string) {
		if locator == "https://v/1" {
			require.NoError(t, f.ix.Stop(context.Background()))
		}
	}

	require.NoError(t, f.ix.processBatch(context.Background(), cands("https://v/1", "https://v/2", "https://v/3")))
	assert.Equal(t, []string{"https://v/1"}, f.up.got, "in-flight item completes, the rest are skipped")
	assert.Equal(t, StateShuttingDown, f.ix.State())
}

func TestRunAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Interval: 5 * time.Millisecond, EmptyBackoff: 5 * time.Millisecond})
	ch, unsub := f.bus.Subscribe(64)
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- f.ix.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.ix.Stop(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, StateShuttingDown, f.ix.State())

	calls := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.calls.Load(), "no ticks after stop")

	// After shutdown no other state is entered.
	assert.Zero(t, f.ix.Scan(context.Background()))
	assert.Equal(t, StateShuttingDown, f.ix.State())

	var sawThrottled bool
	for {
		select {
		case ev := <-ch:
			if se, ok := ev.Data.(StateEvent); ok && se.To == StateThrottled && se.Reason == "no candidates" {
				sawThrottled = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawThrottled)
}

func TestStopBeforeRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testCfg)
	require.NoError(t, f.ix.Stop(context.Background()))
	assert.Equal(t, StateShuttingDown, f.ix.State())
	require.NoError(t, f.ix.Run(context.Background()))
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.ErrorIs(t, err, ErrNotConfigured)
}

// With the real queue the background task only starts once the
// foreground slot is free, and it lands below standard work.
func TestWithRealQueue(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := queue.New(queue.Config{MaxConcurrent: 1}, func(ctx context.Context, _ queue.Task) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, logx.Nop(), nil)
	t.Cleanup(func() { _, _ = q.Close(context.Background()) })

	f := newFixture(t, testCfg)
	f.ix.deps.Queue = q
	f.cands = cands("https://v/1")

	require.NoError(t, q.Submit(queue.Task{Target: "https://fg", Priority: queue.PriorityStandard}))
	require.Eventually(t, func() bool { return q.Active() == 1 }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, testCfg.BusyBackoff, f.ix.Scan(context.Background()))
	assert.Zero(t, q.Size())

	close(release)
	require.Eventually(t, func() bool { return q.Active() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, testCfg.Interval, f.ix.Scan(context.Background()))
	require.Eventually(t, func() bool { return f.ix.Snapshot().Indexed == 1 }, 3*time.Second, 5*time.Millisecond)
}
