package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/storage"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	"mediabot/internal/task/scheduler"
	logx "mediabot/pkg/logx"
)

type fixedQueue queue.Snapshot

func (f fixedQueue) Snapshot() queue.Snapshot { return queue.Snapshot(f) }

type fixedIndexer indexer.Snapshot

func (f fixedIndexer) Snapshot() indexer.Snapshot { return indexer.Snapshot(f) }

type fixedScheduler scheduler.Snapshot

func (f fixedScheduler) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(f) }

type fakeActivity struct {
	entries []storage.ActivityEntry
	err     error
	limit   int
}

func (f *fakeActivity) Recent(_ context.Context, limit int) ([]storage.ActivityEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	next := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h := NewHandler(Sources{
		Queue:     fixedQueue{Pending: 3, Active: 2, MaxConcurrent: 2, Paused: true, Completed: 9},
		Indexer:   fixedIndexer{State: indexer.StateIdle, NextRunAt: next, Indexed: 4, InFlight: 1},
		Scheduler: fixedScheduler{Schedules: []scheduler.ScheduleInfo{{Name: "status_log", Spec: "@hourly", Runs: 2}}},
	}, Config{}, logx.Nop())

	rec := get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Queue.Pending)
	assert.Equal(t, 2, got.Queue.Active)
	assert.True(t, got.Queue.Paused)
	assert.Equal(t, uint64(9), got.Queue.Completed)
	require.NotNil(t, got.Indexer)
	assert.Equal(t, "idle", got.Indexer.State)
	require.NotNil(t, got.Indexer.NextRunAt)
	assert.True(t, next.Equal(*got.Indexer.NextRunAt))
	assert.Equal(t, 1, got.Indexer.InFlight)
	require.Len(t, got.Schedules, 1)
	assert.Equal(t, "status_log", got.Schedules[0].Name)
	assert.Nil(t, got.Schedules[0].Next)
}

func TestStatusWithoutOptionalSources(t *testing.T) {
	t.Parallel()
	h := NewHandler(Sources{Queue: fixedQueue{}}, Config{}, logx.Nop())
	rec := get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"indexer"`)
	assert.NotContains(t, rec.Body.String(), `"schedules"`)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/activity", nil).Code)
}

func TestActivityEndpoint(t *testing.T) {
	t.Parallel()
	act := &fakeActivity{entries: []storage.ActivityEntry{{At: time.Unix(100, 0), Message: "task done"}}}
	h := NewHandler(Sources{Queue: fixedQueue{}, Activity: act}, Config{}, logx.Nop())

	rec := get(t, h, "/activity?limit=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxActivityLimit, act.limit)
	var got []activityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "task done", got[0].Message)

	get(t, h, "/activity", nil)
	assert.Equal(t, defaultActivityLimit, act.limit)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/activity?limit=x", nil).Code)

	act.err = errors.New("db locked")
	rec = get(t, h, "/activity", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db locked")
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h := NewHandler(Sources{Queue: fixedQueue{}}, Config{Token: "s3cret"}, logx.Nop())
	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		code   int
	}{
		{name: "missing", target: "/status", code: http.StatusUnauthorized},
		{name: "wrong", target: "/status", hdr: map[string]string{"Authorization": "Bearer nope"}, code: http.StatusUnauthorized},
		{name: "header", target: "/status", hdr: map[string]string{"Authorization": "Bearer s3cret"}, code: http.StatusOK},
		{name: "query", target: "/status?token=s3cret", code: http.StatusOK},
		{name: "healthz open", target: "/healthz", code: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, get(t, h, tt.target, tt.hdr).Code)
		})
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	auth := map[string]string{"Authorization": "Bearer s3cret"}

	off := NewHandler(Sources{Queue: fixedQueue{}}, Config{Token: "s3cret"}, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", auth).Code)

	on := NewHandler(Sources{Queue: fixedQueue{}}, Config{Token: "s3cret", Pprof: true}, logx.Nop())
	assert.Equal(t, http.StatusUnauthorized, get(t, on, "/debug/pprof/", nil).Code)
	rec := get(t, on, "/debug/pprof/", auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{Queue: fixedQueue{Pending: 1}}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr("0.0.0.0:80"))
	assert.False(t, isLoopbackAddr(":80"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
