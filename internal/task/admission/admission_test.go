package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

type resolverFunc func(ctx context.Context, raw string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, raw string) (string, error) { return f(ctx, raw) }

var identity = resolverFunc(func(_ context.Context, raw string) (string, error) {
	if raw == "bad" {
		return "", errors.New("invalid locator: scheme")
	}
	return raw, nil
})

type fakeQueue struct {
	tasks  []queue.Task
	paused bool
}

func (f *fakeQueue) Submit(t queue.Task) error {
	if f.paused {
		return queue.ErrPaused
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeQueue) Size() int { return len(f.tasks) }

// noon is today so request log entries fall inside the candidate window.
var noon = time.Now().UTC().Truncate(24 * time.Hour).Add(12 * time.Hour)

func newAdmission(t *testing.T, q Queue) (*Admission, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	a := New(Config{DailyLimit: 5, PremiumLimit: 50, Bonus: 3}, identity, st, q, logx.Nop())
	a.now = func() time.Time { return noon }
	return a, st
}

// useQuota puts user id at used downloads for today.
func useQuota(t *testing.T, st *storage.Memory, id int64, used int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.TouchActivity(ctx, id, "", noon))
	_, err := st.ResetDailyLimitIfNeeded(ctx, id, noon.Format("2006-01-02"))
	require.NoError(t, err)
	for i := 0; i < used; i++ {
		require.NoError(t, st.RecordDownload(ctx, id, noon.Format("2006-01-02")))
	}
}

func req(id int64, link string) Request {
	return Request{Chat: kit.ChatTarget{ChatID: id * 10}, UserID: id, Username: "u", Locator: link}
}

func TestEnqueueQueuesTask(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	a, st := newAdmission(t, q)
	ctx := context.Background()

	res, err := a.Enqueue(ctx, req(1, "https://v/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 5, res.Remaining)
	require.Len(t, q.tasks, 1)
	tk := q.tasks[0]
	assert.Equal(t, res.TaskID, tk.ID)
	assert.Equal(t, "https://v/1", tk.Target)
	assert.Equal(t, queue.PriorityStandard, tk.Priority)
	assert.Equal(t, int64(10), tk.Chat.ChatID)
	assert.Equal(t, noon, tk.CreatedAt)

	res, err = a.Enqueue(ctx, req(2, "https://v/2"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, noon, u.LastActivity)
	assert.Zero(t, u.UsedToday, "admission never charges quota")

	cands, err := st.RecentCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestEnqueuePriority(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	a, st := newAdmission(t, q)
	ctx := context.Background()

	useQuota(t, st, 3, 0)
	require.NoError(t, st.SetPremium(ctx, 3, noon.Add(24*time.Hour)))
	_, err := a.Enqueue(ctx, req(3, "https://v/p"))
	require.NoError(t, err)

	r := req(4, "https://v/x")
	r.Priority = 42
	_, err = a.Enqueue(ctx, r)
	require.NoError(t, err)

	require.Len(t, q.tasks, 2)
	assert.Equal(t, queue.PriorityPremium, q.tasks[0].Priority)
	assert.Equal(t, 42, q.tasks[1].Priority)
}

func TestEnqueueInvalidLink(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	a, st := newAdmission(t, q)

	res, err := a.Enqueue(context.Background(), req(1, "bad"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidLink, res.Outcome)
	assert.Error(t, res.Reason)
	assert.Empty(t, q.tasks)

	_, err = st.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no bookkeeping before the link resolves")
}

// A user at the limit is refused and the queue is untouched.
func TestEnqueueLimitReached(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{MaxConcurrent: 1}, func(context.Context, queue.Task) error { return nil }, logx.Nop(), nil)
	t.Cleanup(func() { _, _ = q.Close(context.Background()) })
	a, st := newAdmission(t, q)
	useQuota(t, st, 7, 5)

	res, err := a.Enqueue(context.Background(), req(7, "https://v/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimitReached, res.Outcome)
	assert.True(t, res.OfferBonus)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(0), q.Snapshot().Added)
}

func TestBonusUnlock(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	a, st := newAdmission(t, q)
	ctx := context.Background()
	useQuota(t, st, 7, 5)

	quota, err := a.ClaimBonus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 8, quota.Limit)
	assert.Equal(t, 3, quota.Remaining)

	_, err = a.ClaimBonus(ctx, 7)
	require.ErrorIs(t, err, ErrBonusClaimed)

	res, err := a.Enqueue(ctx, req(7, "https://v/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.RecordDownload(ctx, 7, noon.Format("2006-01-02")))
	}
	res, err = a.Enqueue(ctx, req(7, "https://v/2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimitReached, res.Outcome)
	assert.False(t, res.OfferBonus, "bonus already used today")
}

func TestEnqueueDayRollover(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	a, st := newAdmission(t, q)
	useQuota(t, st, 7, 5)

	a.now = func() time.Time { return noon.Add(24 * time.Hour) }
	res, err := a.Enqueue(context.Background(), req(7, "https://v/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, 5, res.Remaining)
}

func TestEnqueuePaused(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{paused: true}
	a, _ := newAdmission(t, q)

	res, err := a.Enqueue(context.Background(), req(1, "https://v/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Empty(t, q.tasks)
}

func TestQuotaTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	cfg := Config{Location: loc}
	assert.Equal(t, "2026-03-11", cfg.Day(time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-03-10", Config{}.Day(time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "limit_reached", OutcomeLimitReached.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
