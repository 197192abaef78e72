package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/storage"
	"mediabot/internal/task/admission"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	"mediabot/internal/transport/telegram/router"
	logx "mediabot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) SendMedia(context.Context, kit.ChatTarget, kit.Media) (kit.MediaRef, error) {
	return kit.MediaRef{}, nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeAdmission struct {
	res      admission.Result
	err      error
	got      admission.Request
	quota    admission.Quota
	bonusErr error
}

func (f *fakeAdmission) Enqueue(_ context.Context, req admission.Request) (admission.Result, error) {
	f.got = req
	return f.res, f.err
}
func (f *fakeAdmission) QuotaOf(context.Context, int64) (admission.Quota, error) { return f.quota, nil }
func (f *fakeAdmission) ClaimBonus(context.Context, int64) (admission.Quota, error) {
	return f.quota, f.bonusErr
}

type fakeQueue struct {
	snap    queue.Snapshot
	paused  bool
	pending []queue.Task
}

func (f *fakeQueue) Snapshot() queue.Snapshot { return f.snap }
func (f *fakeQueue) Pause()                   { f.paused = true }
func (f *fakeQueue) Resume()                  { f.paused = false }
func (f *fakeQueue) Drain() []queue.Task {
	out := f.pending
	f.pending = nil
	return out
}

type fakeIndexer struct{ snap indexer.Snapshot }

func (f fakeIndexer) Snapshot() indexer.Snapshot { return f.snap }

type fakeActivity struct {
	entries []storage.ActivityEntry
	limit   int
}

func (f *fakeActivity) Recent(_ context.Context, limit int) ([]storage.ActivityEntry, error) {
	f.limit = limit
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type harness struct {
	h   *Handlers
	ad  *fakeAdapter
	adm *fakeAdmission
	q   *fakeQueue
	act *fakeActivity
}

func newHarness() harness {
	ad := &fakeAdapter{}
	adm := &fakeAdmission{}
	q := &fakeQueue{}
	act := &fakeActivity{}
	h := New(Deps{Admission: adm, Queue: q, Activity: act, Sender: ad, Log: logx.Nop()}, 3)
	return harness{h: h, ad: ad, adm: adm, q: q, act: act}
}

func (hs harness) req(from int64, text string, args ...string) *router.Request {
	return &router.Request{
		Chat:     kit.ChatTarget{ChatID: from},
		FromID:   from,
		Username: "alice",
		Text:     text,
		Args:     args,
		Adapter:  hs.ad,
		Logger:   logx.Nop(),
	}
}

func TestLinkOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		res     admission.Result
		want    string
		buttons bool
	}{
		{name: "queued now", res: admission.Result{Outcome: admission.OutcomeQueued, Remaining: 5, Limit: 5}, want: "starting now. 4 of 5"},
		{name: "queued behind", res: admission.Result{Outcome: admission.OutcomeQueued, Position: 1200, Remaining: 2, Limit: 5}, want: "1,200 ahead of you"},
		{name: "invalid", res: admission.Result{Outcome: admission.OutcomeInvalidLink}, want: "does not look valid"},
		{name: "limit", res: admission.Result{Outcome: admission.OutcomeLimitReached, Limit: 5}, want: "Come back tomorrow"},
		{name: "limit with bonus", res: admission.Result{Outcome: admission.OutcomeLimitReached, Limit: 5, OfferBonus: true}, want: "all 5 downloads", buttons: true},
		{name: "paused", res: admission.Result{Outcome: admission.OutcomePaused}, want: "paused"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hs := newHarness()
			hs.adm.res = tt.res
			require.NoError(t, hs.h.Link(context.Background(), hs.req(42, "look https://example.com/v/1, thanks")))

			assert.Equal(t, "https://example.com/v/1", hs.adm.got.Locator)
			assert.Equal(t, int64(42), hs.adm.got.UserID)
			assert.Equal(t, "alice", hs.adm.got.Username)
			out := hs.ad.last()
			assert.Contains(t, out.text, tt.want)
			if tt.buttons {
				require.NotNil(t, out.opt)
				assert.Equal(t, "quota:bonus", out.opt.Buttons[0][0].Data)
				assert.Contains(t, out.opt.Buttons[0][0].Text, "3 more")
			} else {
				assert.Nil(t, out.opt)
			}
		})
	}
}

func TestLinkWithoutURLAndStoreFailure(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	require.NoError(t, hs.h.Link(context.Background(), hs.req(1, "hello there")))
	assert.Contains(t, hs.ad.last().text, "Send me a link")
	assert.Zero(t, hs.adm.got.UserID, "admission not called")

	hs.adm.err = errors.New("db down")
	require.Error(t, hs.h.Link(context.Background(), hs.req(1, "HTTPS://x.test/a")))
	assert.Contains(t, hs.ad.last().text, "went wrong")
}

func TestClaimBonusReplies(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	hs.adm.quota = admission.Quota{Remaining: 3}
	require.NoError(t, hs.h.claimBonus(context.Background(), hs.req(1, "")))
	assert.Contains(t, hs.ad.last().text, "3 downloads left")

	hs.adm.bonusErr = admission.ErrBonusClaimed
	require.NoError(t, hs.h.claimBonus(context.Background(), hs.req(1, "")))
	assert.Contains(t, hs.ad.last().text, "already used")
}

func TestLimitCommand(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	hs.adm.quota = admission.Quota{Used: 2, Limit: 50, Remaining: 48, Premium: true, Day: "2026-05-01"}
	require.NoError(t, hs.h.limit(context.Background(), hs.req(1, "")))
	out := hs.ad.last().text
	assert.Contains(t, out, "48 of 50")
	assert.Contains(t, out, "2026-05-01")
	assert.Contains(t, out, "Premium")
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	hs.q.snap = queue.Snapshot{Active: 2, MaxConcurrent: 2, Pending: 3, Paused: true, Completed: 12345}
	txt := hs.h.StatusText()
	assert.Contains(t, txt, "paused")
	assert.Contains(t, txt, "active: <b>2</b>/2, waiting: <b>3</b>")
	assert.Contains(t, txt, "done: 12,345")
	assert.NotContains(t, txt, "Indexer")

	hs.h.d.Indexer = fakeIndexer{snap: indexer.Snapshot{State: indexer.StateThrottled, Indexed: 7, LastError: "<boom>", NextRunAt: time.Now().Add(time.Minute)}}
	txt = hs.h.StatusText()
	assert.Contains(t, txt, "Indexer</b> throttled")
	assert.Contains(t, txt, "indexed: 7")
	assert.Contains(t, txt, "&lt;boom&gt;")
	assert.Contains(t, txt, "next run in")
	assert.NotContains(t, txt, "indexing:")

	hs.h.d.Indexer = fakeIndexer{snap: indexer.Snapshot{State: indexer.StateIdle, InFlight: 2}}
	assert.Contains(t, hs.h.StatusText(), "indexing: 2 items left")
}

func TestOwnerQueueControls(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	ctx := context.Background()

	require.NoError(t, hs.h.pause(ctx, hs.req(1, "")))
	assert.True(t, hs.q.paused)
	require.NoError(t, hs.h.resume(ctx, hs.req(1, "")))
	assert.False(t, hs.q.paused)

	hs.q.pending = []queue.Task{
		{ID: "a", Chat: kit.ChatTarget{ChatID: 10}},
		{ID: "b"},
	}
	require.NoError(t, hs.h.drain(ctx, hs.req(1, "")))
	assert.Contains(t, hs.ad.last().text, "Dropped 2")
	hs.ad.mu.Lock()
	defer hs.ad.mu.Unlock()
	var toUser []string
	for _, s := range hs.ad.sent {
		if s.to.ChatID == 10 {
			toUser = append(toUser, s.text)
		}
	}
	require.Len(t, toUser, 1)
	assert.Contains(t, toUser[0], "cancelled")
}

func TestActivityCommand(t *testing.T) {
	t.Parallel()
	hs := newHarness()
	ctx := context.Background()

	require.NoError(t, hs.h.activity(ctx, hs.req(1, "")))
	assert.Equal(t, "No activity yet.", hs.ad.last().text)
	assert.Equal(t, defaultActivityLines, hs.act.limit)

	hs.act.entries = []storage.ActivityEntry{{At: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC), Message: "task <x> done"}}
	require.NoError(t, hs.h.activity(ctx, hs.req(1, "", "500")))
	assert.Equal(t, maxActivityLines, hs.act.limit)
	out := hs.ad.last().text
	assert.Contains(t, out, "05-01 08:00:00")
	assert.Contains(t, out, "task &lt;x&gt; done")

	require.NoError(t, hs.h.activity(ctx, hs.req(1, "", "abc")))
	assert.Contains(t, hs.ad.last().text, "usage")
}

func TestPremiumCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hs := newHarness()

	require.NoError(t, hs.h.premium(ctx, hs.req(1, "", "42", "30")))
	assert.Contains(t, hs.ad.last().text, "not available")

	store := storage.NewMemory()
	hs.h.d.Premium = store
	require.NoError(t, store.TouchActivity(ctx, 42, "bob", time.Now()))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing days", []string{"42"}, "usage"},
		{"bad id", []string{"bob", "30"}, "usage"},
		{"negative days", []string{"42", "-1"}, "usage"},
		{"unknown user", []string{"77", "30"}, "has not used the bot"},
	}
	for _, tt := range tests {
		require.NoError(t, hs.h.premium(ctx, hs.req(1, "", tt.args...)), tt.name)
		assert.Contains(t, hs.ad.last().text, tt.want, tt.name)
	}

	require.NoError(t, hs.h.premium(ctx, hs.req(1, "", "42", "30")))
	assert.Contains(t, hs.ad.last().text, "42 is premium until")
	u, err := store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.True(t, u.Premium(time.Now().Add(29*24*time.Hour)))
	assert.False(t, u.Premium(time.Now().Add(31*24*time.Hour)))

	require.NoError(t, hs.h.premium(ctx, hs.req(1, "", "42", "0")))
	assert.Contains(t, hs.ad.last().text, "revoked")
	u, err = store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.False(t, u.Premium(time.Now()))
}

func TestFirstLink(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://a.test/x", firstLink("see (https://a.test/x)"))
	assert.Equal(t, "http://b.test", firstLink("http://b.test https://c.test"))
	assert.Empty(t, firstLink("ftp://nope.test"))
}

func TestRegistryShape(t *testing.T) {
	t.Parallel()
	h := newHarness().h
	owner := map[string]bool{}
	for _, c := range h.Commands() {
		owner[c.Route] = c.Access == router.AccessOwnerOnly
	}
	for _, r := range []string{"pause", "resume", "drain", "activity", "premium"} {
		assert.True(t, owner[r], r)
	}
	for _, r := range []string{"start", "status", "limit"} {
		assert.False(t, owner[r], r)
	}
	require.Len(t, h.Callbacks(), 1)
	assert.Equal(t, router.CallbackAccessEveryone, h.Callbacks()[0].Access)
}
