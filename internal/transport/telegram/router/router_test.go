package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string
	answers  []string
	menu     []kit.BotCommand
	answered chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{answered: make(chan struct{}, 16)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) SendMedia(context.Context, kit.ChatTarget, kit.Media) (kit.MediaRef, error) {
	return kit.MediaRef{}, errors.New("not supported")
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answers = append(f.answers, text)
	f.mu.Unlock()
	f.answered <- struct{}{}
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, FromUsername: "u", Text: text}}
}

// startRouter runs r in the background and returns the update channel and
// a stop func that waits for Run to return.
func startRouter(t *testing.T, r *Router) (chan kit.Update, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	return updates, func() {
		cancel()
		<-done
	}
}

func TestRouterCommandsAndAccess(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, []int64{1}, Options{Workers: 2})

	got := make(chan *Request, 8)
	r.SetRegistry([]Command{
		{Route: "status", Aliases: []string{"st"}, Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
		{Route: "pause", Access: AccessOwnerOnly, Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
	}, nil, nil)

	updates, stop := startRouter(t, r)
	defer stop()

	updates <- msg(7, "/status@mediabot now \"two words\"")
	req := <-got
	assert.Equal(t, "status", req.Command)
	assert.Equal(t, []string{"now", "two words"}, req.Args)
	assert.Equal(t, int64(7), req.FromID)
	assert.False(t, req.Owner)
	assert.NotEmpty(t, req.ReqID)

	updates <- msg(7, "/st")
	assert.Equal(t, "status", (<-got).Command)

	updates <- msg(7, "/pause")
	updates <- msg(1, "/pause")
	req = <-got
	assert.Equal(t, int64(1), req.FromID)
	assert.True(t, req.Owner)

	updates <- msg(7, "/nope")
	require.Eventually(t, func() bool { return len(ad.Texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"unauthorized", "unknown command, try /help"}, ad.Texts())
}

func TestRouterPlainTextHandler(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, nil, Options{})
	got := make(chan *Request, 2)
	r.SetRegistry(nil, nil, func(_ context.Context, req *Request) error {
		got <- req
		return nil
	})
	updates, stop := startRouter(t, r)
	defer stop()

	group := msg(5, "https://example.com/a")
	group.Message.IsGroup = true
	updates <- group
	updates <- msg(5, "  https://example.com/b  ")

	req := <-got
	assert.Equal(t, "https://example.com/b", req.Text)
	assert.Equal(t, "u", req.Username)
	assert.Equal(t, "text", req.Command)
	assert.Empty(t, got)
}

func TestRouterCallbacks(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, []int64{1}, Options{})
	got := make(chan *Request, 2)
	r.SetRegistry(nil, []CallbackRoute{
		{Namespace: "quota", Action: "bonus", Access: CallbackAccessEveryone, Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
		{Namespace: "ops", Action: "drain", Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
	}, nil)
	updates, stop := startRouter(t, r)
	defer stop()

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", FromID: 9, ChatID: 9, Data: "quota:bonus:42"}}
	req := <-got
	assert.Equal(t, "42", req.Payload)
	assert.Equal(t, "cb:quota:bonus", req.Command)
	<-ad.answered

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", FromID: 9, ChatID: 9, Data: "ops:drain"}}
	<-ad.answered
	ad.mu.Lock()
	assert.Equal(t, []string{"", "forbidden"}, ad.answers)
	ad.mu.Unlock()
	assert.Empty(t, got)
}

func TestCallbackAccessDefaultsToOwnerOnly(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CallbackAccessOwnerOnly, CallbackRoute{}.Access)

	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, []int64{1}, Options{})
	got := make(chan *Request, 2)
	r.SetRegistry(nil, []CallbackRoute{
		{Namespace: "ops", Action: "drain", Handle: func(_ context.Context, req *Request) error { got <- req; return nil }},
	}, nil)
	updates, stop := startRouter(t, r)
	defer stop()

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", FromID: 9, ChatID: 9, Data: "ops:drain"}}
	<-ad.answered
	assert.Empty(t, got)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", FromID: 1, ChatID: 1, Data: "ops:drain"}}
	req := <-got
	assert.True(t, req.Owner)
	<-ad.answered

	ad.mu.Lock()
	assert.Equal(t, []string{"forbidden", ""}, ad.answers)
	ad.mu.Unlock()
}

func TestRouterPanicDoesNotKillWorkers(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, nil, Options{Workers: 1})
	got := make(chan struct{}, 1)
	r.SetRegistry([]Command{
		{Route: "boom", Handle: func(context.Context, *Request) error { panic("bad") }},
		{Route: "ok", Handle: func(context.Context, *Request) error { got <- struct{}{}; return nil }},
	}, nil, nil)
	updates, stop := startRouter(t, r)
	defer stop()

	updates <- msg(3, "/boom")
	updates <- msg(3, "/ok")
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a handler panic")
	}
	require.Eventually(t, func() bool { return len(ad.Texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, ad.Texts()[0], "internal error")
}

func TestRouterFloodGuard(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	g := NewFloodGuard(0.001, 1)
	r := New(logx.Nop(), ad, nil, Options{Guard: g})
	got := make(chan struct{}, 4)
	r.SetRegistry([]Command{{Route: "ping", Handle: func(context.Context, *Request) error { got <- struct{}{}; return nil }}}, nil, nil)
	updates, stop := startRouter(t, r)
	defer stop()

	updates <- msg(4, "/ping")
	updates <- msg(4, "/ping")
	updates <- msg(4, "/ping")
	<-got
	require.Eventually(t, func() bool { return len(ad.Texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, ad.Texts()[0], "slow down")
	assert.Empty(t, got)
}

func TestFloodGuard(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewFloodGuard(0, 5))
	var disabled *FloodGuard
	assert.True(t, disabled.Allow(1))

	now := time.Unix(1000, 0)
	g := NewFloodGuard(1, 2)
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow(1))
	assert.True(t, g.Allow(1))
	assert.False(t, g.Allow(1))
	assert.True(t, g.Allow(2), "buckets are per user")

	assert.True(t, g.ShouldWarn(1))
	assert.False(t, g.ShouldWarn(1))

	now = now.Add(time.Second)
	assert.True(t, g.Allow(1))

	now = now.Add(floodIdleTTL + time.Minute)
	g.Allow(3)
	assert.Equal(t, 1, g.Len(), "idle users evicted")
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, nil, Options{})
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry([]Command{
		{Route: "status", Description: "queue status", Handle: noop},
		{Route: "drain", Description: "drop pending", Usage: "/drain", Access: AccessOwnerOnly, Handle: noop},
	}, nil, nil)

	public := r.HelpText(nil, false)
	assert.Contains(t, public, "/status")
	assert.NotContains(t, public, "/drain")
	assert.Contains(t, r.HelpText(nil, true), "🔒 <code>/drain</code>")
	assert.Contains(t, r.HelpText([]string{"drain"}, true), "<b>Usage</b>")
	assert.Contains(t, r.HelpText([]string{"drain"}, false), "Unknown command")
	assert.Contains(t, r.HelpText([]string{"/h"}, false), "/help")

	r.PublishMenu(context.Background())
	ad.mu.Lock()
	defer ad.mu.Unlock()
	require.Len(t, ad.menu, 3)
	assert.Equal(t, "help", ad.menu[0].Command)
	assert.Equal(t, "status", ad.menu[1].Command)
	assert.Equal(t, "drain", ad.menu[2].Command)
	assert.Equal(t, "🔒 drop pending", ad.menu[2].Description)
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"Status", "status"},
		{"/limit", "limit"},
		{"queue-drain", "queue_drain"},
		{"a  b", "a_b"},
		{"__x__", "x"},
		{"9lives", "cmd_9lives"},
		{"ünï", "n"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeTelegramCommand(tt.in), tt.in)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"/a", "b c", "d", `e"f`}, tokenizeCommandLine(`/a "b c" 'd' e\"f`))
	assert.Nil(t, tokenizeCommandLine("   "))
}
