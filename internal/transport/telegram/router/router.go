package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mediabot/internal/runtime/supervisor"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
	"mediabot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is the command word without the slash, e.g. "status".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackAccess controls who can press an inline button. The zero value
// is owner-only; public buttons set CallbackAccessEveryone explicitly.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute handles inline-button presses whose data is
// "namespace:action[:payload]".
type CallbackRoute struct {
	Namespace string
	Action    string
	Access    CallbackAccess
	Timeout   time.Duration
	Handle    HandlerFunc
}

// Request is what handlers receive. Payload is only set for callbacks,
// Text only for plain messages.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Command  string
	Args     []string
	Payload  string
	Text     string
	ReqID    string
	Owner    bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Options struct {
	Workers   int
	JobBuffer int
	// Timeout applies to handlers without their own.
	Timeout time.Duration
	Guard   *FloodGuard
}

// Router turns adapter updates into handler calls on a bounded worker pool.
type Router struct {
	mu       sync.RWMutex
	commands map[string]Command
	alias    map[string]string
	text     HandlerFunc
	owners   []int64

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	log     logx.Logger
	adapter kit.Adapter
	opt     Options

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.JobBuffer <= 0 {
		opt.JobBuffer = 256
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	return &Router{
		commands:  map[string]Command{},
		alias:     map[string]string{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log,
		adapter:   adapter,
		opt:       opt,
		jobs:      make(chan func(), opt.JobBuffer),
	}
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *Router) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe send (the jobs channel may already be closed).
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces the command and callback tables. text handles
// messages that are not commands and may be nil.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show this help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.HelpText(req.Args, req.Owner), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		},
	}
	cmds = append(cmds, helper)

	commands := map[string]Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Route)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Route = name
		commands[name] = c
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" && sa != name {
				alias[sa] = name
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		ns := strings.TrimSpace(r.Namespace)
		act := strings.TrimSpace(r.Action)
		if ns == "" || act == "" || r.Handle == nil {
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][act] = r
	}

	m.mu.Lock()
	m.commands = commands
	m.alias = alias
	m.text = text
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// PublishMenu pushes the public command list to the adapter when it
// supports command menus.
func (m *Router) PublishMenu(ctx context.Context) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	m.mu.RLock()
	menu := buildMenuCommands(m.commands)
	m.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

func (m *Router) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.commands[word]; ok {
		return c, true
	}
	if name, ok := m.alias[word]; ok {
		c, ok := m.commands[name]
		return c, ok
	}
	return Command{}, false
}

// Run consumes updates until ctx is done or updates is closed. Handlers
// run on a supervised worker pool.
func (m *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("router started", logx.Int("workers", m.opt.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Owner:   m.isOwner(from),
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if g := m.opt.Guard; g != nil && !g.Allow(msg.FromID) {
		if g.ShouldWarn(msg.FromID) {
			_, _ = m.adapter.SendText(ctx, chat, "slow down a little and try again in a moment", nil)
		}
		m.log.Debug("message dropped by flood guard", logx.Int64("from_id", msg.FromID))
		return
	}

	if !strings.HasPrefix(text, "/") {
		m.mu.RLock()
		h := m.text
		m.mu.RUnlock()
		if h == nil || msg.IsGroup {
			return
		}
		req := m.newRequest(up, chat, msg.FromID, "text")
		req.Username = msg.FromUsername
		req.Text = text
		m.dispatch(ctx, req, h, 0)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := m.lookup(strings.ToLower(word))
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}
	req := m.newRequest(up, chat, msg.FromID, cmd.Route)
	req.Username = msg.FromUsername
	req.Args = parts[1:]
	m.dispatch(ctx, req, cmd.Handle, cmd.Timeout)
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	ns, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	m.cbMu.RLock()
	route, ok := m.callbacks[ns][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access != CallbackAccessEveryone && !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+ns+":"+action)
	req.Payload = payload
	h := func(c context.Context, r *Request) error {
		err := route.Handle(c, r)
		// stops the client's loading spinner
		_ = m.adapter.AnswerCallback(c, cb.ID, "")
		return err
	}
	if !m.dispatch(ctx, req, h, route.Timeout) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *Router) dispatch(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = m.opt.Timeout
	}
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if m.tryEnqueue(func() { _ = final(ctx, req) }) {
		return true
	}
	if req.Update.Kind == kit.UpdateMessage {
		_ = req.Reply(ctx, "busy, try again", nil)
	}
	return false
}
