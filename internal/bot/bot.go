// Package bot holds the chat-facing handlers: link submission, quota and
// status commands, and the owner's queue controls.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mediabot/internal/storage"
	"mediabot/internal/task/admission"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	"mediabot/internal/transport/telegram/router"
	logx "mediabot/pkg/logx"
	"mediabot/pkg/tgui"
)

const (
	defaultActivityLines = 10
	maxActivityLines     = 50
	activityLineRunes    = 200
	maxPremiumDays       = 3660

	bonusNamespace = "quota"
	bonusAction    = "bonus"
)

// bonusData is the callback data of the bonus button.
var bonusData, _ = tgui.Data(bonusNamespace, bonusAction, "")

type Admitter interface {
	Enqueue(ctx context.Context, req admission.Request) (admission.Result, error)
	QuotaOf(ctx context.Context, userID int64) (admission.Quota, error)
	ClaimBonus(ctx context.Context, userID int64) (admission.Quota, error)
}

type QueueOps interface {
	Snapshot() queue.Snapshot
	Pause()
	Resume()
	Drain() []queue.Task
}

type IndexerStatus interface {
	Snapshot() indexer.Snapshot
}

// PremiumSetter grants or revokes the premium tier.
type PremiumSetter interface {
	SetPremium(ctx context.Context, id int64, until time.Time) error
}

type ActivityReader interface {
	Recent(ctx context.Context, limit int) ([]storage.ActivityEntry, error)
}

type Deps struct {
	Admission Admitter
	Queue     QueueOps
	// Indexer may be nil when background indexing is off.
	Indexer  IndexerStatus
	Activity ActivityReader
	Premium  PremiumSetter
	Sender   kit.Adapter
	Log      logx.Logger
}

type Handlers struct {
	d     Deps
	bonus int
	p     *message.Printer
}

// New builds the handlers. bonus is the number of extra downloads the
// bonus button advertises.
func New(d Deps, bonus int) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Handlers{d: d, bonus: bonus, p: message.NewPrinter(language.English)}
}

// Commands returns the command table for the router.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Route: "start", Description: "what this bot does", Handle: h.start},
		{Route: "status", Aliases: []string{"st"}, Description: "queue status", Handle: h.status},
		{Route: "limit", Aliases: []string{"quota"}, Description: "your downloads left today", Handle: h.limit},
		{Route: "pause", Description: "stop starting new downloads", Access: router.AccessOwnerOnly, Handle: h.pause},
		{Route: "resume", Description: "start downloads again", Access: router.AccessOwnerOnly, Handle: h.resume},
		{Route: "drain", Description: "drop every pending download", Access: router.AccessOwnerOnly, Handle: h.drain},
		{
			Route:       "activity",
			Description: "recent activity log",
			Usage:       "/activity [n]",
			Access:      router.AccessOwnerOnly,
			Handle:      h.activity,
		},
		{
			Route:       "premium",
			Description: "grant premium for n days (0 revokes)",
			Usage:       "/premium <user_id> <days>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.premium,
		},
	}
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Namespace: bonusNamespace, Action: bonusAction, Access: router.CallbackAccessEveryone, Handle: h.claimBonus},
	}
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, strings.Join([]string{
		"👋 Send me a link to a video, song or photo and I will fetch it for you.",
		"Use /limit to see how many downloads you have left today, /help for everything else.",
	}, "\n"), nil)
}

// Link handles plain messages: the first http(s) token is submitted.
func (h *Handlers) Link(ctx context.Context, req *router.Request) error {
	link := firstLink(req.Text)
	if link == "" {
		return req.Reply(ctx, "Send me a link (http or https) and I will fetch the media.", nil)
	}
	res, err := h.d.Admission.Enqueue(ctx, admission.Request{
		Chat:     req.Chat,
		UserID:   req.FromID,
		Username: req.Username,
		Locator:  link,
	})
	if err != nil {
		_ = req.Reply(ctx, "Something went wrong on my side, please try again later.", nil)
		return err
	}
	text, opt := h.admissionReply(res)
	return req.Reply(ctx, text, opt)
}

func (h *Handlers) admissionReply(res admission.Result) (string, *kit.SendOptions) {
	switch res.Outcome {
	case admission.OutcomeQueued:
		where := "starting now"
		if res.Position > 0 {
			where = h.p.Sprintf("%d ahead of you", res.Position)
		}
		return h.p.Sprintf("✅ Got it, %s. %d of %d downloads left today after this one.", where, res.Remaining-1, res.Limit), nil
	case admission.OutcomeInvalidLink:
		return "❌ That link does not look valid or reachable.", nil
	case admission.OutcomeLimitReached:
		text := h.p.Sprintf("🚫 You have used all %d downloads for today.", res.Limit)
		if !res.OfferBonus || h.bonus <= 0 {
			return text + " Come back tomorrow.", nil
		}
		return text, &kit.SendOptions{Buttons: [][]kit.Button{{
			{Text: h.p.Sprintf("🎁 Unlock %d more", h.bonus), Data: bonusData},
		}}}
	case admission.OutcomePaused:
		return "⏸ Downloads are paused right now. Try again in a little while.", nil
	default:
		return "Something went wrong on my side, please try again later.", nil
	}
}

func (h *Handlers) claimBonus(ctx context.Context, req *router.Request) error {
	q, err := h.d.Admission.ClaimBonus(ctx, req.FromID)
	switch {
	case errors.Is(err, admission.ErrBonusClaimed):
		return req.Reply(ctx, "You already used today's bonus.", nil)
	case errors.Is(err, admission.ErrBonusDisabled):
		return req.Reply(ctx, "There is no bonus available.", nil)
	case err != nil:
		_ = req.Reply(ctx, "Could not unlock the bonus, please try again.", nil)
		return err
	}
	return req.Reply(ctx, h.p.Sprintf("🎁 Bonus unlocked. %d downloads left today.", q.Remaining), nil)
}

func (h *Handlers) limit(ctx context.Context, req *router.Request) error {
	q, err := h.d.Admission.QuotaOf(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, "Could not read your quota, please try again.", nil)
		return err
	}
	lines := []string{h.p.Sprintf("📊 %d of %d downloads left today (%s).", q.Remaining, q.Limit, q.Day)}
	if q.Premium {
		lines = append(lines, "⭐ Premium")
	}
	if q.BonusClaimed {
		lines = append(lines, "🎁 Bonus claimed")
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), nil)
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.StatusText(), &kit.SendOptions{ParseMode: "HTML"})
}

// StatusText renders the queue and indexer state as Telegram HTML.
func (h *Handlers) StatusText() string {
	s := h.d.Queue.Snapshot()
	state := "running"
	if s.Paused {
		state = "paused"
	}
	lines := []tgui.H{
		"📦 " + tgui.B("Queue") + " " + tgui.Esc(state),
		tgui.H(h.p.Sprintf("active: <b>%d</b>/%d, waiting: <b>%d</b>", s.Active, s.MaxConcurrent, s.Pending)),
		tgui.Esc(h.p.Sprintf("done: %d, failed: %d (timed out %d), dropped: %d", s.Completed, s.Failed, s.TimedOut, s.Discarded)),
	}
	if h.d.Indexer != nil {
		ix := h.d.Indexer.Snapshot()
		lines = append(lines, "", "🗂 "+tgui.B("Indexer")+" "+tgui.Esc(string(ix.State)))
		if ix.InFlight > 0 {
			lines = append(lines, tgui.Esc(h.p.Sprintf("indexing: %d items left", ix.InFlight)))
		}
		lines = append(lines, tgui.Esc(h.p.Sprintf("indexed: %d, skipped: %d, failed: %d", ix.Indexed, ix.Skipped, ix.Failed)))
		if !ix.NextRunAt.IsZero() {
			lines = append(lines, tgui.I("next run in "+time.Until(ix.NextRunAt).Round(time.Second).String()))
		}
		if ix.LastError != "" {
			lines = append(lines, "last error: "+tgui.Code(tgui.TruncRunes(ix.LastError, activityLineRunes)))
		}
	}
	return tgui.Lines(lines...).String()
}

func (h *Handlers) pause(ctx context.Context, req *router.Request) error {
	h.d.Queue.Pause()
	req.Logger.Info("queue paused by owner")
	return req.Reply(ctx, "⏸ Paused. Running downloads finish, new ones wait.", nil)
}

func (h *Handlers) resume(ctx context.Context, req *router.Request) error {
	h.d.Queue.Resume()
	req.Logger.Info("queue resumed by owner")
	return req.Reply(ctx, "▶️ Resumed.", nil)
}

func (h *Handlers) drain(ctx context.Context, req *router.Request) error {
	dropped := h.d.Queue.Drain()
	notified := 0
	for _, t := range dropped {
		if t.Chat.ChatID == 0 || h.d.Sender == nil {
			continue
		}
		if _, err := h.d.Sender.SendText(ctx, t.Chat, "Your download was cancelled by the operator. Please send the link again later.", nil); err == nil {
			notified++
		}
	}
	req.Logger.Info("queue drained by owner", logx.Int("dropped", len(dropped)), logx.Int("notified", notified))
	return req.Reply(ctx, h.p.Sprintf("🧹 Dropped %d pending downloads.", len(dropped)), nil)
}

func (h *Handlers) activity(ctx context.Context, req *router.Request) error {
	n := defaultActivityLines
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "usage: /activity [n]", nil)
		}
		n = min(v, maxActivityLines)
	}
	entries, err := h.d.Activity.Recent(ctx, n)
	if err != nil {
		_ = req.Reply(ctx, "Could not read the activity log.", nil)
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No activity yet.", nil)
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "🧾 "+tgui.B(fmt.Sprintf("Last %d events", len(entries))).String())
	for _, e := range entries {
		msg := tgui.TruncRunes(e.Message, activityLineRunes)
		lines = append(lines, tgui.Code(e.At.UTC().Format("01-02 15:04:05")).String()+" "+tgui.Esc(msg).String())
	}
	lines, cut := tgui.FitLines(lines, tgui.MaxMessageRunes-32)
	if cut > 0 {
		lines = append(lines, fmt.Sprintf("… %d more", cut))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func (h *Handlers) premium(ctx context.Context, req *router.Request) error {
	const usage = "usage: /premium <user_id> <days>"
	if h.d.Premium == nil {
		return req.Reply(ctx, "Premium is not available.", nil)
	}
	if len(req.Args) != 2 {
		return req.Reply(ctx, usage, nil)
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || id <= 0 {
		return req.Reply(ctx, usage, nil)
	}
	days, err := strconv.Atoi(req.Args[1])
	if err != nil || days < 0 || days > maxPremiumDays {
		return req.Reply(ctx, usage, nil)
	}

	var until time.Time
	if days > 0 {
		until = time.Now().Add(time.Duration(days) * 24 * time.Hour)
	}
	if err := h.d.Premium.SetPremium(ctx, id, until); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req.Reply(ctx, fmt.Sprintf("User %d has not used the bot yet.", id), nil)
		}
		_ = req.Reply(ctx, "Could not update premium.", nil)
		return err
	}
	req.Logger.Info("premium updated by owner", logx.Int64("user", id), logx.Int("days", days))
	if days == 0 {
		return req.Reply(ctx, fmt.Sprintf("Premium revoked for %d.", id), nil)
	}
	return req.Reply(ctx, fmt.Sprintf("⭐ %d is premium until %s.", id, until.UTC().Format("2006-01-02 15:04 UTC")), nil)
}

func firstLink(text string) string {
	for _, f := range strings.Fields(text) {
		f = strings.TrimLeft(f, "(<[\"'")
		low := strings.ToLower(f)
		if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
			return strings.TrimRight(f, ".,;:!?)>]\"'")
		}
	}
	return ""
}
