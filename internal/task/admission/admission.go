// Package admission turns a user's link into a queued fetch task, or
// refuses it with a reason the user can act on.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

type Outcome int

const (
	OutcomeQueued Outcome = iota
	OutcomeInvalidLink
	OutcomeLimitReached
	OutcomePaused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeInvalidLink:
		return "invalid_link"
	case OutcomeLimitReached:
		return "limit_reached"
	case OutcomePaused:
		return "paused"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolver canonicalizes a submitted link.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

// Queue is the part of the task queue admission needs.
type Queue interface {
	Submit(t queue.Task) error
	Size() int
}

type Store interface {
	storage.Users
	LogRequest(ctx context.Context, userID int64, locator string, at time.Time) error
}

type Request struct {
	Chat     kit.ChatTarget
	UserID   int64
	Username string
	Locator  string
	// Priority 0 selects the user's tier priority.
	Priority int
}

type Result struct {
	Outcome Outcome
	TaskID  string
	Locator string
	// Position is the pending count right after admission. Advisory only.
	Position  int
	Remaining int
	Limit     int
	// OfferBonus is set on OutcomeLimitReached when today's bonus is
	// still unclaimed.
	OfferBonus bool
	// Reason explains OutcomeInvalidLink.
	Reason error
}

type Admission struct {
	cfg      Config
	resolver Resolver
	store    Store
	queue    Queue
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, resolver Resolver, store Store, q Queue, log logx.Logger) *Admission {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Admission{cfg: cfg, resolver: resolver, store: store, queue: q, log: log, now: time.Now}
}

// Enqueue runs the admission steps in order, stopping at the first refusal.
// A returned error means a storage or queue fault, not a refusal.
func (a *Admission) Enqueue(ctx context.Context, req Request) (Result, error) {
	locator, err := a.resolver.Resolve(ctx, req.Locator)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		a.log.Debug("link rejected", logx.Int64("user_id", req.UserID), logx.String("link", req.Locator), logx.Err(err))
		return Result{Outcome: OutcomeInvalidLink, Reason: err}, nil
	}

	now := a.now()
	if err := a.store.TouchActivity(ctx, req.UserID, req.Username, now); err != nil {
		return Result{}, fmt.Errorf("touch activity: %w", err)
	}
	day := a.cfg.Day(now)
	if _, err := a.store.ResetDailyLimitIfNeeded(ctx, req.UserID, day); err != nil {
		return Result{}, fmt.Errorf("reset daily limit: %w", err)
	}
	u, err := a.store.GetUser(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load user: %w", err)
	}
	q := a.cfg.quotaFor(u, now, day)

	res := Result{Locator: locator, Remaining: q.Remaining, Limit: q.Limit}
	if q.Remaining <= 0 {
		res.Outcome = OutcomeLimitReached
		res.OfferBonus = a.cfg.Bonus > 0 && !q.BonusClaimed
		return res, nil
	}

	prio := req.Priority
	if prio == 0 {
		prio = queue.PriorityStandard
		if q.Premium {
			prio = queue.PriorityPremium
		}
	}
	t := queue.Task{
		ID:          fmt.Sprintf("dl-%d-%x", req.UserID, now.UnixNano()),
		Name:        "fetch",
		Chat:        req.Chat,
		RequesterID: req.UserID,
		Target:      locator,
		Priority:    prio,
		CreatedAt:   now,
	}
	if err := a.queue.Submit(t); err != nil {
		if errors.Is(err, queue.ErrPaused) {
			res.Outcome = OutcomePaused
			return res, nil
		}
		return Result{}, fmt.Errorf("submit: %w", err)
	}
	res.Outcome = OutcomeQueued
	res.TaskID = t.ID
	res.Position = a.queue.Size()

	if err := a.store.LogRequest(ctx, req.UserID, locator, now); err != nil {
		a.log.Warn("request log failed", logx.String("locator", locator), logx.Err(err))
	}
	return res, nil
}

// Quota is a user's allowance for the current day.
type Quota struct {
	Used         int
	Limit        int
	Remaining    int
	Premium      bool
	BonusClaimed bool
	Day          string
}

// QuotaOf reports the current allowance, rolling the day over first.
func (a *Admission) QuotaOf(ctx context.Context, userID int64) (Quota, error) {
	now := a.now()
	day := a.cfg.Day(now)
	if _, err := a.store.ResetDailyLimitIfNeeded(ctx, userID, day); err != nil {
		return Quota{}, err
	}
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return Quota{}, err
	}
	return a.cfg.quotaFor(u, now, day), nil
}

var (
	ErrBonusClaimed  = errors.New("bonus already claimed today")
	ErrBonusDisabled = errors.New("bonus disabled")
)

// ClaimBonus grants today's bonus downloads once per calendar day.
func (a *Admission) ClaimBonus(ctx context.Context, userID int64) (Quota, error) {
	if a.cfg.Bonus <= 0 {
		return Quota{}, ErrBonusDisabled
	}
	now := a.now()
	day := a.cfg.Day(now)
	if _, err := a.store.ResetDailyLimitIfNeeded(ctx, userID, day); err != nil {
		return Quota{}, err
	}
	ok, err := a.store.ClaimBonus(ctx, userID, day)
	if err != nil {
		return Quota{}, err
	}
	if !ok {
		return Quota{}, ErrBonusClaimed
	}
	a.log.Info("bonus claimed", logx.Int64("user_id", userID), logx.String("day", day))
	return a.QuotaOf(ctx, userID)
}
