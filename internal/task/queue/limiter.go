package queue

import "sync/atomic"

// Limiter is a non-blocking capacity gate: at most Max() holders at once.
// It never queues; callers that fail TryAcquire keep their work pending.
type Limiter struct {
	max      int64
	active   atomic.Int64
	unpaired atomic.Uint64
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{max: int64(max)}
}

// TryAcquire takes a slot if one is free and reports whether it did.
func (l *Limiter) TryAcquire() bool {
	for {
		cur := l.active.Load()
		if cur >= l.max {
			return false
		}
		if l.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by a successful TryAcquire. A release without
// a matching acquire is counted and ignored so the count never goes negative.
func (l *Limiter) Release() bool {
	for {
		cur := l.active.Load()
		if cur <= 0 {
			l.unpaired.Add(1)
			return false
		}
		if l.active.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (l *Limiter) Active() int { return int(l.active.Load()) }

func (l *Limiter) Max() int { return int(l.max) }

// Unpaired reports how many releases arrived without a held slot.
func (l *Limiter) Unpaired() uint64 { return l.unpaired.Load() }
