// Package activity is the operational activity log: a best-effort,
// fire-and-forget record of what the bot did, readable by operators.
package activity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediabot/internal/storage"
	logx "mediabot/pkg/logx"
)

const (
	defaultBuffer   = 256
	maxMessageRunes = 500
	writeTimeout    = 3 * time.Second
)

type entry struct {
	at  time.Time
	msg string
}

// Log buffers records and writes them from a single worker goroutine so
// callers never wait on storage.
type Log struct {
	store storage.Activity
	log   logx.Logger

	ch      chan entry
	dropped atomic.Uint64
	failed  atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(store storage.Activity, log logx.Logger, buffer int) *Log {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{
		store: store,
		log:   log,
		ch:    make(chan entry, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the writer. It returns when ctx is done or Close is called.
func (l *Log) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

func (l *Log) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case e := <-l.ch:
			l.write(e)
		case <-ctx.Done():
			l.flush()
			return
		case <-l.stop:
			l.flush()
			return
		}
	}
}

func (l *Log) flush() {
	for {
		select {
		case e := <-l.ch:
			l.write(e)
		default:
			return
		}
	}
}

func (l *Log) write(e entry) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.store.AppendActivity(ctx, e.at, e.msg); err != nil {
		l.failed.Add(1)
		l.log.Debug("activity write failed", logx.Err(err))
	}
}

// Record queues message. It never blocks and never reports an error; a
// full buffer drops the record.
func (l *Log) Record(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if r := []rune(message); len(r) > maxMessageRunes {
		message = string(r[:maxMessageRunes-1]) + "…"
	}
	select {
	case l.ch <- entry{at: time.Now(), msg: message}:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.log.Debug("activity buffer full; dropping", logx.Uint64("dropped", l.dropped.Load()))
		}
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]storage.ActivityEntry, error) {
	if l.store == nil {
		return nil, storage.ErrDisabled
	}
	return l.store.RecentActivity(ctx, limit)
}

// Prune deletes entries older than before.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	if l.store == nil {
		return 0, storage.ErrDisabled
	}
	return l.store.PruneActivity(ctx, before)
}

// Close stops the writer after flushing buffered records.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.stop) })
	// never started: write what was buffered inline
	l.startOnce.Do(func() {
		l.flush()
		close(l.done)
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Dropped uint64
	Failed  uint64
	Pending int
}

func (l *Log) Stats() Stats {
	return Stats{Dropped: l.dropped.Load(), Failed: l.failed.Load(), Pending: len(l.ch)}
}
