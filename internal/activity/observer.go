package activity

import (
	"context"
	"fmt"
	"time"

	"mediabot/internal/eventbus"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
)

// Recorder is the write side of the activity log.
type Recorder interface {
	Record(message string)
}

// Observe records bus events until ctx is done or the subscription closes.
// It only reads events and never feeds back into scheduling.
func Observe(ctx context.Context, bus eventbus.Bus, rec Recorder) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg := Describe(ev); msg != "" {
				rec.Record(msg)
			}
		}
	}
}

// Describe renders an event as a one-line activity message. Events that
// are not worth keeping render as "".
func Describe(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.QueuePaused:
		return "queue paused"
	case eventbus.QueueResumed:
		return "queue resumed"
	case eventbus.IndexerState:
		if st, ok := ev.Data.(indexer.StateEvent); ok && st.Reason != "" {
			return fmt.Sprintf("indexer %s -> %s (%s)", st.From, st.To, st.Reason)
		}
		return ""
	case eventbus.IndexerIndexed:
		if ix, ok := ev.Data.(indexer.IndexedEvent); ok {
			return fmt.Sprintf("indexed %s %q", ix.Locator, ix.Title)
		}
		return ""
	}

	te, ok := ev.Data.(queue.TaskEvent)
	if !ok {
		return ""
	}
	subject := te.Name
	if te.Target != "" {
		subject += " " + te.Target
	}
	if te.RequesterID != 0 {
		subject += fmt.Sprintf(" user=%d", te.RequesterID)
	}
	switch ev.Type {
	case eventbus.TaskQueued:
		return fmt.Sprintf("queued %s priority=%d", subject, te.Priority)
	case eventbus.TaskStarted:
		return fmt.Sprintf("started %s waited=%s", subject, te.QueueDelay.Round(10*time.Millisecond))
	case eventbus.TaskFinished:
		return fmt.Sprintf("finished %s in %s", subject, te.Duration.Round(10*time.Millisecond))
	case eventbus.TaskFailed:
		return fmt.Sprintf("failed %s: %s", subject, te.Error)
	case eventbus.TaskTimedOut:
		return fmt.Sprintf("timed out %s after %s", subject, te.Duration.Round(10*time.Millisecond))
	case eventbus.TaskDiscarded:
		return fmt.Sprintf("discarded %s", subject)
	}
	return ""
}
