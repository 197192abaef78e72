package indexer

import (
	"context"
	"fmt"
	"time"

	"mediabot/internal/eventbus"
	"mediabot/internal/storage"
	logx "mediabot/pkg/logx"
)

// processBatch is the body of one background task. Items run one at a
// time; a failed item is logged and the next one still runs.
func (ix *Indexer) processBatch(ctx context.Context, items []storage.Candidate) error {
	ix.inFlight.Store(int64(len(items)))
	defer ix.inFlight.Store(0)

	var failed int
	for i, c := range items {
		if ix.stopping.Load() {
			ix.log.Info("indexer batch stopped early", logx.Int("done", i), logx.Int("total", len(items)))
			return nil
		}
		if i > 0 && ix.cfg.ItemDelay > 0 {
			t := time.NewTimer(ix.cfg.ItemDelay)
			select {
			case <-t.C:
			case <-ix.stopCh:
				t.Stop()
				return nil
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		err := ix.indexOne(ctx, c.Locator)
		ix.inFlight.Add(-1)
		if err != nil {
			failed++
			ix.failed.Add(1)
			ix.setErr(err)
			ix.log.Warn("indexer item failed", logx.String("locator", c.Locator), logx.Err(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	if failed == len(items) {
		return fmt.Errorf("all %d indexer items failed", failed)
	}
	return nil
}

// indexOne fetches one locator into durable storage and records the cache
// entry. The workspace is released on every path.
func (ix *Indexer) indexOne(ctx context.Context, locator string) error {
	if _, hit, err := ix.deps.Cache.CacheLookup(ctx, locator); err != nil {
		return fmt.Errorf("cache lookup: %w", err)
	} else if hit {
		ix.skipped.Add(1)
		return nil
	}

	info, err := ix.deps.Extractor.Probe(ctx, locator)
	if err != nil {
		return err
	}

	ws, err := ix.deps.Workspaces.Acquire("index")
	if err != nil {
		return err
	}
	defer func() { _ = ws.Release() }()

	f, err := ix.deps.Extractor.Download(ctx, locator, ws.Dir)
	if err != nil {
		return err
	}
	if f.Title == "" {
		f.Title = info.Title
	}
	stored, err := ix.deps.Uploader.Upload(ctx, locator, f)
	if err != nil {
		return fmt.Errorf("upload via %s: %w", ix.deps.Uploader.Name(), err)
	}
	entry := storage.CacheEntry{
		Locator:   locator,
		Handle:    stored.Handle,
		Kind:      string(stored.Kind),
		Title:     f.Title,
		CreatedAt: time.Now(),
	}
	if err := ix.deps.Cache.CacheStore(ctx, entry); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	ix.indexed.Add(1)
	if ix.deps.Bus != nil {
		ix.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.IndexerIndexed,
			Time: time.Now(),
			Data: IndexedEvent{Locator: locator, Title: f.Title, Handle: stored.Handle},
		})
	}
	return nil
}
