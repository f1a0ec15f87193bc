package sync

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// populate upgrades a small batch of metadata-only threads to full
// population, one at a time with rate pacing so the remote API is never
// burst. It runs only while online, not mid-sync, and only while the cache
// has headroom below its budget, and it aborts the moment connectivity
// drops or the engine stops.
func (e *Engine) populate(ctx context.Context) {
	if !e.monitor.IsOnline() || e.IsSyncing() {
		return
	}

	if e.cfg.MaxCacheBytes > 0 {
		stats, err := e.store.Stats(ctx)
		if err != nil {
			e.log.Error("cache stats failed", "error", err)
			return
		}
		if float64(stats.TotalBytes) >= float64(e.cfg.MaxCacheBytes)*populateHeadroom {
			return
		}
	}

	metadata := model.PopulationMetadata
	threads, err := e.store.GetThreads(ctx, store.ThreadFilter{
		Population: &metadata,
		Limit:      e.cfg.PopulateBatch,
	})
	if err != nil {
		e.log.Error("selecting threads to populate failed", "error", err)
		return
	}

	for _, t := range threads {
		if !e.monitor.IsOnline() || e.stopped() {
			return
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		td, err := e.remote.FetchThread(ctx, t.ID, remote.FormatFull)
		switch {
		case remote.IsNetwork(err):
			e.monitor.ReportOffline()
			return
		case remote.IsNotFound(err):
			if err := e.store.DeleteThread(ctx, t.ID); err != nil {
				e.log.Error("deleting vanished thread failed", "thread", t.ID, "error", err)
			}
			continue
		case err != nil:
			e.log.Warn("populating thread failed", "thread", t.ID, "error", err)
			continue
		}

		if e.stopped() {
			return
		}
		if err := e.store.UpsertFullThread(ctx, td.Thread, td.Messages); err != nil {
			e.log.Error("writing populated thread failed", "thread", t.ID, "error", err)
			return
		}
		e.publish(Event{Kind: EventThreadUpdated, ThreadID: t.ID})
	}
}
