package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// Sync runs one synchronization cycle. Overlapping invocations (periodic
// tick, reconnect, manual trigger) collapse into a no-op while one is
// already running, and the cycle is skipped entirely while offline.
// A transport failure flips the connectivity signal to offline instead of
// propagating; any other failure is returned and retried on the next tick.
func (e *Engine) Sync() error {
	e.mu.Lock()
	if e.syncing || e.state == StateStopped || !e.monitor.IsOnline() {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.state = StateSyncing
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		e.mu.Lock()
		e.syncing = false
		if e.state == StateSyncing {
			e.state = StateIdle
		}
		e.mu.Unlock()
	}()

	if err := e.runSync(ctx); err != nil {
		if remote.IsNetwork(err) {
			e.log.Warn("sync hit a transport failure, going offline", "error", err)
			e.monitor.ReportOffline()
			return nil
		}
		return err
	}

	if err := e.store.SetLastSyncedAt(ctx, time.Now()); err != nil {
		return err
	}
	if e.cfg.MaxCacheBytes > 0 {
		if err := e.store.Prune(ctx, e.cfg.MaxCacheBytes); err != nil {
			return fmt.Errorf("pruning cache: %w", err)
		}
	}
	e.publish(Event{Kind: EventThreadsUpdated})
	return nil
}

func (e *Engine) runSync(ctx context.Context) error {
	cursor, err := e.store.GetLastHistoryID(ctx)
	if err != nil {
		return err
	}

	if cursor == "" {
		return e.fullSync(ctx)
	}

	err = e.incrementalSync(ctx, cursor)
	if remote.IsCursorExpired(err) {
		// The provider aged out our cursor; local state can no longer be
		// reconciled incrementally.
		e.log.Info("history cursor expired, rebuilding cache")
		if err := e.store.ClearCache(ctx); err != nil {
			return err
		}
		return e.fullSync(ctx)
	}
	return err
}

// fullSync rebuilds the metadata cache from the canonical query list and
// stores the account's current history cursor.
func (e *Engine) fullSync(ctx context.Context) error {
	profile, err := e.remote.GetProfile(ctx)
	if err != nil {
		return err
	}
	e.setOwner(profile.EmailAddress)

	for _, query := range e.cfg.Queries {
		page, err := e.remote.FetchThreads(ctx, query, e.cfg.MaxResults, "")
		if err != nil {
			return err
		}
		if e.stopped() {
			return nil
		}
		if err := e.upsertThreadData(ctx, page.Threads); err != nil {
			return err
		}
	}

	return e.store.SetLastHistoryID(ctx, profile.HistoryID)
}

// historyDelta is the classified view of one history fetch.
type historyDelta struct {
	affected     map[string]bool
	newMessage   map[string]bool
	inboxAdded   map[string]bool
	inboxRemoved map[string]bool
}

// classifyHistory folds the ordered record stream into per-thread sets.
func classifyHistory(records []remote.HistoryRecord) historyDelta {
	d := historyDelta{
		affected:     map[string]bool{},
		newMessage:   map[string]bool{},
		inboxAdded:   map[string]bool{},
		inboxRemoved: map[string]bool{},
	}
	for _, r := range records {
		if r.ThreadID == "" {
			continue
		}
		d.affected[r.ThreadID] = true
		switch r.Type {
		case remote.MessageAdded:
			d.newMessage[r.ThreadID] = true
		case remote.LabelsAdded:
			if containsLabel(r.Labels, model.LabelInbox) {
				d.inboxAdded[r.ThreadID] = true
			}
		case remote.LabelsRemoved:
			if containsLabel(r.Labels, model.LabelInbox) {
				d.inboxRemoved[r.ThreadID] = true
			}
		}
	}
	return d
}

// incrementalSync applies the history delta since cursor: nudge detection,
// snooze auto-wake, batched thread refresh, archived-thread restoration,
// and finally the cursor advance.
func (e *Engine) incrementalSync(ctx context.Context, cursor string) error {
	hist, err := e.remote.GetHistory(ctx, cursor)
	if err != nil {
		return err
	}
	if len(hist.Records) == 0 {
		return e.store.SetLastHistoryID(ctx, hist.NewCursor)
	}

	if err := e.ensureOwner(ctx); err != nil {
		return err
	}

	delta := classifyHistory(hist.Records)

	// An inbox re-add with no accompanying new message is the provider's
	// re-notify signal.
	nudgeCandidates := map[string]bool{}
	for id := range delta.inboxAdded {
		if !delta.newMessage[id] {
			nudgeCandidates[id] = true
		}
	}

	// New mail or an inbox removal invalidates any existing nudge marker.
	for id := range delta.newMessage {
		if err := e.store.SetThreadNudge(ctx, id, model.NudgeNone); err != nil {
			return err
		}
	}
	for id := range delta.inboxRemoved {
		if err := e.store.SetThreadNudge(ctx, id, model.NudgeNone); err != nil {
			return err
		}
	}

	// A new external reply wakes a snoozed thread immediately. Woken
	// threads are already back in the inbox locally, so the restoration
	// pass must not treat them as archived again.
	woken := map[string]bool{}
	for id := range delta.newMessage {
		snoozed, err := e.store.IsSnoozed(ctx, id)
		if err != nil {
			return err
		}
		if snoozed {
			if err := e.wakeThread(ctx, id); err != nil {
				return err
			}
			woken[id] = true
		}
	}

	if err := e.refreshThreads(ctx, delta, nudgeCandidates, woken); err != nil {
		return err
	}
	if e.stopped() {
		return nil
	}

	return e.store.SetLastHistoryID(ctx, hist.NewCursor)
}

// refreshResult is one thread's outcome within a refresh batch.
type refreshResult struct {
	id      string
	data    *remote.ThreadData
	deleted bool
	err     error
}

// refreshThreads re-fetches every affected thread in bounded concurrent
// batches and applies nudge classification and the restoration policy to
// each refreshed thread. The cursor is advanced only after all batches
// complete, so a failed cycle is re-run from the same cursor.
func (e *Engine) refreshThreads(ctx context.Context, delta historyDelta, nudgeCandidates, woken map[string]bool) error {
	ids := make([]string, 0, len(delta.affected))
	for id := range delta.affected {
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		results := make([]refreshResult, len(batch))
		var wg gosync.WaitGroup
		for i, id := range batch {
			format := remote.FormatMetadata
			cached, err := e.store.GetThread(ctx, id)
			if err != nil {
				return err
			}
			// Threads the user has opened stay fully populated; everything
			// else is refreshed at metadata cost.
			if cached != nil && cached.Population == model.PopulationFull {
				format = remote.FormatFull
			}

			wg.Add(1)
			go func(i int, id string, format remote.Format) {
				defer wg.Done()
				td, err := e.remote.FetchThread(ctx, id, format)
				switch {
				case remote.IsNotFound(err):
					results[i] = refreshResult{id: id, deleted: true}
				case err != nil:
					results[i] = refreshResult{id: id, err: err}
				default:
					results[i] = refreshResult{id: id, data: td}
				}
			}(i, id, format)
		}
		wg.Wait()

		if e.stopped() {
			return nil
		}

		for _, res := range results {
			switch {
			case res.err != nil:
				if remote.IsNetwork(res.err) {
					return res.err
				}
				// One bad thread does not fail the batch.
				e.log.Warn("thread refresh failed", "thread", res.id, "error", res.err)
			case res.deleted:
				if err := e.store.DeleteThread(ctx, res.id); err != nil {
					return err
				}
				e.publish(Event{Kind: EventThreadUpdated, ThreadID: res.id})
			default:
				if err := e.applyRefresh(ctx, res.data, delta, nudgeCandidates[res.id], woken[res.id]); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// applyRefresh writes one refreshed thread and runs nudge classification and
// the archived-thread restoration policy on it.
func (e *Engine) applyRefresh(ctx context.Context, td *remote.ThreadData, delta historyDelta, nudgeCandidate, woken bool) error {
	if err := e.upsertThreadData(ctx, []remote.ThreadData{*td}); err != nil {
		return err
	}
	id := td.Thread.ID
	e.publish(Event{Kind: EventThreadUpdated, ThreadID: id})

	if nudgeCandidate {
		nudge := model.NudgeReply
		if td.Thread.LastSender == e.ownerAddress() {
			nudge = model.NudgeFollowUp
		}
		if err := e.store.SetThreadNudge(ctx, id, nudge); err != nil {
			return err
		}
		if err := e.store.CreateNotification(ctx, model.Notification{
			ThreadID: id,
			Kind:     model.NotificationNudge,
			Message:  fmt.Sprintf("Thread %q needs attention", td.Thread.Subject),
		}); err != nil {
			return err
		}
	}

	// A thread woken from snooze this cycle is already back in the inbox;
	// the remote copy may still lack INBOX because the label move has only
	// just been pushed.
	if delta.newMessage[id] && !woken {
		if err := e.maybeRestoreThread(ctx, td); err != nil {
			return err
		}
	}
	return nil
}

// maybeRestoreThread guards against the provider failing to return an
// archived thread to the inbox when a new external reply arrives: such a
// thread is restored locally, the label move is attempted remotely (queued
// on transport failure), and a local notification is raised.
func (e *Engine) maybeRestoreThread(ctx context.Context, td *remote.ThreadData) error {
	t := &td.Thread
	if t.HasLabel(model.LabelInbox) || t.HasLabel(model.LabelTrash) || t.HasLabel(model.LabelSpam) {
		return nil
	}
	if t.LastSender == e.ownerAddress() {
		return nil
	}
	snoozed, err := e.store.IsSnoozed(ctx, t.ID)
	if err != nil {
		return err
	}
	if snoozed {
		return nil
	}

	delta := model.LabelDelta{Add: []string{model.LabelInbox, model.LabelUnread}}
	if err := e.applyAction(ctx, model.ActionLabel, t.ID, delta); err != nil {
		return err
	}
	if err := e.store.CreateNotification(ctx, model.Notification{
		ThreadID: t.ID,
		Kind:     model.NotificationRestored,
		Message:  fmt.Sprintf("New reply on %q", t.Subject),
	}); err != nil {
		return err
	}
	return nil
}

// upsertThreadData writes a batch of fetched threads and their messages.
func (e *Engine) upsertThreadData(ctx context.Context, data []remote.ThreadData) error {
	for _, td := range data {
		if td.Thread.Population == model.PopulationFull {
			if err := e.store.UpsertFullThread(ctx, td.Thread, td.Messages); err != nil {
				return err
			}
			continue
		}
		if err := e.store.UpsertThreads(ctx, []model.Thread{td.Thread}); err != nil {
			return err
		}
		if err := e.store.UpsertMessages(ctx, td.Messages); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) setOwner(addr string) {
	e.mu.Lock()
	e.owner = addr
	e.mu.Unlock()
}

func (e *Engine) ownerAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// ensureOwner lazily resolves the account address needed for nudge
// classification and the restoration policy.
func (e *Engine) ensureOwner(ctx context.Context) error {
	if e.ownerAddress() != "" {
		return nil
	}
	profile, err := e.remote.GetProfile(ctx)
	if err != nil {
		return err
	}
	e.setOwner(profile.EmailAddress)
	return nil
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
