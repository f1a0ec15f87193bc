package sync

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// FlushPendingActions replays the queued label mutations in FIFO creation
// order. A transport failure stops the pass (the rest stays queued for the
// next reconnect); any other failure marks that action failed and continues,
// so one bad action never blocks the queue.
func (e *Engine) FlushPendingActions(ctx context.Context) error {
	actions, err := e.store.GetPendingActions(ctx)
	if err != nil {
		return err
	}

	for _, action := range actions {
		err := e.replayAction(ctx, action)
		if err == nil {
			if err := e.store.MarkActionSynced(ctx, action.ID); err != nil {
				return err
			}
			e.publish(Event{Kind: EventThreadUpdated, ThreadID: action.ThreadID})
			continue
		}
		if remote.IsNetwork(err) {
			e.monitor.ReportOffline()
			return nil
		}
		// Replays are idempotent, so a thread deleted remotely or any other
		// per-item failure is recorded and the pass moves on.
		e.log.Warn("pending action replay failed", "action", action.ID, "type", action.Type, "error", err)
		if err := e.store.MarkActionFailed(ctx, action.ID); err != nil {
			return err
		}
	}

	return nil
}

// replayAction performs one queued mutation against the remote service.
func (e *Engine) replayAction(ctx context.Context, action model.PendingAction) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	switch action.Type {
	case model.ActionArchive:
		return e.remote.ArchiveThread(rctx, action.ThreadID)
	case model.ActionMarkRead:
		return e.remote.MarkAsRead(rctx, action.ThreadID)
	default:
		return e.remote.ModifyLabels(rctx, action.ThreadID, action.Payload.Add, action.Payload.Remove)
	}
}

// FlushOutbox sends queued and failed outbox items sequentially in FIFO
// creation order, so the host sees deterministic per-item progress. A
// transport failure stops the pass; other failures are isolated per item.
func (e *Engine) FlushOutbox(ctx context.Context) error {
	items, err := e.store.GetOutboxItems(ctx)
	if err != nil {
		return err
	}

	for i := range items {
		if items[i].Status != model.OutboxQueued && items[i].Status != model.OutboxFailed {
			continue
		}
		if err := e.sendOutboxItem(ctx, &items[i]); err != nil {
			if remote.IsNetwork(err) {
				return nil
			}
			e.log.Warn("outbox send failed", "item", items[i].ID, "error", err)
		}
	}

	return nil
}
