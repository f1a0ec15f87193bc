package sync

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// applyAction is the shared mutation path: apply the label delta locally so
// the host sees it immediately, attempt it remotely once within the
// configured timeout, and queue it for replay when offline or on a
// transport failure. Non-network remote failures propagate to the caller.
func (e *Engine) applyAction(ctx context.Context, actionType model.ActionType, threadID string, delta model.LabelDelta) error {
	if err := e.store.UpdateThreadLabels(ctx, threadID, delta.Add, delta.Remove); err != nil {
		return err
	}
	e.publish(Event{Kind: EventThreadUpdated, ThreadID: threadID})

	if !e.monitor.IsOnline() {
		return e.store.EnqueuePendingAction(ctx, actionType, threadID, delta)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	err := e.remote.ModifyLabels(rctx, threadID, delta.Add, delta.Remove)
	cancel()
	if err == nil {
		return e.store.ConfirmThreadLabels(ctx, threadID)
	}
	if remote.IsNetwork(err) {
		e.monitor.ReportOffline()
		return e.store.EnqueuePendingAction(ctx, actionType, threadID, delta)
	}
	return err
}

// ArchiveThread removes the thread from the inbox, optimistically.
func (e *Engine) ArchiveThread(ctx context.Context, threadID string) error {
	return e.applyAction(ctx, model.ActionArchive, threadID, model.LabelDelta{
		Remove: []string{model.LabelInbox},
	})
}

// MarkThreadRead clears the thread's unread state, optimistically.
func (e *Engine) MarkThreadRead(ctx context.Context, threadID string) error {
	return e.applyAction(ctx, model.ActionMarkRead, threadID, model.LabelDelta{
		Remove: []string{model.LabelUnread},
	})
}

// ModifyThreadLabels applies an arbitrary label delta, optimistically.
func (e *Engine) ModifyThreadLabels(ctx context.Context, threadID string, add, remove []string) error {
	return e.applyAction(ctx, model.ActionLabel, threadID, model.LabelDelta{
		Add:    add,
		Remove: remove,
	})
}

// SendEmail queues the message in the outbox and, when online, attempts the
// send immediately. The returned item reflects the attempt's outcome; a
// queued or failed item is retried on the next reconnect.
func (e *Engine) SendEmail(ctx context.Context, req model.SendRequest) (*model.OutboxItem, error) {
	item, err := e.store.EnqueueOutbox(ctx, req)
	if err != nil {
		return nil, err
	}

	if !e.monitor.IsOnline() {
		return item, nil
	}

	if err := e.sendOutboxItem(ctx, item); err != nil {
		if remote.IsNetwork(err) {
			// Stays in the outbox for the reconnect flush.
			return item, nil
		}
		return item, err
	}
	return item, nil
}

// RetryOutboxItem re-attempts a queued or failed outbox item.
func (e *Engine) RetryOutboxItem(ctx context.Context, id string) error {
	items, err := e.store.GetOutboxItems(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if items[i].Status == model.OutboxSent || items[i].Status == model.OutboxSending {
			return fmt.Errorf("outbox item %s is %s", id, items[i].Status)
		}
		if !e.monitor.IsOnline() {
			return nil
		}
		return e.sendOutboxItem(ctx, &items[i])
	}
	return fmt.Errorf("outbox item %s not found", id)
}

// CancelOutboxItem removes an unsent outbox entry.
func (e *Engine) CancelOutboxItem(ctx context.Context, id string) error {
	return e.store.CancelOutboxItem(ctx, id)
}

// sendOutboxItem drives one item through sending → sent|failed. The item's
// status is updated in place.
func (e *Engine) sendOutboxItem(ctx context.Context, item *model.OutboxItem) error {
	if err := e.store.MarkOutboxSending(ctx, item.ID); err != nil {
		return err
	}
	item.Status = model.OutboxSending

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	_, err := e.remote.SendEmail(rctx, item.Payload)
	cancel()
	if err != nil {
		if remote.IsNetwork(err) {
			e.monitor.ReportOffline()
		}
		item.Status = model.OutboxFailed
		item.Error = err.Error()
		if markErr := e.store.MarkOutboxFailed(ctx, item.ID, err.Error()); markErr != nil {
			return markErr
		}
		return err
	}

	item.Status = model.OutboxSent
	item.Error = ""
	return e.store.MarkOutboxSent(ctx, item.ID)
}
