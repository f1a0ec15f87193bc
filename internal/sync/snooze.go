package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// SnoozeThread hides the thread from the inbox until the wake time,
// capturing its current label set for restoration.
func (e *Engine) SnoozeThread(ctx context.Context, threadID string, until time.Time) error {
	var originalLabels []string
	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread != nil {
		originalLabels = thread.Labels
	}

	if err := e.store.SnoozeThread(ctx, threadID, until, originalLabels); err != nil {
		return err
	}

	return e.applyAction(ctx, model.ActionLabel, threadID, model.LabelDelta{
		Add:    []string{model.LabelSnoozed},
		Remove: []string{model.LabelInbox},
	})
}

// CancelSnooze deletes the thread's snooze record and restores its label
// set as captured at snooze time. Canceling an unsnoozed thread is a no-op.
func (e *Engine) CancelSnooze(ctx context.Context, threadID string) error {
	record, err := e.store.CancelSnooze(ctx, threadID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	return e.applyAction(ctx, model.ActionLabel, threadID, model.LabelDelta{
		Add:    record.OriginalLabels,
		Remove: []string{model.LabelSnoozed},
	})
}

// CheckSnoozes wakes every snooze whose wake time has passed. It runs on
// every fast tick regardless of connectivity; the remote label move is
// queued when offline.
func (e *Engine) CheckSnoozes(ctx context.Context) error {
	expired, err := e.store.GetExpiredSnoozes(ctx)
	if err != nil {
		return err
	}

	for _, record := range expired {
		if err := e.wakeThread(ctx, record.ThreadID); err != nil {
			e.log.Error("waking snoozed thread failed", "thread", record.ThreadID, "error", err)
		}
	}
	return nil
}

// wakeThread returns a snoozed thread to the inbox: the snooze record is
// deleted, SNOOZED is swapped for INBOX+UNREAD locally and remotely (queued
// on failure), and a local notification is raised.
func (e *Engine) wakeThread(ctx context.Context, threadID string) error {
	record, err := e.store.CancelSnooze(ctx, threadID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	delta := model.LabelDelta{
		Add:    []string{model.LabelInbox, model.LabelUnread},
		Remove: []string{model.LabelSnoozed},
	}
	if err := e.applyAction(ctx, model.ActionLabel, threadID, delta); err != nil {
		return err
	}

	return e.store.CreateNotification(ctx, model.Notification{
		ThreadID: threadID,
		Kind:     model.NotificationSnoozeWake,
		Message:  fmt.Sprintf("Thread %s returned to inbox", threadID),
	})
}
