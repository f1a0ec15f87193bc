package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ThreadFilter controls filtering and pagination for thread queries.
type ThreadFilter struct {
	Labels     []string          // threads carrying any of these labels (OR logic)
	Query      *string           // search subject + snippet
	Unread     *bool             // unread state or nil (all)
	Population *model.Population // population level or nil (all)
	Limit      int
}

// Store is the durable local cache the sync engine and the host application
// share: threads, messages, the pending-action and outbox queues, snooze
// records, and the sync cursor. It is the single source of truth for
// anything the host reads.
type Store interface {
	// === Threads and messages ===

	UpsertThreads(ctx context.Context, threads []model.Thread) error
	UpsertMessages(ctx context.Context, messages []model.Message) error
	UpsertFullThread(ctx context.Context, thread model.Thread, messages []model.Message) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	GetThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error)
	GetMessages(ctx context.Context, threadID string) ([]model.Message, error)
	DeleteThread(ctx context.Context, id string) error
	UpdateThreadLabels(ctx context.Context, id string, add, remove []string) error
	ConfirmThreadLabels(ctx context.Context, id string) error
	SetThreadNudge(ctx context.Context, id string, nudge model.NudgeType) error

	// === Pending-action queue ===

	EnqueuePendingAction(ctx context.Context, actionType model.ActionType, threadID string, payload model.LabelDelta) error
	GetPendingActions(ctx context.Context) ([]model.PendingAction, error)
	MarkActionSynced(ctx context.Context, id string) error
	MarkActionFailed(ctx context.Context, id string) error

	// === Outbox ===

	EnqueueOutbox(ctx context.Context, payload model.SendRequest) (*model.OutboxItem, error)
	GetOutboxItems(ctx context.Context) ([]model.OutboxItem, error)
	MarkOutboxSending(ctx context.Context, id string) error
	MarkOutboxSent(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, sendErr string) error
	CancelOutboxItem(ctx context.Context, id string) error

	// === Snoozes ===

	SnoozeThread(ctx context.Context, threadID string, until time.Time, originalLabels []string) error
	GetExpiredSnoozes(ctx context.Context) ([]model.SnoozeRecord, error)
	IsSnoozed(ctx context.Context, threadID string) (bool, error)
	CancelSnooze(ctx context.Context, threadID string) (*model.SnoozeRecord, error)
	GetAllSnoozed(ctx context.Context) ([]model.SnoozeRecord, error)

	// === Sync cursor ===

	SetLastHistoryID(ctx context.Context, cursor string) error
	GetLastHistoryID(ctx context.Context) (string, error)
	SetLastSyncedAt(ctx context.Context, ts time.Time) error

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// === Maintenance ===

	Stats(ctx context.Context) (model.CacheStats, error)
	Prune(ctx context.Context, maxBytes int64) error
	ClearCache(ctx context.Context) error
	Close() error
}
