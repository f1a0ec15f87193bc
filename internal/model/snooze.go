package model

import "time"

// SnoozeRecord tracks a thread hidden from the inbox until a wake time.
// The record is deleted when the snooze expires, when a new external reply
// wakes the thread early, or when the user cancels the snooze.
type SnoozeRecord struct {
	// ThreadID is the snoozed thread; at most one record exists per thread.
	ThreadID string `json:"thread_id"`

	// SnoozeUntil is when the thread should return to the inbox.
	SnoozeUntil time.Time `json:"snooze_until"`

	// OriginalLabels is the thread's label set captured at snooze time.
	OriginalLabels []string `json:"original_labels"`

	// CreatedAt is when the snooze was created.
	CreatedAt time.Time `json:"created_at"`
}

// CacheStats is a derived, on-demand summary of the local cache. It is never
// persisted.
type CacheStats struct {
	// TotalBytes is the estimated size of cached thread and message content.
	TotalBytes int64 `json:"total_bytes"`

	// ThreadCount is the number of cached threads.
	ThreadCount int `json:"thread_count"`

	// MessageCount is the number of cached messages.
	MessageCount int `json:"message_count"`

	// LastSyncedAt is when the last successful sync cycle completed.
	LastSyncedAt time.Time `json:"last_synced_at"`

	// PendingActions is the number of queued or failed replay entries.
	PendingActions int `json:"pending_actions"`

	// OutboxItems is the number of outbox entries not yet sent.
	OutboxItems int `json:"outbox_items"`
}
