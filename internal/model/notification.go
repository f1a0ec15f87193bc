package model

import "time"

// NotificationKind identifies why a local notification was raised.
type NotificationKind string

const (
	// NotificationNudge marks a thread the provider re-surfaced without
	// new mail.
	NotificationNudge NotificationKind = "nudge"

	// NotificationRestored marks an archived thread restored to the inbox
	// after a new external reply.
	NotificationRestored NotificationKind = "restored"

	// NotificationSnoozeWake marks a snoozed thread returned to the inbox.
	NotificationSnoozeWake NotificationKind = "snooze_wake"
)

// Notification represents a local alert surfaced to the host application
// about sync-driven activity on a cached thread.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id"`

	// ThreadID links this notification to the affected thread.
	ThreadID string `json:"thread_id"`

	// Kind identifies what happened (see NotificationKind).
	Kind NotificationKind `json:"kind"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// Read indicates whether the host has consumed this notification.
	Read bool `json:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at"`
}
