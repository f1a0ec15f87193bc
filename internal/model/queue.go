package model

import "time"

// ActionType identifies the kind of queued label mutation.
type ActionType string

const (
	ActionArchive  ActionType = "archive"
	ActionLabel    ActionType = "label"
	ActionMarkRead ActionType = "mark_read"
)

// ActionStatus tracks a pending action through the replay queue.
type ActionStatus string

const (
	ActionQueued ActionStatus = "queued"
	ActionSynced ActionStatus = "synced"
	ActionFailed ActionStatus = "failed"
)

// LabelDelta is the payload for a label action: labels to add and remove.
// Replaying a delta is idempotent; re-adding or re-removing a label that is
// already in the desired state is a no-op at the provider.
type LabelDelta struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// PendingAction is a mutation that was applied locally but could not reach
// the remote service, queued for FIFO replay on reconnect.
type PendingAction struct {
	// ID is the unique identifier for this queue entry.
	ID string `json:"id"`

	// Type identifies the mutation kind.
	Type ActionType `json:"type"`

	// ThreadID is the mutation's target thread.
	ThreadID string `json:"thread_id"`

	// Payload carries the action-specific label delta.
	Payload LabelDelta `json:"payload"`

	// Status is the entry's replay state.
	Status ActionStatus `json:"status"`

	// CreatedAt orders the queue; replay is FIFO by creation.
	CreatedAt time.Time `json:"created_at"`
}

// OutboxStatus tracks an outbound message through its send lifecycle.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// SendRequest is a full outbound mail request, persisted verbatim in the
// outbox so a send survives restarts and offline periods.
type SendRequest struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	BodyHTML string   `json:"body_html"`
	BodyText string   `json:"body_text"`

	// ThreadID, when set, threads the message onto an existing conversation.
	ThreadID string `json:"thread_id,omitempty"`

	// InReplyTo carries the RFC 5322 message id being replied to.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// OutboxItem is a queued outbound message. Failed items stay in the outbox
// and re-enter "sending" on the next reconnect or a manual retry.
type OutboxItem struct {
	// ID is the unique identifier for this outbox entry.
	ID string `json:"id"`

	// Payload is the full send request.
	Payload SendRequest `json:"payload"`

	// Status is the entry's lifecycle state.
	Status OutboxStatus `json:"status"`

	// Error holds the most recent send failure, if any.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the send was first attempted or queued.
	CreatedAt time.Time `json:"created_at"`

	// SentAt is when the send succeeded; zero until then.
	SentAt time.Time `json:"sent_at,omitempty"`
}
