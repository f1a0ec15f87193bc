package model

import "time"

// NudgeType marks why a thread was re-surfaced in the inbox without new mail.
type NudgeType string

const (
	// NudgeNone means the thread carries no nudge marker.
	NudgeNone NudgeType = "none"

	// NudgeFollowUp means the account owner sent the last message and the
	// provider re-surfaced the thread as a follow-up reminder.
	NudgeFollowUp NudgeType = "follow_up"

	// NudgeReply means someone else sent the last message and the provider
	// re-surfaced the thread as a reply reminder.
	NudgeReply NudgeType = "reply"
)

// Population describes how much of a thread's content is cached locally.
type Population string

const (
	// PopulationMetadata means only headers, snippets, and label state are
	// cached; message bodies have not been fetched.
	PopulationMetadata Population = "metadata"

	// PopulationFull means message bodies are cached alongside metadata.
	PopulationFull Population = "full"
)

// Well-known provider label identifiers.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelSnoozed = "SNOOZED"
	LabelStarred = "STARRED"
	LabelSent    = "SENT"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
)

// Thread is the cached view of a remote conversation. It is the only label
// state the host application ever reads, so it must reflect optimistic local
// mutations immediately and converge to remote truth on a later sync.
type Thread struct {
	// ID is the opaque provider-assigned thread identifier.
	ID string `json:"id"`

	// Subject is the conversation subject line.
	Subject string `json:"subject"`

	// Snippet is the provider-supplied preview text.
	Snippet string `json:"snippet"`

	// MessageIDs lists the thread's messages in conversation order.
	MessageIDs []string `json:"message_ids"`

	// Labels is the thread's current label set.
	Labels []string `json:"labels"`

	// LastDate is the timestamp of the most recent message.
	LastDate time.Time `json:"last_date"`

	// IsUnread reports whether the thread carries the UNREAD label.
	IsUnread bool `json:"is_unread"`

	// Nudge marks a provider re-notification (see NudgeType).
	Nudge NudgeType `json:"nudge"`

	// LastSender is the address of the most recent message's sender.
	LastSender string `json:"last_sender"`

	// Participants is the set of addresses seen across the thread.
	Participants []string `json:"participants"`

	// Population reports whether message bodies are cached (see Population).
	Population Population `json:"population"`

	// FetchedAt is when this thread was last written by a sync or fetch.
	FetchedAt time.Time `json:"fetched_at"`
}

// HasLabel reports whether the thread currently carries the given label.
func (t *Thread) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ApplyLabelDelta returns the thread's label set with the given labels added
// and removed, preserving order and without duplicates.
func ApplyLabelDelta(labels, add, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, l := range remove {
		removed[l] = true
	}
	present := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels)+len(add))
	for _, l := range labels {
		if removed[l] || present[l] {
			continue
		}
		present[l] = true
		out = append(out, l)
	}
	for _, l := range add {
		if removed[l] || present[l] {
			continue
		}
		present[l] = true
		out = append(out, l)
	}
	return out
}
