package model

import "time"

// Attachment holds metadata about a message attachment. Attachment content
// is never cached; the host fetches it on demand through the remote service.
type Attachment struct {
	// ID is the provider-assigned attachment identifier.
	ID string `json:"id"`

	// Filename is the attachment's declared file name.
	Filename string `json:"filename"`

	// MimeType is the attachment's declared content type.
	MimeType string `json:"mime_type"`

	// Size is the attachment size in bytes as reported by the provider.
	Size int64 `json:"size"`
}

// Message is a single cached mail message. A message belongs to exactly one
// thread but the thread does not own its row; messages are upserted
// independently and joined by ThreadID.
type Message struct {
	// ID is the opaque provider-assigned message identifier.
	ID string `json:"id"`

	// ThreadID is the identifier of the containing thread.
	ThreadID string `json:"thread_id"`

	// From is the sender address.
	From string `json:"from"`

	// To lists the primary recipient addresses.
	To []string `json:"to"`

	// Cc lists the carbon-copy recipient addresses.
	Cc []string `json:"cc"`

	// Subject is the message subject line.
	Subject string `json:"subject"`

	// Snippet is the provider-supplied preview text.
	Snippet string `json:"snippet"`

	// BodyHTML is the HTML body, empty until a full-population fetch.
	BodyHTML string `json:"body_html"`

	// BodyText is the plain-text body, empty until a full-population fetch.
	BodyText string `json:"body_text"`

	// Date is when the message was sent.
	Date time.Time `json:"date"`

	// Labels is the message's label set.
	Labels []string `json:"labels"`

	// IsUnread reports whether the message carries the UNREAD label.
	IsUnread bool `json:"is_unread"`

	// Attachments holds attachment metadata only.
	Attachments []Attachment `json:"attachments"`
}

// HasBody reports whether either body variant has been fetched.
func (m *Message) HasBody() bool {
	return m.BodyHTML != "" || m.BodyText != ""
}
