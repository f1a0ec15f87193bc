package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// ErrorKind classifies a remote service failure. Classification happens at
// the adapter boundary so callers never inspect provider error strings.
type ErrorKind int

const (
	// KindOther is any failure not covered by a more specific kind.
	KindOther ErrorKind = iota

	// KindNetworkUnavailable covers transport failures: name resolution,
	// unreachable network, refused connections, and timeouts.
	KindNetworkUnavailable

	// KindNotFound means the requested thread or message no longer exists.
	KindNotFound

	// KindCursorExpired means the stored history cursor is too old and a
	// full sync is required.
	KindCursorExpired
)

// Error is a classified remote service failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and a classified kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classified kind of err, or KindOther if err is not a
// remote error.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindOther
}

// IsNetwork reports whether err is a classified transport failure.
func IsNetwork(err error) bool { return KindOf(err) == KindNetworkUnavailable }

// IsNotFound reports whether err means the target no longer exists remotely.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsCursorExpired reports whether err means the history cursor was rejected.
func IsCursorExpired(err error) bool { return KindOf(err) == KindCursorExpired }

// RecordType tags a history record variant.
type RecordType int

const (
	MessageAdded RecordType = iota
	MessageDeleted
	LabelsAdded
	LabelsRemoved
)

// HistoryRecord is one entry in the provider's ordered change log. Exactly
// one interpretation applies per record, selected by Type: message records
// carry MessageID, label records carry Labels.
type HistoryRecord struct {
	Type      RecordType
	ThreadID  string
	MessageID string
	Labels    []string
}

// History is the change log since a cursor, plus the cursor to store for the
// next incremental sync.
type History struct {
	Records   []HistoryRecord
	NewCursor string
}

// ThreadPage is one page of a thread list query. Threads are metadata-level:
// labels, snippets, and message headers without bodies.
type ThreadPage struct {
	Threads       []ThreadData
	NextPageToken string
}

// ThreadData bundles a fetched thread with its messages.
type ThreadData struct {
	Thread   model.Thread
	Messages []model.Message
}

// Format selects how much of a thread to fetch.
type Format int

const (
	// FormatMetadata fetches headers, snippets, and labels only.
	FormatMetadata Format = iota

	// FormatFull fetches message bodies as well.
	FormatFull
)

// Profile is the account identity and current history position.
type Profile struct {
	EmailAddress string
	HistoryID    string
}

// Service is the abstract remote mail provider consumed by the sync engine.
// Implementations classify every failure into an Error kind.
type Service interface {
	// FetchThreads lists threads matching query, metadata-level.
	FetchThreads(ctx context.Context, query string, maxResults int64, pageToken string) (ThreadPage, error)

	// FetchThread fetches a single thread at the requested format. A thread
	// deleted remotely yields a KindNotFound error.
	FetchThread(ctx context.Context, id string, format Format) (*ThreadData, error)

	// GetHistory fetches the change log since cursor. A rejected cursor
	// yields a KindCursorExpired error.
	GetHistory(ctx context.Context, cursor string) (History, error)

	// ModifyLabels adds and removes labels on a thread. Idempotent.
	ModifyLabels(ctx context.Context, threadID string, add, remove []string) error

	// ArchiveThread removes the thread from the inbox.
	ArchiveThread(ctx context.Context, threadID string) error

	// MarkAsRead clears the thread's unread state.
	MarkAsRead(ctx context.Context, threadID string) error

	// SendEmail sends the message and returns the provider-assigned id.
	SendEmail(ctx context.Context, req model.SendRequest) (string, error)

	// GetProfile returns the account address and current history cursor.
	GetProfile(ctx context.Context) (Profile, error)
}
