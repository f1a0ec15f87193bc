package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// SnoozeThread records a snooze for the thread, replacing any existing one.
func (s *SQLiteStore) SnoozeThread(ctx context.Context, threadID string, until time.Time, originalLabels []string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snoozes (thread_id, snooze_until, original_labels, created_at)
		VALUES (?, ?, ?, ?)`,
		threadID, until.UTC(), toJSON(originalLabels), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("snoozing thread %s: %w", threadID, err)
	}
	return nil
}

// GetExpiredSnoozes retrieves all snooze records whose wake time has passed.
func (s *SQLiteStore) GetExpiredSnoozes(ctx context.Context) ([]model.SnoozeRecord, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM snoozes WHERE snooze_until <= ? ORDER BY snooze_until",
		time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("querying expired snoozes: %w", err)
	}
	defer rows.Close()

	return collectSnoozes(rows)
}

// IsSnoozed reports whether the thread has a snooze record.
func (s *SQLiteStore) IsSnoozed(ctx context.Context, threadID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM snoozes WHERE thread_id = ?", threadID)
	if err != nil {
		return false, fmt.Errorf("checking snooze for thread %s: %w", threadID, err)
	}
	return count > 0, nil
}

// CancelSnooze deletes the thread's snooze record and returns it, or nil
// when the thread was not snoozed.
func (s *SQLiteStore) CancelSnooze(ctx context.Context, threadID string) (*model.SnoozeRecord, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM snoozes WHERE thread_id = ?", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying snooze for thread %s: %w", threadID, err)
	}
	records, err := collectSnoozes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, "DELETE FROM snoozes WHERE thread_id = ?", threadID)
	if err != nil {
		return nil, fmt.Errorf("deleting snooze for thread %s: %w", threadID, err)
	}

	return &records[0], nil
}

// GetAllSnoozed retrieves every snooze record ordered by wake time.
func (s *SQLiteStore) GetAllSnoozed(ctx context.Context) ([]model.SnoozeRecord, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM snoozes ORDER BY snooze_until")
	if err != nil {
		return nil, fmt.Errorf("querying snoozes: %w", err)
	}
	defer rows.Close()

	return collectSnoozes(rows)
}

// SetLastHistoryID persists the remote history cursor.
func (s *SQLiteStore) SetLastHistoryID(ctx context.Context, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_state SET last_history_id = ? WHERE id = 1", cursor)
	if err != nil {
		return fmt.Errorf("setting history cursor: %w", err)
	}
	return nil
}

// GetLastHistoryID retrieves the stored history cursor, empty until the
// first full sync completes.
func (s *SQLiteStore) GetLastHistoryID(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.GetContext(ctx,
		&cursor, "SELECT last_history_id FROM sync_state WHERE id = 1")
	if err != nil {
		return "", fmt.Errorf("reading history cursor: %w", err)
	}
	return cursor, nil
}

// SetLastSyncedAt records when the last successful sync cycle completed.
func (s *SQLiteStore) SetLastSyncedAt(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_state SET last_synced_at = ? WHERE id = 1", ts.UTC())
	if err != nil {
		return fmt.Errorf("setting last synced time: %w", err)
	}
	return nil
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, thread_id, kind, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.ThreadID, string(n.Kind), n.Message, boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

// GetUnreadNotifications retrieves all notifications that have not been
// consumed, newest first.
func (s *SQLiteStore) GetUnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM notifications WHERE read = 0 ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkNotificationRead marks a single notification as consumed.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return nil
}

func collectSnoozes(rows *sqlx.Rows) ([]model.SnoozeRecord, error) {
	var records []model.SnoozeRecord
	for rows.Next() {
		var (
			r              model.SnoozeRecord
			originalLabels string
		)
		if err := rows.Scan(&r.ThreadID, &r.SnoozeUntil, &originalLabels, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snooze row: %w", err)
		}
		if originalLabels != "" {
			if err := json.Unmarshal([]byte(originalLabels), &r.OriginalLabels); err != nil {
				return nil, fmt.Errorf("unmarshaling snooze labels: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// scanNotification scans a notification row from a sqlx.Rows result set.
func scanNotification(rows *sqlx.Rows) (model.Notification, error) {
	var (
		n       model.Notification
		kind    string
		readInt int
		created sql.NullTime
	)

	err := rows.Scan(&n.ID, &n.ThreadID, &kind, &n.Message, &readInt, &created)
	if err != nil {
		return model.Notification{}, fmt.Errorf("scanning notification row: %w", err)
	}

	n.Kind = model.NotificationKind(kind)
	n.Read = readInt != 0
	if created.Valid {
		n.CreatedAt = created.Time
	}

	return n, nil
}
