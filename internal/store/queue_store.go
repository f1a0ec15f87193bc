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

// EnqueuePendingAction appends a label mutation to the replay queue.
func (s *SQLiteStore) EnqueuePendingAction(ctx context.Context, actionType model.ActionType, threadID string, payload model.LabelDelta) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling action payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (id, type, thread_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'queued', ?)`,
		uuid.New().String(), string(actionType), threadID, string(payloadJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueuing %s action for thread %s: %w", actionType, threadID, err)
	}

	return nil
}

// GetPendingActions retrieves all unreplayed actions in FIFO creation order.
// Failed actions are included so the next reconnect retries them.
func (s *SQLiteStore) GetPendingActions(ctx context.Context) ([]model.PendingAction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM pending_actions
		WHERE status != 'synced'
		ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}
	defer rows.Close()

	var actions []model.PendingAction
	for rows.Next() {
		a, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// MarkActionSynced records a successful replay and clears the target
// thread's unconfirmed-delta flag once nothing else references it.
func (s *SQLiteStore) MarkActionSynced(ctx context.Context, id string) error {
	var threadID string
	err := s.db.GetContext(ctx, &threadID,
		"SELECT thread_id FROM pending_actions WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pending action %s: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE pending_actions SET status = 'synced' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking action %s synced: %w", id, err)
	}

	return s.ConfirmThreadLabels(ctx, threadID)
}

// MarkActionFailed records a failed replay; the action stays eligible for
// the next reconnect.
func (s *SQLiteStore) MarkActionFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET status = 'failed' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking action %s failed: %w", id, err)
	}
	return nil
}

// EnqueueOutbox appends an outbound message to the outbox and returns the
// stored item.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, payload model.SendRequest) (*model.OutboxItem, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling outbox payload: %w", err)
	}

	item := &model.OutboxItem{
		ID:        uuid.New().String(),
		Payload:   payload,
		Status:    model.OutboxQueued,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, payload, status, created_at)
		VALUES (?, ?, 'queued', ?)`,
		item.ID, string(payloadJSON), item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueuing outbox item: %w", err)
	}

	return item, nil
}

// GetOutboxItems retrieves all outbox entries in FIFO creation order.
func (s *SQLiteStore) GetOutboxItems(ctx context.Context) ([]model.OutboxItem, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM outbox ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var items []model.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// MarkOutboxSending moves an outbox item into the sending state.
func (s *SQLiteStore) MarkOutboxSending(ctx context.Context, id string) error {
	return s.setOutboxStatus(ctx, id, model.OutboxSending, "")
}

// MarkOutboxSent records a successful send.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET status = 'sent', error = '', sent_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking outbox item %s sent: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed records a failed send; the item stays eligible for retry.
func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, id string, sendErr string) error {
	return s.setOutboxStatus(ctx, id, model.OutboxFailed, sendErr)
}

// CancelOutboxItem removes an unsent outbox entry. Canceling an item that
// has already been sent is an error.
func (s *SQLiteStore) CancelOutboxItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE id = ? AND status != 'sent'", id)
	if err != nil {
		return fmt.Errorf("canceling outbox item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("canceling outbox item %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox item %s not found or already sent", id)
	}
	return nil
}

func (s *SQLiteStore) setOutboxStatus(ctx context.Context, id string, status model.OutboxStatus, sendErr string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET status = ?, error = ? WHERE id = ?",
		string(status), sendErr, id)
	if err != nil {
		return fmt.Errorf("marking outbox item %s %s: %w", id, status, err)
	}
	return nil
}

// scanPendingAction scans a pending action row from a sqlx.Rows result set.
func scanPendingAction(rows *sqlx.Rows) (model.PendingAction, error) {
	var (
		a          model.PendingAction
		actionType string
		payload    string
		status     string
		createdAt  time.Time
	)

	err := rows.Scan(&a.ID, &actionType, &a.ThreadID, &payload, &status, &createdAt)
	if err != nil {
		return model.PendingAction{}, fmt.Errorf("scanning pending action row: %w", err)
	}

	a.Type = model.ActionType(actionType)
	a.Status = model.ActionStatus(status)
	a.CreatedAt = createdAt
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return model.PendingAction{}, fmt.Errorf("unmarshaling action payload: %w", err)
		}
	}

	return a, nil
}

// scanOutboxItem scans an outbox row from a sqlx.Rows result set.
func scanOutboxItem(rows *sqlx.Rows) (model.OutboxItem, error) {
	var (
		item      model.OutboxItem
		payload   string
		status    string
		createdAt time.Time
		sentAt    sql.NullTime
	)

	err := rows.Scan(&item.ID, &payload, &status, &item.Error, &createdAt, &sentAt)
	if err != nil {
		return model.OutboxItem{}, fmt.Errorf("scanning outbox row: %w", err)
	}

	item.Status = model.OutboxStatus(status)
	item.CreatedAt = createdAt
	if sentAt.Valid {
		item.SentAt = sentAt.Time
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return model.OutboxItem{}, fmt.Errorf("unmarshaling outbox payload: %w", err)
		}
	}

	return item, nil
}
