package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// threadBytesExpr estimates the stored size of a thread row.
const threadBytesExpr = `LENGTH(subject) + LENGTH(snippet) + LENGTH(labels) +
	LENGTH(participants) + LENGTH(message_ids)`

// messageBytesExpr estimates the stored size of a message row.
const messageBytesExpr = `LENGTH(subject) + LENGTH(snippet) + LENGTH(body_html) +
	LENGTH(body_text) + LENGTH(to_addrs) + LENGTH(cc_addrs) + LENGTH(attachments)`

// Stats computes an on-demand summary of the cache.
func (s *SQLiteStore) Stats(ctx context.Context) (model.CacheStats, error) {
	var stats model.CacheStats

	totalBytes, err := s.totalBytes(ctx)
	if err != nil {
		return stats, err
	}
	stats.TotalBytes = totalBytes

	if err := s.db.GetContext(ctx, &stats.ThreadCount,
		"SELECT COUNT(*) FROM threads"); err != nil {
		return stats, fmt.Errorf("counting threads: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.MessageCount,
		"SELECT COUNT(*) FROM messages"); err != nil {
		return stats, fmt.Errorf("counting messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.PendingActions,
		"SELECT COUNT(*) FROM pending_actions WHERE status != 'synced'"); err != nil {
		return stats, fmt.Errorf("counting pending actions: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.OutboxItems,
		"SELECT COUNT(*) FROM outbox WHERE status != 'sent'"); err != nil {
		return stats, fmt.Errorf("counting outbox items: %w", err)
	}

	var lastSynced sql.NullTime
	err = s.db.GetContext(ctx, &lastSynced,
		"SELECT last_synced_at FROM sync_state WHERE id = 1")
	if err != nil {
		return stats, fmt.Errorf("reading last synced time: %w", err)
	}
	if lastSynced.Valid {
		stats.LastSyncedAt = lastSynced.Time
	}

	return stats, nil
}

func (s *SQLiteStore) totalBytes(ctx context.Context) (int64, error) {
	var threadBytes, messageBytes int64
	err := s.db.GetContext(ctx, &threadBytes,
		"SELECT COALESCE(SUM("+threadBytesExpr+"), 0) FROM threads")
	if err != nil {
		return 0, fmt.Errorf("sizing threads: %w", err)
	}
	err = s.db.GetContext(ctx, &messageBytes,
		"SELECT COALESCE(SUM("+messageBytesExpr+"), 0) FROM messages")
	if err != nil {
		return 0, fmt.Errorf("sizing messages: %w", err)
	}
	return threadBytes + messageBytes, nil
}

// protectedThreads returns the ids of threads referenced by unreplayed
// pending actions or unsent outbox items. Pruning never deletes them.
func (s *SQLiteStore) protectedThreads(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT DISTINCT thread_id FROM pending_actions WHERE status != 'synced'
		UNION
		SELECT DISTINCT json_extract(payload, '$.thread_id') FROM outbox
		WHERE status != 'sent'
		  AND json_extract(payload, '$.thread_id') IS NOT NULL
		  AND json_extract(payload, '$.thread_id') != ''`)
	if err != nil {
		return nil, fmt.Errorf("querying protected threads: %w", err)
	}
	defer rows.Close()

	protected := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning protected thread id: %w", err)
		}
		protected[id] = true
	}
	return protected, rows.Err()
}

// Prune evicts cached content until the total size estimate is at or below
// maxBytes. Bodies are dropped first (oldest-fetched threads downgraded to
// metadata level) so list views stay populated; whole threads are deleted
// only if stripping bodies was not enough. Threads referenced by queued
// actions or outbox items are never touched.
func (s *SQLiteStore) Prune(ctx context.Context, maxBytes int64) error {
	total, err := s.totalBytes(ctx)
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	protected, err := s.protectedThreads(ctx)
	if err != nil {
		return err
	}

	// Stage 1: strip bodies, oldest-fetched first.
	type threadSize struct {
		id    string
		bytes int64
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT t.id, COALESCE(SUM(LENGTH(m.body_html) + LENGTH(m.body_text)), 0)
		FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.population = 'full'
		GROUP BY t.id
		ORDER BY t.fetched_at`)
	if err != nil {
		return fmt.Errorf("querying full threads for pruning: %w", err)
	}
	var fullThreads []threadSize
	for rows.Next() {
		var ts threadSize
		if err := rows.Scan(&ts.id, &ts.bytes); err != nil {
			rows.Close()
			return fmt.Errorf("scanning thread size: %w", err)
		}
		fullThreads = append(fullThreads, ts)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, ts := range fullThreads {
		if total <= maxBytes {
			return nil
		}
		if protected[ts.id] {
			continue
		}
		if err := s.stripBodies(ctx, ts.id); err != nil {
			return err
		}
		total -= ts.bytes
	}
	if total <= maxBytes {
		return nil
	}

	// Stage 2: delete whole threads, oldest-fetched first.
	rows, err = s.db.QueryxContext(ctx, `
		SELECT t.id,
		       (`+threadBytesExpr+`) + COALESCE(
		           (SELECT SUM(`+messageBytesExpr+`) FROM messages WHERE thread_id = t.id), 0)
		FROM threads t
		ORDER BY t.fetched_at`)
	if err != nil {
		return fmt.Errorf("querying threads for pruning: %w", err)
	}
	var allThreads []threadSize
	for rows.Next() {
		var ts threadSize
		if err := rows.Scan(&ts.id, &ts.bytes); err != nil {
			rows.Close()
			return fmt.Errorf("scanning thread size: %w", err)
		}
		allThreads = append(allThreads, ts)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, ts := range allThreads {
		if total <= maxBytes {
			return nil
		}
		if protected[ts.id] {
			continue
		}
		if err := s.DeleteThread(ctx, ts.id); err != nil {
			return err
		}
		total -= ts.bytes
	}

	return nil
}

// stripBodies drops a thread's cached message bodies and downgrades it to
// metadata population.
func (s *SQLiteStore) stripBodies(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET body_html = '', body_text = '' WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("stripping bodies for thread %s: %w", threadID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE threads SET population = 'metadata' WHERE id = ?", threadID); err != nil {
		return fmt.Errorf("downgrading thread %s: %w", threadID, err)
	}

	return tx.Commit()
}

// ClearCache drops all cached threads, messages, and notifications and
// resets the sync cursor. Queued actions, outbox items, and snooze records
// represent unreplayed user intent and survive the reset.
func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM messages",
		"DELETE FROM threads",
		"DELETE FROM notifications",
		"UPDATE sync_state SET last_history_id = '' WHERE id = 1",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
	}

	return tx.Commit()
}
