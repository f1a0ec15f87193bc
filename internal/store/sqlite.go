package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// The store is the single shared mutable resource between the host's
	// mutation path and the background engine; serialize writes through
	// one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const upsertThreadQuery = `
	INSERT INTO threads (
		id, subject, snippet, message_ids, labels,
		last_date, is_unread, nudge_type, last_sender,
		participants, population, labels_dirty, fetched_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT(id) DO UPDATE SET
		subject      = excluded.subject,
		snippet      = excluded.snippet,
		message_ids  = excluded.message_ids,
		labels       = CASE WHEN threads.labels_dirty = 1 THEN threads.labels ELSE excluded.labels END,
		is_unread    = CASE WHEN threads.labels_dirty = 1 THEN threads.is_unread ELSE excluded.is_unread END,
		last_date    = excluded.last_date,
		last_sender  = excluded.last_sender,
		participants = excluded.participants,
		population   = CASE WHEN threads.population = 'full' THEN 'full' ELSE excluded.population END,
		fetched_at   = excluded.fetched_at`

// UpsertThreads inserts or merges a batch of metadata-level threads.
// An unconfirmed local label delta (labels_dirty) is never clobbered, and a
// thread already at full population is not downgraded.
func (s *SQLiteStore) UpsertThreads(ctx context.Context, threads []model.Thread) error {
	if len(threads) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertThreadsTx(ctx, tx, threads); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertThreadsTx(ctx context.Context, tx *sqlx.Tx, threads []model.Thread) error {
	stmt, err := tx.PreparexContext(ctx, upsertThreadQuery)
	if err != nil {
		return fmt.Errorf("preparing thread upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range threads {
		if t.Nudge == "" {
			t.Nudge = model.NudgeNone
		}
		if t.Population == "" {
			t.Population = model.PopulationMetadata
		}
		if t.FetchedAt.IsZero() {
			t.FetchedAt = time.Now()
		}
		_, err = stmt.ExecContext(ctx,
			t.ID, t.Subject, t.Snippet, toJSON(t.MessageIDs), toJSON(t.Labels),
			nullTime(t.LastDate), boolToInt(t.IsUnread), string(t.Nudge), t.LastSender,
			toJSON(t.Participants), string(t.Population), t.FetchedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting thread %s: %w", t.ID, err)
		}
	}
	return nil
}

const upsertMessageQuery = `
	INSERT INTO messages (
		id, thread_id, from_addr, to_addrs, cc_addrs,
		subject, snippet, body_html, body_text,
		date, labels, is_unread, attachments
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		thread_id   = excluded.thread_id,
		from_addr   = excluded.from_addr,
		to_addrs    = excluded.to_addrs,
		cc_addrs    = excluded.cc_addrs,
		subject     = excluded.subject,
		snippet     = excluded.snippet,
		body_html   = CASE WHEN excluded.body_html = '' THEN messages.body_html ELSE excluded.body_html END,
		body_text   = CASE WHEN excluded.body_text = '' THEN messages.body_text ELSE excluded.body_text END,
		date        = excluded.date,
		labels      = excluded.labels,
		is_unread   = excluded.is_unread,
		attachments = excluded.attachments`

// UpsertMessages inserts or merges a batch of messages. A metadata-level
// refresh never discards a previously cached body.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertMessagesTx(ctx, tx, messages); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertMessagesTx(ctx context.Context, tx *sqlx.Tx, messages []model.Message) error {
	stmt, err := tx.PreparexContext(ctx, upsertMessageQuery)
	if err != nil {
		return fmt.Errorf("preparing message upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		_, err = stmt.ExecContext(ctx,
			m.ID, m.ThreadID, m.From, toJSON(m.To), toJSON(m.Cc),
			m.Subject, m.Snippet, m.BodyHTML, m.BodyText,
			nullTime(m.Date), toJSON(m.Labels), boolToInt(m.IsUnread), toJSON(m.Attachments),
		)
		if err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}
	}
	return nil
}

// UpsertFullThread writes a fully populated thread and its messages in one
// transaction, upgrading the thread's population level. Bodies cached for
// messages absent from this refresh are preserved.
func (s *SQLiteStore) UpsertFullThread(ctx context.Context, thread model.Thread, messages []model.Message) error {
	thread.Population = model.PopulationFull

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertThreadsTx(ctx, tx, []model.Thread{thread}); err != nil {
		return err
	}
	// The merge CASE keeps an existing row full; force the upgrade for
	// threads previously cached at metadata level.
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET population = 'full' WHERE id = ?", thread.ID); err != nil {
		return fmt.Errorf("upgrading thread %s population: %w", thread.ID, err)
	}
	if err := upsertMessagesTx(ctx, tx, messages); err != nil {
		return err
	}

	return tx.Commit()
}

// GetThread retrieves a single cached thread, or nil when absent.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM threads WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanThread(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetThreads retrieves cached threads matching the provided filter,
// most recent first.
func (s *SQLiteStore) GetThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error) {
	var conditions []string
	var args []interface{}

	if len(filter.Labels) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Labels)), ", ")
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(threads.labels) WHERE json_each.value IN ("+placeholders+"))")
		for _, l := range filter.Labels {
			args = append(args, l)
		}
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR snippet LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}
	if filter.Unread != nil {
		conditions = append(conditions, "is_unread = ?")
		args = append(args, boolToInt(*filter.Unread))
	}
	if filter.Population != nil {
		conditions = append(conditions, "population = ?")
		args = append(args, string(*filter.Population))
	}

	query := "SELECT * FROM threads"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_date DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}

	return threads, rows.Err()
}

// GetMessages retrieves a thread's cached messages in date order.
func (s *SQLiteStore) GetMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM messages WHERE thread_id = ? ORDER BY date", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// DeleteThread removes a thread and its messages.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages for thread %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}

	return tx.Commit()
}

// UpdateThreadLabels applies an optimistic local label delta. An uncached
// thread is lazily materialized as a metadata stub so the delta is never
// lost; the call never fails because the thread is unknown.
func (s *SQLiteStore) UpdateThreadLabels(ctx context.Context, id string, add, remove []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var labelsJSON string
	err = tx.GetContext(ctx, &labelsJSON, "SELECT labels FROM threads WHERE id = ?", id)
	switch {
	case err == sql.ErrNoRows:
		labels := model.ApplyLabelDelta(nil, add, remove)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO threads (id, labels, is_unread, labels_dirty, fetched_at)
			VALUES (?, ?, ?, 1, ?)`,
			id, toJSON(labels), boolToInt(containsLabel(labels, model.LabelUnread)), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("materializing thread stub %s: %w", id, err)
		}
	case err != nil:
		return fmt.Errorf("reading labels for thread %s: %w", id, err)
	default:
		var labels []string
		if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
			return fmt.Errorf("unmarshaling labels for thread %s: %w", id, err)
		}
		labels = model.ApplyLabelDelta(labels, add, remove)
		_, err = tx.ExecContext(ctx,
			"UPDATE threads SET labels = ?, is_unread = ?, labels_dirty = 1 WHERE id = ?",
			toJSON(labels), boolToInt(containsLabel(labels, model.LabelUnread)), id,
		)
		if err != nil {
			return fmt.Errorf("updating labels for thread %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// ConfirmThreadLabels clears the thread's unconfirmed-delta flag once no
// unreplayed pending action references it, letting later sync upserts take
// over the label state again.
func (s *SQLiteStore) ConfirmThreadLabels(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET labels_dirty = 0
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM pending_actions
			WHERE thread_id = ? AND status != 'synced'
		  )`, id, id)
	if err != nil {
		return fmt.Errorf("confirming labels for thread %s: %w", id, err)
	}
	return nil
}

// SetThreadNudge persists a thread's nudge marker.
func (s *SQLiteStore) SetThreadNudge(ctx context.Context, id string, nudge model.NudgeType) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE threads SET nudge_type = ? WHERE id = ?", string(nudge), id)
	if err != nil {
		return fmt.Errorf("setting nudge for thread %s: %w", id, err)
	}
	return nil
}

// scanThread scans a thread row from a sqlx.Rows result set.
func scanThread(rows *sqlx.Rows) (model.Thread, error) {
	var (
		t            model.Thread
		messageIDs   string
		labels       string
		lastDate     sql.NullTime
		isUnread     int
		nudge        string
		participants string
		population   string
		labelsDirty  int
		fetchedAt    time.Time
	)

	err := rows.Scan(
		&t.ID, &t.Subject, &t.Snippet, &messageIDs, &labels,
		&lastDate, &isUnread, &nudge, &t.LastSender,
		&participants, &population, &labelsDirty, &fetchedAt,
	)
	if err != nil {
		return model.Thread{}, fmt.Errorf("scanning thread row: %w", err)
	}

	if err := fromJSON(messageIDs, &t.MessageIDs); err != nil {
		return model.Thread{}, err
	}
	if err := fromJSON(labels, &t.Labels); err != nil {
		return model.Thread{}, err
	}
	if err := fromJSON(participants, &t.Participants); err != nil {
		return model.Thread{}, err
	}
	if lastDate.Valid {
		t.LastDate = lastDate.Time
	}
	t.IsUnread = isUnread != 0
	t.Nudge = model.NudgeType(nudge)
	t.Population = model.Population(population)
	t.FetchedAt = fetchedAt

	return t, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m           model.Message
		toAddrs     string
		ccAddrs     string
		date        sql.NullTime
		labels      string
		isUnread    int
		attachments string
	)

	err := rows.Scan(
		&m.ID, &m.ThreadID, &m.From, &toAddrs, &ccAddrs,
		&m.Subject, &m.Snippet, &m.BodyHTML, &m.BodyText,
		&date, &labels, &isUnread, &attachments,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	if err := fromJSON(toAddrs, &m.To); err != nil {
		return model.Message{}, err
	}
	if err := fromJSON(ccAddrs, &m.Cc); err != nil {
		return model.Message{}, err
	}
	if err := fromJSON(labels, &m.Labels); err != nil {
		return model.Message{}, err
	}
	if err := fromJSON(attachments, &m.Attachments); err != nil {
		return model.Message{}, err
	}
	if date.Valid {
		m.Date = date.Time
	}
	m.IsUnread = isUnread != 0

	return m, nil
}

// toJSON marshals v for storage in a TEXT column; nil slices become "[]".
func toJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

// fromJSON unmarshals a TEXT column into v, tolerating empty values.
func fromJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("unmarshaling column: %w", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
