package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id           TEXT PRIMARY KEY,
	subject      TEXT NOT NULL DEFAULT '',
	snippet      TEXT NOT NULL DEFAULT '',
	message_ids  TEXT NOT NULL DEFAULT '[]',
	labels       TEXT NOT NULL DEFAULT '[]',
	last_date    DATETIME,
	is_unread    INTEGER NOT NULL DEFAULT 0 CHECK(is_unread IN (0, 1)),
	nudge_type   TEXT NOT NULL DEFAULT 'none' CHECK(nudge_type IN ('none', 'follow_up', 'reply')),
	last_sender  TEXT NOT NULL DEFAULT '',
	participants TEXT NOT NULL DEFAULT '[]',
	population   TEXT NOT NULL DEFAULT 'metadata' CHECK(population IN ('metadata', 'full')),
	labels_dirty INTEGER NOT NULL DEFAULT 0 CHECK(labels_dirty IN (0, 1)),
	fetched_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	from_addr   TEXT NOT NULL DEFAULT '',
	to_addrs    TEXT NOT NULL DEFAULT '[]',
	cc_addrs    TEXT NOT NULL DEFAULT '[]',
	subject     TEXT NOT NULL DEFAULT '',
	snippet     TEXT NOT NULL DEFAULT '',
	body_html   TEXT NOT NULL DEFAULT '',
	body_text   TEXT NOT NULL DEFAULT '',
	date        DATETIME,
	labels      TEXT NOT NULL DEFAULT '[]',
	is_unread   INTEGER NOT NULL DEFAULT 0 CHECK(is_unread IN (0, 1)),
	attachments TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS pending_actions (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL CHECK(type IN ('archive', 'label', 'mark_read')),
	thread_id  TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'synced', 'failed')),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'sending', 'sent', 'failed')),
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	sent_at    DATETIME
);

CREATE TABLE IF NOT EXISTS snoozes (
	thread_id       TEXT PRIMARY KEY,
	snooze_until    DATETIME NOT NULL,
	original_labels TEXT NOT NULL DEFAULT '[]',
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	id              INTEGER PRIMARY KEY CHECK(id = 1),
	last_history_id TEXT NOT NULL DEFAULT '',
	last_synced_at  DATETIME
);

INSERT INTO sync_state (id) VALUES (1);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_threads_fetched_at ON threads(fetched_at);
CREATE INDEX IF NOT EXISTS idx_threads_population ON threads(population);
CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status);
CREATE INDEX IF NOT EXISTS idx_pending_actions_thread ON pending_actions(thread_id);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_snoozes_until ON snoozes(snooze_until);
CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
