package store

import (
	"database/sql"
	"fmt"
)

// migrations is the monotonically numbered schema history. migrate applies
// every step past the current user_version, each inside its own transaction.
// Steps only add tables or columns; plaintext data is never dropped.
var migrations = []string{
	// 1: base schema.
	`
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0
);

-- No foreign keys: referential integrity is managed at the application level
-- so ops can arrive before their parents during sync.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0,
    updated_by_device_id TEXT NOT NULL DEFAULT '',
    updated_by_seq INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_memory INTEGER NOT NULL DEFAULT 1,
    needs_embedding INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_needs_embedding ON messages(needs_embedding) WHERE needs_embedding = 1;

CREATE TABLE IF NOT EXISTS attachments (
    sha256 TEXT PRIMARY KEY,
    mime_type TEXT NOT NULL DEFAULT '',
    relative_path TEXT NOT NULL DEFAULT '',
    byte_len INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachment_deletions (
    sha256 TEXT PRIMARY KEY,
    deleted_at_ms INTEGER NOT NULL,
    deleted_by_device_id TEXT NOT NULL DEFAULT '',
    deleted_by_seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_attachments (
    message_id TEXT NOT NULL,
    attachment_sha256 TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (message_id, attachment_sha256)
);

CREATE INDEX IF NOT EXISTS idx_message_attachments_sha ON message_attachments(attachment_sha256);

CREATE TABLE IF NOT EXISTS attachment_exif (
    sha256 TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error TEXT,
    payload BLOB,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attachment_places (
    sha256 TEXT NOT NULL,
    lang TEXT NOT NULL DEFAULT 'en',
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error TEXT,
    payload BLOB,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (sha256, lang)
);

CREATE TABLE IF NOT EXISTS attachment_annotations (
    sha256 TEXT NOT NULL,
    lang TEXT NOT NULL DEFAULT 'en',
    kind TEXT NOT NULL DEFAULT 'image',
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error TEXT,
    payload BLOB,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (sha256, lang)
);

CREATE TABLE IF NOT EXISTS todos (
    id TEXT PRIMARY KEY,
    title BLOB,
    due_at_ms INTEGER,
    status TEXT NOT NULL DEFAULT 'inbox',
    source_entry_id TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0,
    review_stage INTEGER,
    next_review_at_ms INTEGER,
    last_review_at_ms INTEGER,
    needs_embedding INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS todo_deletions (
    todo_id TEXT PRIMARY KEY,
    deleted_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS todo_activities (
    id TEXT PRIMARY KEY,
    todo_id TEXT NOT NULL,
    type TEXT NOT NULL,
    from_status TEXT,
    to_status TEXT,
    content BLOB,
    source_message_id TEXT,
    created_at_ms INTEGER NOT NULL,
    needs_embedding INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_todo_activities_todo ON todo_activities(todo_id, created_at_ms);

CREATE TABLE IF NOT EXISTS todo_activity_attachments (
    activity_id TEXT NOT NULL,
    attachment_sha256 TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (activity_id, attachment_sha256)
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    title BLOB,
    start_at_ms INTEGER NOT NULL,
    end_at_ms INTEGER NOT NULL,
    tz TEXT NOT NULL DEFAULT '',
    source_entry_id TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    name BLOB,
    system_key TEXT,
    is_system INTEGER NOT NULL DEFAULT 0,
    color TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_tags (
    message_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    PRIMARY KEY (message_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_message_tags_tag ON message_tags(tag_id);

CREATE TABLE IF NOT EXISTS oplog (
    op_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    op_json BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (device_id, seq)
);

CREATE TABLE IF NOT EXISTS embedding_spaces (
    space_id TEXT PRIMARY KEY,
    model_name TEXT NOT NULL,
    dim INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS llm_profiles (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    config_json TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`,
	// 2: tag autofill queue and decision ledger.
	`
CREATE TABLE IF NOT EXISTS message_tag_autofill_jobs (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_autofill_jobs_status ON message_tag_autofill_jobs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS message_tag_autofill_events (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    applied_tag_id TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    evidence_json TEXT NOT NULL DEFAULT '{}',
    created_at_ms INTEGER NOT NULL
);
`,
	// 3: semantic parse jobs and todo recurrence series.
	`
CREATE TABLE IF NOT EXISTS semantic_parse_jobs (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error TEXT,
    applied_action_kind TEXT,
    applied_todo_id TEXT,
    applied_todo_title TEXT,
    applied_prev_todo_status TEXT,
    undone_at_ms INTEGER,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS todo_recurrences (
    todo_id TEXT PRIMARY KEY,
    series_id TEXT NOT NULL,
    occurrence_index INTEGER NOT NULL DEFAULT 0,
    rule_json TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_todo_recurrences_series ON todo_recurrences(series_id, occurrence_index);
`,
}

// migrate brings the database to the latest schema version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
