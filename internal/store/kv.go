package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Plaintext KV keys recognized by the core. Sync cursors and per-entity
// overrides are composed from these prefixes.
const (
	KVDeviceID                 = "device_id"
	KVActiveEmbeddingModel     = "embedding.active_model_name"
	KVActiveEmbeddingDim       = "embedding.active_dim"
	KVMediaAnnotationSearch    = "media_annotation.search_enabled"
	KVTagAutofillApplyEnabled  = "tag_autofill.apply_enabled"
	KVOplogAttachmentsBackfill = "oplog.backfill.attachments.v1"
)

// KVGet returns the value for key, or "" when absent.
func (s *Store) KVGet(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read kv %q: %w", key, err)
	}
	return value, nil
}

// KVSet stores key=value, replacing any prior value.
func (s *Store) KVSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv %q: %w", key, err)
	}
	return nil
}

// KVDelete removes key if present.
func (s *Store) KVDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete kv %q: %w", key, err)
	}
	return nil
}

// KVGetInt64 reads an integer value, returning 0 when absent.
func (s *Store) KVGetInt64(key string) (int64, error) {
	raw, err := s.KVGet(key)
	if err != nil || raw == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv %q holds non-integer value %q: %w", key, raw, err)
	}
	return n, nil
}

// KVSetInt64 stores an integer value.
func (s *Store) KVSetInt64(key string, value int64) error {
	return s.KVSet(key, strconv.FormatInt(value, 10))
}

// KVFlagDisabled reports whether a feature-flag value spells "off".
func KVFlagDisabled(value string) bool {
	switch value {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

func kvGetTx(tx *sql.Tx, key string) (string, error) {
	var value string
	err := tx.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read kv %q: %w", key, err)
	}
	return value, nil
}

func kvSetTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv %q: %w", key, err)
	}
	return nil
}
