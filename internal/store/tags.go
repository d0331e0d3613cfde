package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/pkg/envelope"
	"github.com/secondloop/secondloop/pkg/tags"
)

// UpsertTag creates or renames a tag and appends tag.upsert.v2. A custom tag
// whose name maps exactly to a system domain is collapsed onto the system tag.
func (s *Store) UpsertTag(id, name, color string) (*Tag, error) {
	if id == "" {
		id = uuid.NewString()
	}

	isSystem := false
	systemKey := ""
	if key, ok := tags.IsSystemTagID(id); ok {
		isSystem = true
		systemKey = key
	} else if key, exact, ok := tags.MapToSystemKey(name); ok && exact {
		id = tags.SystemTagID(key)
		isSystem = true
		systemKey = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	tag := &Tag{
		ID: id, Name: name, SystemKey: systemKey, IsSystem: isSystem,
		Color: color, CreatedAt: now, UpdatedAt: now,
	}
	err := s.withTx(func(tx *sql.Tx) error {
		return s.upsertTagTx(tx, tag, true)
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (s *Store) upsertTagTx(tx *sql.Tx, tag *Tag, emitOp bool) error {
	ct, err := s.encrypt(tag.Name, envelope.AADTagName(tag.ID))
	if err != nil {
		return fmt.Errorf("failed to encrypt tag name: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO tags (id, name, system_key, is_system, color, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			system_key = excluded.system_key,
			is_system = excluded.is_system,
			color = excluded.color,
			updated_at_ms = excluded.updated_at_ms
	`, tag.ID, ct, nullIfEmpty(tag.SystemKey), boolToInt(tag.IsSystem),
		nullIfEmpty(tag.Color), tag.CreatedAt, tag.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert tag: %w", err)
	}
	if !emitOp {
		return nil
	}
	_, err = s.appendOpTx(tx, OpTagUpsert, tag.UpdatedAt, map[string]any{
		"tag_id":        tag.ID,
		"name":          tag.Name,
		"system_key":    tag.SystemKey,
		"is_system":     tag.IsSystem,
		"color":         tag.Color,
		"created_at_ms": tag.CreatedAt,
		"updated_at_ms": tag.UpdatedAt,
	})
	return err
}

// EnsureSystemTag returns the system tag for key, creating it if absent.
func (s *Store) EnsureSystemTag(key string) (*Tag, error) {
	id := tags.SystemTagID(key)
	existing, err := s.GetTag(id)
	if err != nil || existing != nil {
		return existing, err
	}
	return s.UpsertTag(id, key, "")
}

// GetTag retrieves a tag with decrypted name. Returns nil when absent.
func (s *Store) GetTag(id string) (*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Tag
	var name []byte
	var systemKey, color sql.NullString
	var isSystem int
	err := s.db.QueryRow(`
		SELECT id, name, system_key, is_system, color, created_at_ms, updated_at_ms
		FROM tags WHERE id = ?
	`, id).Scan(&t.ID, &name, &systemKey, &isSystem, &color, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.SystemKey = systemKey.String
	t.Color = color.String
	t.IsSystem = isSystem != 0
	t.Name, err = s.decrypt(name, envelope.AADTagName(t.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt tag name: %w", err)
	}
	return &t, nil
}

// ListTags returns every tag, system tags first, then by creation time.
func (s *Store) ListTags() ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, system_key, is_system, color, created_at_ms, updated_at_ms
		FROM tags ORDER BY is_system DESC, created_at_ms ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		var t Tag
		var name []byte
		var systemKey, color sql.NullString
		var isSystem int
		if err := rows.Scan(&t.ID, &name, &systemKey, &isSystem, &color,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.SystemKey = systemKey.String
		t.Color = color.String
		t.IsSystem = isSystem != 0
		t.Name, err = s.decrypt(name, envelope.AADTagName(t.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt tag name: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTag removes a custom tag, recording a KV tombstone and appending
// tag.delete.v1. System tags cannot be deleted.
func (s *Store) DeleteTag(id string) error {
	if _, ok := tags.IsSystemTagID(id); ok {
		return fmt.Errorf("system tag %s cannot be deleted", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM tags WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tag: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM message_tags WHERE tag_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tag links: %w", err)
		}
		if err := kvSetTx(tx, kvTagDeletedAtPrefix+id, fmt.Sprintf("%d", now)); err != nil {
			return err
		}
		_, err := s.appendOpTx(tx, OpTagDelete, now, map[string]any{
			"tag_id":        id,
			"deleted_at_ms": now,
		})
		return err
	})
}

// SetMessageTags atomically rewrites a message's tag set and appends
// message.tag_set.v1.
func (s *Store) SetMessageTags(messageID string, tagIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		return s.setMessageTagsTx(tx, messageID, tagIDs, now, true)
	})
}

func (s *Store) setMessageTagsTx(tx *sql.Tx, messageID string, tagIDs []string, now int64, emitOp bool) error {
	if _, err := tx.Exec("DELETE FROM message_tags WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("failed to clear message tags: %w", err)
	}
	seen := map[string]bool{}
	var kept []string
	for _, tagID := range tagIDs {
		if tagID == "" || seen[tagID] {
			continue
		}
		seen[tagID] = true
		kept = append(kept, tagID)
		if _, err := tx.Exec(`
			INSERT INTO message_tags (message_id, tag_id, created_at_ms) VALUES (?, ?, ?)
		`, messageID, tagID, now); err != nil {
			return fmt.Errorf("failed to insert message tag: %w", err)
		}
	}
	if !emitOp {
		return nil
	}
	ids := make([]any, len(kept))
	for i, id := range kept {
		ids[i] = id
	}
	_, err := s.appendOpTx(tx, OpMessageTagSet, now, map[string]any{
		"message_id": messageID,
		"tag_ids":    ids,
	})
	return err
}

// MessageTagIDs returns the tag ids attached to a message.
func (s *Store) MessageTagIDs(messageID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tag_id FROM message_tags WHERE message_id = ? ORDER BY tag_id ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MessageIDsWithAnyTag returns the set of message ids carrying at least one
// of the given tags.
func (s *Store) MessageIDsWithAnyTag(tagIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(tagIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT DISTINCT message_id FROM message_tags WHERE tag_id IN (?"
	args := []any{tagIDs[0]}
	for _, id := range tagIDs[1:] {
		query += ",?"
		args = append(args, id)
	}
	query += ")"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
