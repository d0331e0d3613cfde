package store

import (
	"database/sql"
	"fmt"
)

// ResetVaultDataPreservingLLMProfiles wipes every table except llm_profiles
// under one transaction, then best-effort removes the attachments directory
// after commit. The device id is regenerated on next open if lost; here it is
// preserved so sync identity survives a data reset.
func (s *Store) ResetVaultDataPreservingLLMProfiles() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID := s.deviceID
	err := s.withTx(func(tx *sql.Tx) error {
		tables := []string{
			"conversations", "messages", "message_attachments", "attachments",
			"attachment_deletions", "attachment_exif", "attachment_places",
			"attachment_annotations", "todos", "todo_deletions",
			"todo_activities", "todo_activity_attachments", "todo_recurrences",
			"events", "tags", "message_tags", "oplog", "embedding_spaces",
			"message_tag_autofill_jobs", "message_tag_autofill_events",
			"semantic_parse_jobs", "kv",
		}
		rows, err := tx.Query("SELECT space_id FROM embedding_spaces")
		if err != nil {
			return fmt.Errorf("failed to list embedding spaces: %w", err)
		}
		spaces := map[string]bool{}
		if err := collectStrings(rows, spaces); err != nil {
			return err
		}
		for space := range spaces {
			tables = append(tables, "message_embeddings__"+space,
				"todo_embeddings__"+space, "todo_activity_embeddings__"+space)
		}
		for _, table := range tables {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return kvSetTx(tx, KVDeviceID, deviceID)
	})
	if err != nil {
		return err
	}

	if err := s.blobs.RemoveAll(); err != nil {
		s.log.Warn().Err(err).Msg("failed to remove attachments directory")
	}
	return nil
}
