package store

import (
	"database/sql"
	"fmt"
)

// DeleteTodoAndAssociatedMessages transitively soft-deletes every message the
// todo references (via source_entry_id, activity source messages, and any
// message linked to an attachment the todo owns), purges those attachments
// (tombstones + disk bytes), then deletes the todo itself. One transaction;
// the whole cascade rolls back on error. Returns the number of messages
// soft-deleted.
func (s *Store) DeleteTodoAndAssociatedMessages(todoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var shasToUnlink []string
	var deleted int
	err := s.withTx(func(tx *sql.Tx) error {
		var sourceEntry sql.NullString
		err := tx.QueryRow(
			"SELECT source_entry_id FROM todos WHERE id = ?", todoID,
		).Scan(&sourceEntry)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		directMessageIDs := map[string]bool{}
		if sourceEntry.Valid && sourceEntry.String != "" {
			directMessageIDs[sourceEntry.String] = true
		}

		rows, err := tx.Query(`
			SELECT DISTINCT source_message_id FROM todo_activities
			WHERE todo_id = ? AND source_message_id IS NOT NULL AND source_message_id != ''
		`, todoID)
		if err != nil {
			return err
		}
		if err := collectStrings(rows, directMessageIDs); err != nil {
			return err
		}

		// Attachments owned through direct messages and through activities.
		shas := map[string]bool{}
		for id := range directMessageIDs {
			rows, err := tx.Query(
				"SELECT attachment_sha256 FROM message_attachments WHERE message_id = ?", id,
			)
			if err != nil {
				return err
			}
			if err := collectStrings(rows, shas); err != nil {
				return err
			}
		}
		rows, err = tx.Query(`
			SELECT DISTINCT attachment_sha256 FROM todo_activity_attachments
			WHERE activity_id IN (SELECT id FROM todo_activities WHERE todo_id = ?)
		`, todoID)
		if err != nil {
			return err
		}
		if err := collectStrings(rows, shas); err != nil {
			return err
		}

		// Every message touching an owned attachment goes too.
		messageIDs := map[string]bool{}
		for id := range directMessageIDs {
			messageIDs[id] = true
		}
		for sha := range shas {
			rows, err := tx.Query(
				"SELECT message_id FROM message_attachments WHERE attachment_sha256 = ?", sha,
			)
			if err != nil {
				return err
			}
			if err := collectStrings(rows, messageIDs); err != nil {
				return err
			}
		}

		for id := range messageIDs {
			if err := s.setMessageDeletedTx(tx, id); err != nil {
				return err
			}
			deleted++
		}

		for sha := range shas {
			if err := s.purgeAttachmentTx(tx, sha); err != nil {
				return err
			}
			shasToUnlink = append(shasToUnlink, sha)
		}

		return s.deleteTodoTx(tx, todoID)
	})
	if err != nil {
		return 0, err
	}

	for _, sha := range shasToUnlink {
		if err := s.blobs.Delete(sha); err != nil {
			s.log.Warn().Err(err).Str("sha256", sha).Msg("failed to remove attachment bytes")
		}
	}
	return deleted, nil
}

// setMessageDeletedTx soft-deletes one message inside tx with its own
// message.set.v2 op. Missing messages are skipped.
func (s *Store) setMessageDeletedTx(tx *sql.Tx, id string) error {
	cur, err := s.getMessageTx(tx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	now := nowMs()
	op, err := s.appendOpTx(tx, OpMessageSet, now, map[string]any{
		"message_id":      cur.ID,
		"conversation_id": cur.ConversationID,
		"role":            cur.Role,
		"content":         cur.Content,
		"created_at_ms":   cur.CreatedAt,
		"updated_at_ms":   now,
		"is_deleted":      true,
		"is_memory":       cur.IsMemory,
	})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE messages SET is_deleted = 1, needs_embedding = 0, updated_at = ?,
			updated_by_device_id = ?, updated_by_seq = ?
		WHERE id = ?
	`, now, op.DeviceID, op.Seq, id); err != nil {
		return fmt.Errorf("failed to soft-delete message %s: %w", id, err)
	}
	return nil
}

func collectStrings(rows *sql.Rows, into map[string]bool) error {
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		if v != "" {
			into[v] = true
		}
	}
	return rows.Err()
}
