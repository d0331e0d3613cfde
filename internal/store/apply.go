package store

import (
	"database/sql"
	"fmt"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// ApplyOp applies a single foreign op. Equivalent to ApplyOps with one element.
func (s *Store) ApplyOp(op *Op) error {
	return s.ApplyOps([]*Op{op})
}

// ApplyOps applies a batch of foreign ops under one transaction. Application
// is idempotent: an op whose op_id is already in the oplog is skipped, and
// every handler resolves conflicts by the (updated_at, device_id, seq) LWW
// order, so the final state depends only on the set of ops seen.
func (s *Store) ApplyOps(ops []*Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purgedSHAs []string
	err := s.withTx(func(tx *sql.Tx) error {
		for _, op := range ops {
			fresh, err := s.recordForeignOpTx(tx, op)
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
			shas, err := s.applyOpTx(tx, op)
			if err != nil {
				return fmt.Errorf("failed to apply op %s (%s): %w", op.OpID, op.Type, err)
			}
			purgedSHAs = append(purgedSHAs, shas...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Blob removal happens after commit; a crash in between leaves orphan
	// bytes, never a dangling row.
	for _, sha := range purgedSHAs {
		if err := s.blobs.Delete(sha); err != nil {
			s.log.Warn().Err(err).Str("sha256", sha).Msg("failed to remove attachment bytes")
		}
	}
	return nil
}

// recordForeignOpTx inserts the op into the local oplog (re-encrypted under
// the local key). Returns false when the op was already present.
func (s *Store) recordForeignOpTx(tx *sql.Tx, op *Op) (bool, error) {
	var one int
	err := tx.QueryRow("SELECT 1 FROM oplog WHERE op_id = ? LIMIT 1", op.OpID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	if err := s.insertOplogTx(tx, op); err != nil {
		return false, err
	}
	return true, nil
}

// applyOpTx dispatches one op by type. Returns attachment hashes whose bytes
// must be removed from disk after commit.
func (s *Store) applyOpTx(tx *sql.Tx, op *Op) ([]string, error) {
	p := op.Payload
	switch op.Type {
	case OpConversationUpsert:
		return nil, s.applyConversationUpsertTx(tx, op)
	case OpMessageInsert:
		return nil, s.applyMessageInsertTx(tx, op)
	case OpMessageSet:
		return nil, s.applyMessageSetTx(tx, op)
	case OpAttachmentUpsert:
		return nil, s.applyAttachmentUpsertTx(tx, op)
	case OpAttachmentDelete:
		sha := payloadString(p, "sha256")
		return []string{sha}, s.applyAttachmentDeleteTx(tx, op)
	case OpMessageAttachmentLink:
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO message_attachments (message_id, attachment_sha256, created_at)
			VALUES (?, ?, ?)
		`, payloadString(p, "message_id"), payloadString(p, "sha256"), payloadInt64(p, "created_at_ms"))
		return nil, err
	case OpTodoUpsert:
		return nil, s.applyTodoUpsertTx(tx, op)
	case OpTodoDelete:
		return nil, s.applyTodoDeleteTx(tx, op)
	case OpTodoActivityAppend:
		return nil, s.applyTodoActivityAppendTx(tx, op)
	case OpTodoActivityMove:
		return nil, applyActivityMoveTx(tx,
			payloadString(p, "activity_id"), payloadString(p, "to_todo_id"), payloadInt64(p, "moved_at_ms"))
	case OpActivityAttachmentLink:
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO todo_activity_attachments (activity_id, attachment_sha256, created_at)
			VALUES (?, ?, ?)
		`, payloadString(p, "activity_id"), payloadString(p, "sha256"), payloadInt64(p, "created_at_ms"))
		return nil, err
	case OpTodoRecurrenceUpsert:
		return nil, s.applyTodoRecurrenceUpsertTx(tx, op)
	case OpEventUpsert:
		return nil, s.applyEventUpsertTx(tx, op)
	case OpTagUpsert:
		return nil, s.applyTagUpsertTx(tx, op)
	case OpTagDelete:
		return nil, s.applyTagDeleteTx(tx, op)
	case OpMessageTagSet:
		return nil, s.applyMessageTagSetTx(tx, op)
	case OpAttachmentExifUpsert, OpAttachmentPlaceUpsert, OpAttachmentAnnoUpsert:
		return nil, s.applyAttachmentEnrichmentTx(tx, op)
	default:
		// Unknown op types from newer peers are recorded but not applied.
		s.log.Debug().Str("type", op.Type).Str("op_id", op.OpID).Msg("skipping unknown op type")
		return nil, nil
	}
}

func (s *Store) applyConversationUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "conversation_id")
	updatedAt := payloadInt64(p, "updated_at_ms")

	ct, err := s.encrypt(payloadString(p, "title"), envelope.AADConversationTitle)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.updated_at > conversations.updated_at
				OR conversations.title IS NULL
				THEN excluded.title ELSE conversations.title END,
			updated_at = max(conversations.updated_at, excluded.updated_at)
	`, id, ct, payloadInt64(p, "created_at_ms"), updatedAt)
	return err
}

func (s *Store) applyMessageInsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "message_id")
	conversationID := payloadString(p, "conversation_id")
	role := payloadString(p, "role")
	isMemory := payloadBool(p, "is_memory")
	createdAt := payloadInt64(p, "created_at_ms")

	ct, err := s.encrypt(payloadString(p, "content"), envelope.AADMessageContent)
	if err != nil {
		return err
	}

	if err := ensurePlaceholderConversationTx(tx, conversationID, createdAt); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (id, conversation_id, role, content, created_at,
			updated_at, updated_by_device_id, updated_by_seq, is_deleted, is_memory, needs_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, conversationID, role, ct, createdAt, createdAt, op.DeviceID, op.Seq,
		boolToInt(isMemory), boolToInt(isMemory)); err != nil {
		return err
	}
	if err := touchConversationTx(tx, conversationID, createdAt); err != nil {
		return err
	}

	// Ask-AI heuristic: a non-memory assistant insert marks the immediately
	// preceding user message from the same device as non-memory too, so the
	// question text never enters retrieval.
	if role == RoleAssistant && !isMemory {
		if _, err := tx.Exec(`
			UPDATE messages SET is_memory = 0, needs_embedding = 0
			WHERE conversation_id = ? AND role = 'user'
				AND updated_by_device_id = ? AND updated_by_seq = ?
		`, conversationID, op.DeviceID, op.Seq-1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMessageSetTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "message_id")
	updatedAt := payloadInt64(p, "updated_at_ms")
	isDeleted := payloadBool(p, "is_deleted")
	isMemory := payloadBool(p, "is_memory")

	var curUpdated, curSeq int64
	var curDevice string
	err := tx.QueryRow(`
		SELECT updated_at, updated_by_device_id, updated_by_seq FROM messages WHERE id = ?
	`, id).Scan(&curUpdated, &curDevice, &curSeq)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && !newer(updatedAt, op.DeviceID, op.Seq, curUpdated, curDevice, curSeq) {
		return nil
	}

	ct, encErr := s.encrypt(payloadString(p, "content"), envelope.AADMessageContent)
	if encErr != nil {
		return encErr
	}
	needsEmbedding := boolToInt(isMemory && !isDeleted)

	if err == sql.ErrNoRows {
		conversationID := payloadString(p, "conversation_id")
		if err := ensurePlaceholderConversationTx(tx, conversationID, payloadInt64(p, "created_at_ms")); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, role, content, created_at,
				updated_at, updated_by_device_id, updated_by_seq, is_deleted, is_memory, needs_embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, conversationID, payloadString(p, "role"), ct, payloadInt64(p, "created_at_ms"),
			updatedAt, op.DeviceID, op.Seq, boolToInt(isDeleted), boolToInt(isMemory), needsEmbedding)
		return err
	}

	_, err = tx.Exec(`
		UPDATE messages SET content = ?, updated_at = ?, updated_by_device_id = ?,
			updated_by_seq = ?, is_deleted = ?, is_memory = ?, needs_embedding = ?
		WHERE id = ?
	`, ct, updatedAt, op.DeviceID, op.Seq, boolToInt(isDeleted), boolToInt(isMemory),
		needsEmbedding, id)
	return err
}

func (s *Store) applyAttachmentUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	sha := payloadString(p, "sha256")
	createdAt := payloadInt64(p, "created_at_ms")

	// Tombstone guard: a deletion at or after this upsert's creation wins.
	var deletedAt int64
	err := tx.QueryRow(
		"SELECT deleted_at_ms FROM attachment_deletions WHERE sha256 = ?", sha,
	).Scan(&deletedAt)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		if deletedAt >= createdAt {
			return nil
		}
		if _, err := tx.Exec("DELETE FROM attachment_deletions WHERE sha256 = ?", sha); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
		INSERT INTO attachments (sha256, mime_type, relative_path, byte_len, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET
			mime_type = excluded.mime_type,
			byte_len = excluded.byte_len
	`, sha, payloadString(p, "mime_type"), s.blobs.RelativePath(sha),
		payloadInt64(p, "byte_len"), createdAt)
	return err
}

func (s *Store) applyAttachmentDeleteTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	sha := payloadString(p, "sha256")
	deletedAt := payloadInt64(p, "deleted_at_ms")

	var curAt, curSeq int64
	var curDevice string
	err := tx.QueryRow(`
		SELECT deleted_at_ms, deleted_by_device_id, deleted_by_seq
		FROM attachment_deletions WHERE sha256 = ?
	`, sha).Scan(&curAt, &curDevice, &curSeq)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && !newer(deletedAt, op.DeviceID, op.Seq, curAt, curDevice, curSeq) {
		// Existing tombstone dominates; rows are already gone.
		return nil
	}

	if _, err := tx.Exec(`
		INSERT INTO attachment_deletions (sha256, deleted_at_ms, deleted_by_device_id, deleted_by_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET
			deleted_at_ms = excluded.deleted_at_ms,
			deleted_by_device_id = excluded.deleted_by_device_id,
			deleted_by_seq = excluded.deleted_by_seq
	`, sha, deletedAt, op.DeviceID, op.Seq); err != nil {
		return err
	}

	for _, stmt := range []string{
		"DELETE FROM attachments WHERE sha256 = ? AND created_at <= ?",
		"DELETE FROM attachment_exif WHERE sha256 = ?",
		"DELETE FROM attachment_places WHERE sha256 = ?",
		"DELETE FROM attachment_annotations WHERE sha256 = ?",
	} {
		args := []any{sha}
		if stmt == "DELETE FROM attachments WHERE sha256 = ? AND created_at <= ?" {
			args = append(args, deletedAt)
		}
		if _, err := tx.Exec(stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyTodoUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "todo_id")
	createdAt := payloadInt64(p, "created_at_ms")
	updatedAt := payloadInt64(p, "updated_at_ms")

	var deletedAt int64
	err := tx.QueryRow(
		"SELECT deleted_at_ms FROM todo_deletions WHERE todo_id = ?", id,
	).Scan(&deletedAt)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		if deletedAt >= createdAt {
			return nil
		}
		if _, err := tx.Exec("DELETE FROM todo_deletions WHERE todo_id = ?", id); err != nil {
			return err
		}
	}

	var curUpdated int64
	err = tx.QueryRow("SELECT updated_at_ms FROM todos WHERE id = ?", id).Scan(&curUpdated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && curUpdated >= updatedAt {
		return nil
	}

	todo := &Todo{
		ID:             id,
		Title:          payloadString(p, "title"),
		DueAtMs:        payloadOptInt64(p, "due_at_ms"),
		Status:         payloadString(p, "status"),
		SourceEntryID:  payloadString(p, "source_entry_id"),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		ReviewStage:    payloadOptInt64(p, "review_stage"),
		NextReviewAtMs: payloadOptInt64(p, "next_review_at_ms"),
		LastReviewAtMs: payloadOptInt64(p, "last_review_at_ms"),
	}
	return s.upsertTodoTx(tx, todo, false)
}

func (s *Store) applyTodoDeleteTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "todo_id")
	deletedAt := payloadInt64(p, "deleted_at_ms")

	if _, err := tx.Exec(`
		INSERT INTO todo_deletions (todo_id, deleted_at_ms) VALUES (?, ?)
		ON CONFLICT(todo_id) DO UPDATE SET
			deleted_at_ms = max(todo_deletions.deleted_at_ms, excluded.deleted_at_ms)
	`, id, deletedAt); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM todo_activity_attachments WHERE activity_id IN
			(SELECT id FROM todo_activities WHERE todo_id = ?)`,
		"DELETE FROM todo_activities WHERE todo_id = ?",
		"DELETE FROM todo_recurrences WHERE todo_id = ?",
		"DELETE FROM todos WHERE id = ? AND created_at_ms <= ?",
	} {
		args := []any{id}
		if stmt == "DELETE FROM todos WHERE id = ? AND created_at_ms <= ?" {
			args = append(args, deletedAt)
		}
		if _, err := tx.Exec(stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyTodoActivityAppendTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	activity := &TodoActivity{
		ID:              payloadString(p, "activity_id"),
		TodoID:          payloadString(p, "todo_id"),
		Type:            payloadString(p, "type"),
		FromStatus:      payloadString(p, "from_status"),
		ToStatus:        payloadString(p, "to_status"),
		Content:         payloadString(p, "content"),
		SourceMessageID: payloadString(p, "source_message_id"),
		CreatedAt:       payloadInt64(p, "created_at_ms"),
	}

	// A recorded move override rewrites the parent before insert, so appends
	// arriving after the move cannot resurrect the pre-move todo.
	if override, err := kvGetTx(tx, kvActivityTodoOverridePrefix+activity.ID); err != nil {
		return err
	} else if override != "" {
		activity.TodoID = override
	}

	var ct []byte
	if activity.Content != "" {
		var err error
		ct, err = s.encrypt(activity.Content, envelope.AADTodoActivityContent(activity.ID))
		if err != nil {
			return err
		}
	}
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO todo_activities (id, todo_id, type, from_status,
			to_status, content, source_message_id, created_at_ms, needs_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, activity.ID, activity.TodoID, activity.Type,
		nullIfEmpty(activity.FromStatus), nullIfEmpty(activity.ToStatus), ct,
		nullIfEmpty(activity.SourceMessageID), activity.CreatedAt)
	return err
}

func (s *Store) applyTodoRecurrenceUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	todoID := payloadString(p, "todo_id")
	updatedAt := payloadInt64(p, "updated_at_ms")

	var curUpdated int64
	err := tx.QueryRow(
		"SELECT updated_at_ms FROM todo_recurrences WHERE todo_id = ?", todoID,
	).Scan(&curUpdated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && curUpdated >= updatedAt {
		return nil
	}
	return s.upsertTodoRecurrenceTx(tx, &TodoRecurrence{
		TodoID:          todoID,
		SeriesID:        payloadString(p, "series_id"),
		OccurrenceIndex: payloadInt64(p, "occurrence_index"),
		RuleJSON:        payloadString(p, "rule_json"),
		CreatedAt:       payloadInt64(p, "created_at_ms"),
		UpdatedAt:       updatedAt,
	}, false)
}

func (s *Store) applyEventUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "event_id")
	updatedAt := payloadInt64(p, "updated_at_ms")

	var curUpdated int64
	err := tx.QueryRow("SELECT updated_at_ms FROM events WHERE id = ?", id).Scan(&curUpdated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && curUpdated >= updatedAt {
		return nil
	}

	ct, encErr := s.encrypt(payloadString(p, "title"), envelope.AADEventTitle)
	if encErr != nil {
		return encErr
	}
	_, err = tx.Exec(`
		INSERT INTO events (id, title, start_at_ms, end_at_ms, tz,
			source_entry_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			start_at_ms = excluded.start_at_ms,
			end_at_ms = excluded.end_at_ms,
			tz = excluded.tz,
			source_entry_id = excluded.source_entry_id,
			updated_at_ms = excluded.updated_at_ms
	`, id, ct, payloadInt64(p, "start_at_ms"), payloadInt64(p, "end_at_ms"),
		payloadString(p, "tz"), nullIfEmpty(payloadString(p, "source_entry_id")),
		payloadInt64(p, "created_at_ms"), updatedAt)
	return err
}

func (s *Store) applyTagUpsertTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "tag_id")
	updatedAt := payloadInt64(p, "updated_at_ms")

	// A newer KV tombstone wins over the upsert.
	if stored, err := kvGetTx(tx, kvTagDeletedAtPrefix+id); err != nil {
		return err
	} else if stored != "" {
		var deletedAt int64
		fmt.Sscanf(stored, "%d", &deletedAt)
		if deletedAt >= updatedAt {
			return nil
		}
	}

	var curUpdated int64
	err := tx.QueryRow("SELECT updated_at_ms FROM tags WHERE id = ?", id).Scan(&curUpdated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && curUpdated >= updatedAt {
		return nil
	}
	return s.upsertTagTx(tx, &Tag{
		ID:        id,
		Name:      payloadString(p, "name"),
		SystemKey: payloadString(p, "system_key"),
		IsSystem:  payloadBool(p, "is_system"),
		Color:     payloadString(p, "color"),
		CreatedAt: payloadInt64(p, "created_at_ms"),
		UpdatedAt: updatedAt,
	}, false)
}

func (s *Store) applyTagDeleteTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	id := payloadString(p, "tag_id")
	deletedAt := payloadInt64(p, "deleted_at_ms")

	var curUpdated int64
	err := tx.QueryRow("SELECT updated_at_ms FROM tags WHERE id = ?", id).Scan(&curUpdated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && curUpdated > deletedAt {
		return nil
	}
	if _, err := tx.Exec("DELETE FROM tags WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM message_tags WHERE tag_id = ?", id); err != nil {
		return err
	}
	return kvSetTx(tx, kvTagDeletedAtPrefix+id, fmt.Sprintf("%d", deletedAt))
}

func (s *Store) applyMessageTagSetTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	messageID := payloadString(p, "message_id")

	var tagIDs []string
	if raw, ok := p["tag_ids"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok {
				tagIDs = append(tagIDs, id)
			}
		}
	}
	return s.setMessageTagsTx(tx, messageID, tagIDs, op.TsMs, false)
}

func (s *Store) applyAttachmentEnrichmentTx(tx *sql.Tx, op *Op) error {
	p := op.Payload
	sha := payloadString(p, "sha256")
	lang := payloadString(p, "lang")
	if lang == "" {
		lang = "en"
	}
	payload := payloadString(p, "payload")
	updatedAt := payloadInt64(p, "updated_at_ms")

	switch op.Type {
	case OpAttachmentExifUpsert:
		ct, err := s.encrypt(payload, envelope.AADAttachmentExif(sha))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO attachment_exif (sha256, status, payload, updated_at)
			VALUES (?, 'ok', ?, ?)
			ON CONFLICT(sha256) DO UPDATE SET
				status = 'ok', payload = excluded.payload,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at > attachment_exif.updated_at
		`, sha, ct, updatedAt)
		return err
	case OpAttachmentPlaceUpsert:
		ct, err := s.encrypt(payload, envelope.AADAttachmentPlace(sha, lang))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO attachment_places (sha256, lang, status, payload, updated_at)
			VALUES (?, ?, 'ok', ?, ?)
			ON CONFLICT(sha256, lang) DO UPDATE SET
				status = 'ok', payload = excluded.payload,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at > attachment_places.updated_at
		`, sha, lang, ct, updatedAt); err != nil {
			return err
		}
		return markMessagesNeedEmbeddingTx(tx, sha)
	default: // OpAttachmentAnnoUpsert
		kind := payloadString(p, "kind")
		ct, err := s.encrypt(payload, envelope.AADAttachmentAnnotation(sha, lang))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO attachment_annotations (sha256, lang, kind, status, payload, updated_at)
			VALUES (?, ?, ?, 'ok', ?, ?)
			ON CONFLICT(sha256, lang) DO UPDATE SET
				kind = excluded.kind, status = 'ok', payload = excluded.payload,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at > attachment_annotations.updated_at
		`, sha, lang, kind, ct, updatedAt); err != nil {
			return err
		}
		return markMessagesNeedEmbeddingTx(tx, sha)
	}
}
