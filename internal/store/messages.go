package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// InsertMessage appends a message to a conversation. Non-memory messages
// (Ask-AI questions and answers) are excluded from the vector index.
func (s *Store) InsertMessage(conversationID, role, content string, isMemory bool) (*Message, error) {
	return s.InsertMessageWithID(uuid.NewString(), conversationID, role, content, isMemory)
}

// InsertMessageWithID is InsertMessage with a caller-chosen id.
func (s *Store) InsertMessageWithID(id, conversationID, role, content string, isMemory bool) (*Message, error) {
	if id == "" || conversationID == "" {
		return nil, fmt.Errorf("message id and conversation id must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	ct, err := s.encrypt(content, envelope.AADMessageContent)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsMemory:       isMemory,
		NeedsEmbedding: isMemory,
	}

	err = s.withTx(func(tx *sql.Tx) error {
		op, err := s.appendOpTx(tx, OpMessageInsert, now, map[string]any{
			"message_id":      id,
			"conversation_id": conversationID,
			"role":            role,
			"content":         content,
			"created_at_ms":   now,
			"is_memory":       isMemory,
		})
		if err != nil {
			return err
		}
		msg.UpdatedByDeviceID = op.DeviceID
		msg.UpdatedBySeq = op.Seq

		if _, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, role, content, created_at,
				updated_at, updated_by_device_id, updated_by_seq,
				is_deleted, is_memory, needs_embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, id, conversationID, role, ct, now, now, op.DeviceID, op.Seq,
			boolToInt(isMemory), boolToInt(isMemory)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		return touchConversationTx(tx, conversationID, now)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// EditMessage replaces a message's content, bumping its LWW coordinates and
// marking it for re-embedding.
func (s *Store) EditMessage(id, content string) error {
	return s.setMessage(id, &content, nil, nil)
}

// SetMessageDeleted soft-deletes or restores a message.
func (s *Store) SetMessageDeleted(id string, deleted bool) error {
	return s.setMessage(id, nil, &deleted, nil)
}

// SetMessageMemory toggles a message's memory eligibility.
func (s *Store) SetMessageMemory(id string, isMemory bool) error {
	return s.setMessage(id, nil, nil, &isMemory)
}

func (s *Store) setMessage(id string, content *string, deleted, isMemory *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		cur, err := s.getMessageTx(tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("message not found: %s", id)
		}

		if content != nil {
			cur.Content = *content
		}
		if deleted != nil {
			cur.IsDeleted = *deleted
		}
		if isMemory != nil {
			cur.IsMemory = *isMemory
		}

		now := nowMs()
		op, err := s.appendOpTx(tx, OpMessageSet, now, map[string]any{
			"message_id":      cur.ID,
			"conversation_id": cur.ConversationID,
			"role":            cur.Role,
			"content":         cur.Content,
			"created_at_ms":   cur.CreatedAt,
			"updated_at_ms":   now,
			"is_deleted":      cur.IsDeleted,
			"is_memory":       cur.IsMemory,
		})
		if err != nil {
			return err
		}

		ct, err := s.encrypt(cur.Content, envelope.AADMessageContent)
		if err != nil {
			return fmt.Errorf("failed to encrypt content: %w", err)
		}

		needsEmbedding := boolToInt(cur.IsMemory && !cur.IsDeleted)
		if _, err := tx.Exec(`
			UPDATE messages SET content = ?, updated_at = ?,
				updated_by_device_id = ?, updated_by_seq = ?,
				is_deleted = ?, is_memory = ?, needs_embedding = ?
			WHERE id = ?
		`, ct, now, op.DeviceID, op.Seq,
			boolToInt(cur.IsDeleted), boolToInt(cur.IsMemory), needsEmbedding, id); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		return nil
	})
}

// GetMessage retrieves a message with decrypted content. Returns nil when absent.
func (s *Store) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(messageSelect+" WHERE id = ?", id)
	return s.scanMessageRow(row)
}

const messageSelect = `
	SELECT id, conversation_id, role, content, created_at, updated_at,
		updated_by_device_id, updated_by_seq, is_deleted, is_memory, needs_embedding
	FROM messages`

func (s *Store) getMessageTx(tx *sql.Tx, id string) (*Message, error) {
	row := tx.QueryRow(messageSelect+" WHERE id = ?", id)
	return s.scanMessageRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessage(sc rowScanner) (*Message, error) {
	var m Message
	var content []byte
	var isDeleted, isMemory, needsEmbedding int
	err := sc.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &m.CreatedAt,
		&m.UpdatedAt, &m.UpdatedByDeviceID, &m.UpdatedBySeq,
		&isDeleted, &isMemory, &needsEmbedding)
	if err != nil {
		return nil, err
	}
	m.IsDeleted = isDeleted != 0
	m.IsMemory = isMemory != 0
	m.NeedsEmbedding = needsEmbedding != 0
	m.Content, err = s.decrypt(content, envelope.AADMessageContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *Store) scanMessageRow(row *sql.Row) (*Message, error) {
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListConversationMessages returns a conversation's non-deleted messages in
// chronological order.
func (s *Store) ListConversationMessages(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(messageSelect+`
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WalkMessageIDs walks message ids ordered by created_at DESC, id DESC,
// optionally scoped to one conversation, calling fn until it returns false.
func (s *Store) WalkMessageIDs(conversationID string, fn func(id string) (bool, error)) error {
	s.mu.RLock()

	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.Query(`
			SELECT id FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
		`, conversationID)
	} else {
		rows, err = s.db.Query(`
			SELECT id FROM messages ORDER BY created_at DESC, id DESC
		`)
	}
	if err != nil {
		s.mu.RUnlock()
		return err
	}

	// The ids are collected and the connection and lock released before fn
	// runs, so fn may itself read from the store.
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			break
		}
		ids = append(ids, id)
	}
	if err == nil {
		err = rows.Err()
	}
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, id := range ids {
		cont, err := fn(id)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// LinkMessageAttachment records a message⇄attachment link and appends the op.
// When the mime type is enrichment-eligible and the feature flag allows,
// the caller is expected to enqueue content enrichment afterwards.
func (s *Store) LinkMessageAttachment(messageID, sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO message_attachments (message_id, attachment_sha256, created_at)
			VALUES (?, ?, ?)
		`, messageID, sha256, now); err != nil {
			return fmt.Errorf("failed to link attachment: %w", err)
		}
		_, err := s.appendOpTx(tx, OpMessageAttachmentLink, now, map[string]any{
			"message_id":    messageID,
			"sha256":        sha256,
			"created_at_ms": now,
		})
		return err
	})
}

// MessageIDsForAttachment returns ids of messages linked to an attachment.
func (s *Store) MessageIDsForAttachment(sha256 string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT message_id FROM message_attachments
		WHERE attachment_sha256 = ? ORDER BY created_at ASC
	`, sha256)
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

// AttachmentSHAsForMessage returns the attachment hashes linked to a message.
func (s *Store) AttachmentSHAsForMessage(messageID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT attachment_sha256 FROM message_attachments
		WHERE message_id = ? ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		out = append(out, sha)
	}
	return out, rows.Err()
}

// markMessagesNeedEmbeddingTx flags every non-deleted memory message linked
// to the attachment for re-embedding. Called inside enrichment completion
// transactions.
func markMessagesNeedEmbeddingTx(tx *sql.Tx, sha256 string) error {
	_, err := tx.Exec(`
		UPDATE messages SET needs_embedding = 1
		WHERE is_deleted = 0 AND is_memory = 1 AND id IN (
			SELECT message_id FROM message_attachments WHERE attachment_sha256 = ?
		)
	`, sha256)
	if err != nil {
		return fmt.Errorf("failed to mark linked messages for embedding: %w", err)
	}
	return nil
}
