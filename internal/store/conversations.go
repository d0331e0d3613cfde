package store

import (
	"database/sql"
	"fmt"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// UpsertConversation creates or retitles a conversation and appends the
// corresponding op.
func (s *Store) UpsertConversation(id, title string, createdAt int64) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	if createdAt == 0 {
		createdAt = now
	}
	ct, err := s.encrypt(title, envelope.AADConversationTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt title: %w", err)
	}

	conv := &Conversation{ID: id, Title: title, CreatedAt: createdAt, UpdatedAt: now}
	err = s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				updated_at = max(conversations.updated_at, excluded.updated_at)
		`, id, ct, createdAt, now); err != nil {
			return fmt.Errorf("failed to upsert conversation: %w", err)
		}

		_, err := s.appendOpTx(tx, OpConversationUpsert, now, map[string]any{
			"conversation_id": id,
			"title":           title,
			"created_at_ms":   createdAt,
			"updated_at_ms":   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation retrieves a conversation with its decrypted title.
// Returns nil when absent.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getConversation(s.db.QueryRow(`
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?
	`, id))
}

func (s *Store) getConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var title []byte
	err := row.Scan(&c.ID, &title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Title, err = s.decrypt(title, envelope.AADConversationTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt conversation title: %w", err)
	}
	return &c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var title []byte
		if err := rows.Scan(&c.ID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Title, err = s.decrypt(title, envelope.AADConversationTitle)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt conversation title: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// touchConversationTx advances a conversation's updated_at, inserting a
// placeholder row when the conversation has not arrived yet.
func touchConversationTx(tx *sql.Tx, conversationID string, ts int64) error {
	res, err := tx.Exec(`
		UPDATE conversations SET updated_at = max(updated_at, ?) WHERE id = ?
	`, ts, conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ensurePlaceholderConversationTx(tx, conversationID, ts)
	}
	return nil
}

// ensurePlaceholderConversationTx inserts a zero-content parent row with
// updated_at=0 so any later real upsert LWW-dominates it.
func ensurePlaceholderConversationTx(tx *sql.Tx, conversationID string, createdAt int64) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at)
		VALUES (?, NULL, ?, 0)
	`, conversationID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert placeholder conversation: %w", err)
	}
	return nil
}
