package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// InsertAttachment stores attachment bytes encrypted on disk and records the
// row, content-addressed by sha256. Re-inserting after a deletion clears the
// tombstone (the new created_at post-dates it).
func (s *Store) InsertAttachment(data []byte, mimeType string) (*Attachment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("attachment bytes must be non-empty")
	}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	att := &Attachment{
		SHA256:       sha,
		MimeType:     mimeType,
		RelativePath: s.blobs.RelativePath(sha),
		ByteLen:      int64(len(data)),
		CreatedAt:    now,
	}

	if err := s.blobs.Put(sha, data); err != nil {
		return nil, err
	}

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO attachments (sha256, mime_type, relative_path, byte_len, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(sha256) DO UPDATE SET
				mime_type = excluded.mime_type,
				byte_len = excluded.byte_len
		`, sha, mimeType, att.RelativePath, att.ByteLen, now); err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM attachment_deletions WHERE sha256 = ? AND deleted_at_ms < ?
		`, sha, now); err != nil {
			return fmt.Errorf("failed to clear tombstone: %w", err)
		}
		_, err := s.appendOpTx(tx, OpAttachmentUpsert, now, map[string]any{
			"sha256":        sha,
			"mime_type":     mimeType,
			"byte_len":      att.ByteLen,
			"created_at_ms": now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

// GetAttachment retrieves an attachment row. Returns nil when absent.
func (s *Store) GetAttachment(sha string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanAttachment(s.db.QueryRow(`
		SELECT sha256, mime_type, relative_path, byte_len, created_at
		FROM attachments WHERE sha256 = ?
	`, sha))
}

func scanAttachment(row *sql.Row) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.SHA256, &a.MimeType, &a.RelativePath, &a.ByteLen, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttachments returns every attachment row, oldest first.
func (s *Store) ListAttachments() ([]*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT sha256, mime_type, relative_path, byte_len, created_at
		FROM attachments ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.SHA256, &a.MimeType, &a.RelativePath, &a.ByteLen, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AttachmentBytes reads and decrypts the stored bytes, verifying the content
// hash after decryption.
func (s *Store) AttachmentBytes(sha string) ([]byte, error) {
	return s.blobs.Get(sha)
}

// PurgeAttachment deletes an attachment: tombstone, row, enrichment rows,
// links, and on-disk bytes. Appends attachment.delete.v1.
func (s *Store) PurgeAttachment(sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		return s.purgeAttachmentTx(tx, sha)
	})
	if err != nil {
		return err
	}
	// Disk bytes go after commit; a crash in between leaves an orphan blob,
	// not a dangling row.
	return s.blobs.Delete(sha)
}

func (s *Store) purgeAttachmentTx(tx *sql.Tx, sha string) error {
	now := nowMs()
	op, err := s.appendOpTx(tx, OpAttachmentDelete, now, map[string]any{
		"sha256":        sha,
		"deleted_at_ms": now,
	})
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO attachment_deletions (sha256, deleted_at_ms, deleted_by_device_id, deleted_by_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET
			deleted_at_ms = max(attachment_deletions.deleted_at_ms, excluded.deleted_at_ms),
			deleted_by_device_id = excluded.deleted_by_device_id,
			deleted_by_seq = excluded.deleted_by_seq
	`, sha, now, op.DeviceID, op.Seq); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}

	for _, stmt := range []string{
		"DELETE FROM attachments WHERE sha256 = ?",
		"DELETE FROM attachment_exif WHERE sha256 = ?",
		"DELETE FROM attachment_places WHERE sha256 = ?",
		"DELETE FROM attachment_annotations WHERE sha256 = ?",
		"DELETE FROM message_attachments WHERE attachment_sha256 = ?",
		"DELETE FROM todo_activity_attachments WHERE attachment_sha256 = ?",
	} {
		if _, err := tx.Exec(stmt, sha); err != nil {
			return fmt.Errorf("failed to purge attachment %s: %w", sha, err)
		}
	}
	return nil
}

// AttachmentTombstone returns the deletion timestamp for sha, 0 if none.
func (s *Store) AttachmentTombstone(sha string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ts int64
	err := s.db.QueryRow(
		"SELECT deleted_at_ms FROM attachment_deletions WHERE sha256 = ?", sha,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// =============================================================================
// Enrichment rows (exif / place / annotation)
// =============================================================================

// UpsertAttachmentExif stores an EXIF payload and appends the op.
func (s *Store) UpsertAttachmentExif(sha, payloadJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	ct, err := s.encrypt(payloadJSON, envelope.AADAttachmentExif(sha))
	if err != nil {
		return fmt.Errorf("failed to encrypt exif payload: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO attachment_exif (sha256, status, payload, updated_at)
			VALUES (?, 'ok', ?, ?)
			ON CONFLICT(sha256) DO UPDATE SET
				status = 'ok', attempts = 0, next_retry_at = NULL, last_error = NULL,
				payload = excluded.payload, updated_at = excluded.updated_at
		`, sha, ct, now); err != nil {
			return fmt.Errorf("failed to upsert exif: %w", err)
		}
		_, err := s.appendOpTx(tx, OpAttachmentExifUpsert, now, map[string]any{
			"sha256":        sha,
			"payload":       payloadJSON,
			"updated_at_ms": now,
		})
		return err
	})
}

// UpsertAttachmentPlace stores a reverse-geocoded place payload, appends the
// op, and flags linked messages for re-embedding.
func (s *Store) UpsertAttachmentPlace(sha, lang, payloadJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	ct, err := s.encrypt(payloadJSON, envelope.AADAttachmentPlace(sha, lang))
	if err != nil {
		return fmt.Errorf("failed to encrypt place payload: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO attachment_places (sha256, lang, status, payload, updated_at)
			VALUES (?, ?, 'ok', ?, ?)
			ON CONFLICT(sha256, lang) DO UPDATE SET
				status = 'ok', attempts = 0, next_retry_at = NULL, last_error = NULL,
				payload = excluded.payload, updated_at = excluded.updated_at
		`, sha, lang, ct, now); err != nil {
			return fmt.Errorf("failed to upsert place: %w", err)
		}
		if err := markMessagesNeedEmbeddingTx(tx, sha); err != nil {
			return err
		}
		_, err := s.appendOpTx(tx, OpAttachmentPlaceUpsert, now, map[string]any{
			"sha256":        sha,
			"lang":          lang,
			"payload":       payloadJSON,
			"updated_at_ms": now,
		})
		return err
	})
}

// UpsertAttachmentAnnotation stores an annotation payload (caption, document
// extract, transcript, or video manifest), appends the op, and flags linked
// messages for re-embedding.
func (s *Store) UpsertAttachmentAnnotation(sha, lang string, kind AnnotationKind, payloadJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	ct, err := s.encrypt(payloadJSON, envelope.AADAttachmentAnnotation(sha, lang))
	if err != nil {
		return fmt.Errorf("failed to encrypt annotation payload: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO attachment_annotations (sha256, lang, kind, status, payload, updated_at)
			VALUES (?, ?, ?, 'ok', ?, ?)
			ON CONFLICT(sha256, lang) DO UPDATE SET
				kind = excluded.kind, status = 'ok', attempts = 0,
				next_retry_at = NULL, last_error = NULL,
				payload = excluded.payload, updated_at = excluded.updated_at
		`, sha, lang, string(kind), ct, now); err != nil {
			return fmt.Errorf("failed to upsert annotation: %w", err)
		}
		if err := markMessagesNeedEmbeddingTx(tx, sha); err != nil {
			return err
		}
		_, err := s.appendOpTx(tx, OpAttachmentAnnoUpsert, now, map[string]any{
			"sha256":        sha,
			"lang":          lang,
			"kind":          string(kind),
			"payload":       payloadJSON,
			"updated_at_ms": now,
		})
		return err
	})
}

// AttachmentPlace returns the decrypted place payload for sha in lang, "" if none.
func (s *Store) AttachmentPlace(sha, lang string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ct []byte
	err := s.db.QueryRow(`
		SELECT payload FROM attachment_places
		WHERE sha256 = ? AND lang = ? AND status = 'ok'
	`, sha, lang).Scan(&ct)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.decrypt(ct, envelope.AADAttachmentPlace(sha, lang))
}

// AttachmentAnnotation returns the decrypted annotation payload and kind for
// sha in lang, ("", "") if none.
func (s *Store) AttachmentAnnotation(sha, lang string) (payload string, kind AnnotationKind, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ct []byte
	var k string
	err = s.db.QueryRow(`
		SELECT payload, kind FROM attachment_annotations
		WHERE sha256 = ? AND lang = ? AND status = 'ok'
	`, sha, lang).Scan(&ct, &k)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	payload, err = s.decrypt(ct, envelope.AADAttachmentAnnotation(sha, lang))
	return payload, AnnotationKind(k), err
}

// AttachmentExif returns the decrypted EXIF payload for sha, "" if none.
func (s *Store) AttachmentExif(sha string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ct []byte
	err := s.db.QueryRow(`
		SELECT payload FROM attachment_exif WHERE sha256 = ? AND status = 'ok'
	`, sha).Scan(&ct)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.decrypt(ct, envelope.AADAttachmentExif(sha))
}
