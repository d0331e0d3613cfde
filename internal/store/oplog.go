package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// Op type identifiers. The version suffix is part of the wire name.
const (
	OpMessageInsert          = "message.insert.v1"
	OpMessageSet             = "message.set.v2"
	OpConversationUpsert     = "conversation.upsert.v1"
	OpAttachmentUpsert       = "attachment.upsert.v1"
	OpAttachmentDelete       = "attachment.delete.v1"
	OpMessageAttachmentLink  = "message.attachment.link.v1"
	OpTodoUpsert             = "todo.upsert.v1"
	OpTodoDelete             = "todo.delete.v1"
	OpTodoActivityAppend     = "todo.activity.append.v1"
	OpTodoActivityMove       = "todo.activity.move.v1"
	OpActivityAttachmentLink = "todo.activity_attachment.link.v1"
	OpTodoRecurrenceUpsert   = "todo.recurrence.upsert.v1"
	OpEventUpsert            = "event.upsert.v1"
	OpTagUpsert              = "tag.upsert.v2"
	OpTagDelete              = "tag.delete.v1"
	OpMessageTagSet          = "message.tag_set.v1"
	OpAttachmentExifUpsert   = "attachment.exif.upsert.v1"
	OpAttachmentPlaceUpsert  = "attachment.place.upsert.v1"
	OpAttachmentAnnoUpsert   = "attachment.annotation.upsert.v1"
)

// Op is the plaintext operation envelope appended to the oplog and shipped
// between devices.
type Op struct {
	OpID     string         `json:"op_id"`
	DeviceID string         `json:"device_id"`
	Seq      int64          `json:"seq"`
	TsMs     int64          `json:"ts_ms"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
}

// newer is the version-dominates relation: lexicographic on
// (updated_at, device_id, seq).
func newer(t1 int64, d1 string, s1 int64, t0 int64, d0 string, s0 int64) bool {
	if t1 != t0 {
		return t1 > t0
	}
	if d1 != d0 {
		return d1 > d0
	}
	return s1 > s0
}

// nextDeviceSeqTx allocates the next seq for this device inside tx.
func (s *Store) nextDeviceSeqTx(tx *sql.Tx) (int64, error) {
	var maxSeq int64
	err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM oplog WHERE device_id = ?", s.deviceID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return maxSeq + 1, nil
}

// appendOpTx composes, encrypts and inserts a local op inside tx, allocating
// the next seq. Returns the composed op.
func (s *Store) appendOpTx(tx *sql.Tx, opType string, tsMs int64, payload map[string]any) (*Op, error) {
	seq, err := s.nextDeviceSeqTx(tx)
	if err != nil {
		return nil, err
	}
	op := &Op{
		OpID:     uuid.NewString(),
		DeviceID: s.deviceID,
		Seq:      seq,
		TsMs:     tsMs,
		Type:     opType,
		Payload:  payload,
	}
	if err := s.insertOplogTx(tx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// insertOplogTx encrypts op under its op-id AAD and inserts it, ignoring
// duplicates by op_id (idempotence).
func (s *Store) insertOplogTx(tx *sql.Tx, op *Op) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal op %s: %w", op.OpID, err)
	}
	ct, err := envelope.Encrypt(s.dbKey, raw, envelope.AADOplogOpJSON(op.OpID))
	if err != nil {
		return fmt.Errorf("failed to encrypt op %s: %w", op.OpID, err)
	}
	_, err = tx.Exec(`
		INSERT OR IGNORE INTO oplog (op_id, device_id, seq, op_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, op.OpID, op.DeviceID, op.Seq, ct, op.TsMs)
	if err != nil {
		return fmt.Errorf("failed to insert op %s: %w", op.OpID, err)
	}
	return nil
}

// HasOp reports whether an op id is already present in the local oplog.
func (s *Store) HasOp(opID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM oplog WHERE op_id = ? LIMIT 1", opID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up op %s: %w", opID, err)
	}
	return true, nil
}

// DecryptOp decodes a local oplog row back into its plaintext op.
func (s *Store) DecryptOp(entry *OplogEntry) (*Op, error) {
	raw, err := envelope.Decrypt(s.dbKey, entry.OpJSON, envelope.AADOplogOpJSON(entry.OpID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt op %s: %w", entry.OpID, err)
	}
	var op Op
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("failed to decode op %s: %w", entry.OpID, err)
	}
	return &op, nil
}

// LocalOpsAfter returns this device's oplog rows with seq > after, ascending.
func (s *Store) LocalOpsAfter(after int64) ([]*OplogEntry, error) {
	return s.opsAfter(s.deviceID, after)
}

// OpsForDevice returns a device's oplog rows with seq > after, ascending.
func (s *Store) OpsForDevice(deviceID string, after int64) ([]*OplogEntry, error) {
	return s.opsAfter(deviceID, after)
}

// opsAfter returns a device's oplog rows with seq > after, ascending.
func (s *Store) opsAfter(deviceID string, after int64) ([]*OplogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT op_id, device_id, seq, op_json, created_at_ms
		FROM oplog WHERE device_id = ? AND seq > ?
		ORDER BY seq ASC
	`, deviceID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}
	defer rows.Close()

	var out []*OplogEntry
	for rows.Next() {
		var e OplogEntry
		if err := rows.Scan(&e.OpID, &e.DeviceID, &e.Seq, &e.OpJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LocalOpsInRange returns this device's oplog rows with first <= seq <= last, ascending.
func (s *Store) LocalOpsInRange(first, last int64) ([]*OplogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT op_id, device_id, seq, op_json, created_at_ms
		FROM oplog WHERE device_id = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`, s.deviceID, first, last)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}
	defer rows.Close()

	var out []*OplogEntry
	for rows.Next() {
		var e OplogEntry
		if err := rows.Scan(&e.OpID, &e.DeviceID, &e.Seq, &e.OpJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MaxLocalSeq returns the highest seq this device has committed, 0 if none.
func (s *Store) MaxLocalSeq() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq int64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM oplog WHERE device_id = ?", s.deviceID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return maxSeq, nil
}

// MinLocalSeqAtOrAbove returns the smallest local seq >= floor, 0 if none.
func (s *Store) MinLocalSeqAtOrAbove(floor int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var minSeq sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MIN(seq) FROM oplog WHERE device_id = ? AND seq >= ?", s.deviceID, floor,
	).Scan(&minSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read min seq: %w", err)
	}
	if !minSeq.Valid {
		return 0, nil
	}
	return minSeq.Int64, nil
}

// KnownDeviceIDs returns every device id present in the oplog, self included.
func (s *Store) KnownDeviceIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT device_id FROM oplog ORDER BY device_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
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

// LocalOpSeq returns the seq of a local op by id, or 0 when absent.
func (s *Store) LocalOpSeq(opID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRow(
		"SELECT seq FROM oplog WHERE op_id = ? AND device_id = ?", opID, s.deviceID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up op %s: %w", opID, err)
	}
	return seq, nil
}

// DeleteLocalOp removes one local oplog row by op id. Used only by the
// managed-vault op_id conflict recovery.
func (s *Store) DeleteLocalOp(opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM oplog WHERE op_id = ? AND device_id = ?", opID, s.deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete op %s: %w", opID, err)
	}
	return nil
}

// RebaseLocalSeqs shifts every local op with seq >= fromSeq by delta,
// rewriting the seq inside each op's plaintext and the LWW coordinates that
// reference local seqs. This is the only operation allowed to modify oplog
// seqs after they are assigned.
func (s *Store) RebaseLocalSeqs(fromSeq, delta int64) error {
	if delta == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE messages SET updated_by_seq = updated_by_seq + ?
			WHERE updated_by_device_id = ? AND updated_by_seq >= ?
		`, delta, s.deviceID, fromSeq); err != nil {
			return fmt.Errorf("failed to rebase message seqs: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE attachment_deletions SET deleted_by_seq = deleted_by_seq + ?
			WHERE deleted_by_device_id = ? AND deleted_by_seq >= ?
		`, delta, s.deviceID, fromSeq); err != nil {
			return fmt.Errorf("failed to rebase tombstone seqs: %w", err)
		}

		rows, err := tx.Query(`
			SELECT op_id, device_id, seq, op_json, created_at_ms
			FROM oplog WHERE device_id = ? AND seq >= ?
		`, s.deviceID, fromSeq)
		if err != nil {
			return fmt.Errorf("failed to read ops for rebase: %w", err)
		}
		var entries []*OplogEntry
		for rows.Next() {
			var e OplogEntry
			if err := rows.Scan(&e.OpID, &e.DeviceID, &e.Seq, &e.OpJSON, &e.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			entries = append(entries, &e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Update order by sign of delta keeps (device_id, seq) unique at
		// every intermediate state.
		if delta > 0 {
			sort.Slice(entries, func(i, j int) bool { return entries[i].Seq > entries[j].Seq })
		} else {
			sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		}

		for _, e := range entries {
			op, err := s.DecryptOp(e)
			if err != nil {
				return err
			}
			op.Seq = e.Seq + delta
			raw, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("failed to marshal rebased op %s: %w", op.OpID, err)
			}
			ct, err := envelope.Encrypt(s.dbKey, raw, envelope.AADOplogOpJSON(op.OpID))
			if err != nil {
				return fmt.Errorf("failed to re-encrypt rebased op %s: %w", op.OpID, err)
			}
			if _, err := tx.Exec(`
				UPDATE oplog SET seq = ?, op_json = ? WHERE op_id = ?
			`, op.Seq, ct, op.OpID); err != nil {
				return fmt.Errorf("failed to rewrite op %s: %w", op.OpID, err)
			}
		}
		return nil
	})
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt64(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func payloadOptInt64(p map[string]any, key string) *int64 {
	if _, ok := p[key]; !ok {
		return nil
	}
	if p[key] == nil {
		return nil
	}
	n := payloadInt64(p, key)
	return &n
}

func payloadBool(p map[string]any, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}
