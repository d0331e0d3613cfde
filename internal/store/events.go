package store

import (
	"database/sql"
	"fmt"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// UpsertEvent creates or updates a calendar event and appends event.upsert.v1.
func (s *Store) UpsertEvent(ev *Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event id must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	ct, err := s.encrypt(ev.Title, envelope.AADEventTitle)
	if err != nil {
		return fmt.Errorf("failed to encrypt event title: %w", err)
	}

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
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
		`, ev.ID, ct, ev.StartAtMs, ev.EndAtMs, ev.TZ,
			nullIfEmpty(ev.SourceEntryID), ev.CreatedAt, ev.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert event: %w", err)
		}
		_, err := s.appendOpTx(tx, OpEventUpsert, ev.UpdatedAt, map[string]any{
			"event_id":        ev.ID,
			"title":           ev.Title,
			"start_at_ms":     ev.StartAtMs,
			"end_at_ms":       ev.EndAtMs,
			"tz":              ev.TZ,
			"source_entry_id": ev.SourceEntryID,
			"created_at_ms":   ev.CreatedAt,
			"updated_at_ms":   ev.UpdatedAt,
		})
		return err
	})
}

// GetEvent retrieves an event with decrypted title. Returns nil when absent.
func (s *Store) GetEvent(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ev Event
	var title []byte
	var sourceEntry sql.NullString
	err := s.db.QueryRow(`
		SELECT id, title, start_at_ms, end_at_ms, tz, source_entry_id,
			created_at_ms, updated_at_ms
		FROM events WHERE id = ?
	`, id).Scan(&ev.ID, &title, &ev.StartAtMs, &ev.EndAtMs, &ev.TZ,
		&sourceEntry, &ev.CreatedAt, &ev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.SourceEntryID = sourceEntry.String
	ev.Title, err = s.decrypt(title, envelope.AADEventTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt event title: %w", err)
	}
	return &ev, nil
}

// ListEventsInWindow returns events overlapping [startMs, endMs), soonest first.
func (s *Store) ListEventsInWindow(startMs, endMs int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, start_at_ms, end_at_ms, tz, source_entry_id,
			created_at_ms, updated_at_ms
		FROM events WHERE end_at_ms > ? AND start_at_ms < ?
		ORDER BY start_at_ms ASC
	`, startMs, endMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var title []byte
		var sourceEntry sql.NullString
		if err := rows.Scan(&ev.ID, &title, &ev.StartAtMs, &ev.EndAtMs, &ev.TZ,
			&sourceEntry, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		ev.SourceEntryID = sourceEntry.String
		ev.Title, err = s.decrypt(title, envelope.AADEventTitle)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt event title: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
