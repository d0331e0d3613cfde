package store

import (
	"fmt"
)

// Enrichment queue accessors. A row doubles as the job record and the result
// holder: enqueue inserts it pending, the pipeline marks it running, and
// completion writes the encrypted payload with status ok. Failures record
// last_error and schedule a retry at now + 5000ms * 2^(min(attempts,10)-1).

// EnqueuePlaceJob queues reverse-geocoding for an attachment in lang.
func (s *Store) EnqueuePlaceJob(sha, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO attachment_places (sha256, lang, status, updated_at)
		VALUES (?, ?, 'pending', ?)
	`, sha, lang, nowMs())
	if err != nil {
		return fmt.Errorf("failed to enqueue place job: %w", err)
	}
	return nil
}

// EnqueueAnnotationJob queues annotation of an attachment in lang.
func (s *Store) EnqueueAnnotationJob(sha, lang string, kind AnnotationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO attachment_annotations (sha256, lang, kind, status, updated_at)
		VALUES (?, ?, ?, 'pending', ?)
	`, sha, lang, string(kind), nowMs())
	if err != nil {
		return fmt.Errorf("failed to enqueue annotation job: %w", err)
	}
	return nil
}

// EnqueueExifJob queues EXIF extraction for an attachment.
func (s *Store) EnqueueExifJob(sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO attachment_exif (sha256, status, updated_at)
		VALUES (?, 'pending', ?)
	`, sha, nowMs())
	if err != nil {
		return fmt.Errorf("failed to enqueue exif job: %w", err)
	}
	return nil
}

var enrichmentTables = map[string]bool{
	"attachment_exif":        true,
	"attachment_places":      true,
	"attachment_annotations": true,
}

// ClaimEnrichmentJobs selects up to limit due pending or failed jobs from the
// named queue and marks them running. Returns the claimed rows.
func (s *Store) ClaimEnrichmentJobs(table string, limit int) ([]*EnrichmentRow, error) {
	if !enrichmentTables[table] {
		return nil, fmt.Errorf("unknown enrichment table %q", table)
	}
	if limit <= 0 {
		limit = 8
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	cols := "sha256, lang, status, attempts"
	if table == "attachment_annotations" {
		cols = "sha256, lang, kind, status, attempts"
	} else if table == "attachment_exif" {
		cols = "sha256, '', status, attempts"
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY updated_at ASC LIMIT ?
	`, cols, table), now, limit)
	if err != nil {
		return nil, err
	}
	var claimed []*EnrichmentRow
	for rows.Next() {
		var r EnrichmentRow
		var err error
		if table == "attachment_annotations" {
			err = rows.Scan(&r.SHA256, &r.Lang, &r.Kind, &r.Status, &r.Attempts)
		} else {
			err = rows.Scan(&r.SHA256, &r.Lang, &r.Status, &r.Attempts)
		}
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, &r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range claimed {
		if err := s.execEnrichmentUpdate(table, r,
			"status = 'running', updated_at = ?", now); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// FailEnrichmentJob records a failure and schedules the retry.
func (s *Store) FailEnrichmentJob(table string, row *EnrichmentRow, cause error) error {
	if !enrichmentTables[table] {
		return fmt.Errorf("unknown enrichment table %q", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.execEnrichmentUpdate(table, row,
		"status = 'failed', attempts = attempts + 1, last_error = ?, next_retry_at = ? + "+
			backoffSQL("attempts + 1")+", updated_at = ?",
		cause.Error(), now, now)
}

// RetryEnrichmentJob flips a failed job back to pending so the next drain
// picks it up once its next_retry_at passes.
func (s *Store) RetryEnrichmentJob(table string, row *EnrichmentRow) error {
	if !enrichmentTables[table] {
		return fmt.Errorf("unknown enrichment table %q", table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execEnrichmentUpdate(table, row, "status = 'pending', updated_at = ?", nowMs())
}

func (s *Store) execEnrichmentUpdate(table string, row *EnrichmentRow, setClause string, args ...any) error {
	query := fmt.Sprintf("UPDATE %s SET %s WHERE sha256 = ?", table, setClause)
	args = append(args, row.SHA256)
	if table != "attachment_exif" {
		query += " AND lang = ?"
		args = append(args, row.Lang)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update %s job: %w", table, err)
	}
	return nil
}
