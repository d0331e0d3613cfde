package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// EnqueueSemanticParse queues a user message for semantic parsing.
func (s *Store) EnqueueSemanticParse(messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO semantic_parse_jobs (id, message_id, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, 'pending', ?, ?)
	`, id, messageID, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue semantic parse: %w", err)
	}
	return id, nil
}

// ClaimSemanticParseJobs marks up to limit due pending or failed jobs running
// and returns them.
func (s *Store) ClaimSemanticParseJobs(limit int) ([]*SemanticParseJob, error) {
	if limit <= 0 {
		limit = 8
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	rows, err := s.db.Query(`
		SELECT id, message_id, attempts FROM semantic_parse_jobs
		WHERE status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at_ms ASC LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	var jobs []*SemanticParseJob
	for rows.Next() {
		var j SemanticParseJob
		if err := rows.Scan(&j.ID, &j.MessageID, &j.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if _, err := s.db.Exec(`
			UPDATE semantic_parse_jobs SET status = 'running', updated_at_ms = ? WHERE id = ?
		`, now, j.ID); err != nil {
			return nil, err
		}
		j.Status = JobRunning
	}
	return jobs, nil
}

// CompleteSemanticParseJob records the applied action so it can be undone
// exactly once.
func (s *Store) CompleteSemanticParseJob(jobID, actionKind, todoID, todoTitle, prevStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE semantic_parse_jobs
		SET status = 'succeeded', attempts = 0, next_retry_at = NULL, last_error = NULL,
			applied_action_kind = ?, applied_todo_id = ?, applied_todo_title = ?,
			applied_prev_todo_status = ?, updated_at_ms = ?
		WHERE id = ?
	`, nullIfEmpty(actionKind), nullIfEmpty(todoID), nullIfEmpty(todoTitle),
		nullIfEmpty(prevStatus), nowMs(), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete semantic parse job: %w", err)
	}
	return nil
}

// CancelSemanticParseJob marks a job canceled (nothing to apply).
func (s *Store) CancelSemanticParseJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE semantic_parse_jobs SET status = 'canceled', updated_at_ms = ? WHERE id = ?
	`, nowMs(), jobID)
	return err
}

// FailSemanticParseJob records the failure and schedules the retry.
func (s *Store) FailSemanticParseJob(jobID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	_, err := s.db.Exec(`
		UPDATE semantic_parse_jobs
		SET status = 'failed', attempts = attempts + 1, last_error = ?,
			next_retry_at = ? + `+backoffSQL("attempts + 1")+`, updated_at_ms = ?
		WHERE id = ?
	`, cause.Error(), now, now, jobID)
	return err
}

// GetSemanticParseJob fetches one job. Returns nil when absent.
func (s *Store) GetSemanticParseJob(jobID string) (*SemanticParseJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var j SemanticParseJob
	var nextRetry, undoneAt sql.NullInt64
	var lastError, actionKind, todoID, todoTitle, prevStatus sql.NullString
	err := s.db.QueryRow(`
		SELECT id, message_id, status, attempts, next_retry_at, last_error,
			applied_action_kind, applied_todo_id, applied_todo_title,
			applied_prev_todo_status, undone_at_ms, created_at_ms, updated_at_ms
		FROM semantic_parse_jobs WHERE id = ?
	`, jobID).Scan(&j.ID, &j.MessageID, &j.Status, &j.Attempts, &nextRetry, &lastError,
		&actionKind, &todoID, &todoTitle, &prevStatus, &undoneAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.NextRetryAt = nextRetry.Int64
	j.LastError = lastError.String
	j.AppliedActionKind = actionKind.String
	j.AppliedTodoID = todoID.String
	j.AppliedTodoTitle = todoTitle.String
	j.AppliedPrevTodoStatus = prevStatus.String
	j.UndoneAtMs = undoneAt.Int64
	return &j, nil
}

// MarkSemanticParseUndone stamps the undo time, succeeding only the first
// time so the action cannot be reversed twice.
func (s *Store) MarkSemanticParseUndone(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE semantic_parse_jobs SET undone_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND undone_at_ms IS NULL AND status = 'succeeded'
	`, nowMs(), nowMs(), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
