package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/pkg/envelope"
)

// KV key prefixes for the per-activity move override.
const (
	kvActivityTodoOverridePrefix  = "todo_activity.todo_id_override:"
	kvActivityTodoUpdatedAtPrefix = "todo_activity.todo_id_updated_at:"
	kvTagDeletedAtPrefix          = "tag.deleted_at:"
)

// UpsertTodo creates or updates a todo and appends todo.upsert.v1.
func (s *Store) UpsertTodo(todo *Todo) error {
	if todo.ID == "" {
		return fmt.Errorf("todo id must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	if todo.CreatedAt == 0 {
		todo.CreatedAt = now
	}
	todo.UpdatedAt = now
	if todo.Status == "" {
		todo.Status = TodoInbox
	}

	return s.withTx(func(tx *sql.Tx) error {
		return s.upsertTodoTx(tx, todo, true)
	})
}

func (s *Store) upsertTodoTx(tx *sql.Tx, todo *Todo, emitOp bool) error {
	ct, err := s.encrypt(todo.Title, envelope.AADTodoTitle)
	if err != nil {
		return fmt.Errorf("failed to encrypt todo title: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO todos (id, title, due_at_ms, status, source_entry_id,
			created_at_ms, updated_at_ms, review_stage, next_review_at_ms,
			last_review_at_ms, needs_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			due_at_ms = excluded.due_at_ms,
			status = excluded.status,
			source_entry_id = excluded.source_entry_id,
			updated_at_ms = excluded.updated_at_ms,
			review_stage = excluded.review_stage,
			next_review_at_ms = excluded.next_review_at_ms,
			last_review_at_ms = excluded.last_review_at_ms,
			needs_embedding = 1
	`, todo.ID, ct, todo.DueAtMs, todo.Status, nullIfEmpty(todo.SourceEntryID),
		todo.CreatedAt, todo.UpdatedAt, todo.ReviewStage, todo.NextReviewAtMs,
		todo.LastReviewAtMs); err != nil {
		return fmt.Errorf("failed to upsert todo: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM todo_deletions WHERE todo_id = ? AND deleted_at_ms < ?
	`, todo.ID, todo.CreatedAt); err != nil {
		return fmt.Errorf("failed to clear todo tombstone: %w", err)
	}
	if !emitOp {
		return nil
	}
	_, err = s.appendOpTx(tx, OpTodoUpsert, todo.UpdatedAt, map[string]any{
		"todo_id":           todo.ID,
		"title":             todo.Title,
		"due_at_ms":         optInt64(todo.DueAtMs),
		"status":            todo.Status,
		"source_entry_id":   todo.SourceEntryID,
		"created_at_ms":     todo.CreatedAt,
		"updated_at_ms":     todo.UpdatedAt,
		"review_stage":      optInt64(todo.ReviewStage),
		"next_review_at_ms": optInt64(todo.NextReviewAtMs),
		"last_review_at_ms": optInt64(todo.LastReviewAtMs),
	})
	return err
}

// GetTodo retrieves a todo with decrypted title. Returns nil when absent.
func (s *Store) GetTodo(id string) (*Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanTodoRow(s.db.QueryRow(todoSelect+" WHERE id = ?", id))
}

const todoSelect = `
	SELECT id, title, due_at_ms, status, source_entry_id, created_at_ms,
		updated_at_ms, review_stage, next_review_at_ms, last_review_at_ms, needs_embedding
	FROM todos`

func (s *Store) getTodoTx(tx *sql.Tx, id string) (*Todo, error) {
	return s.scanTodoRowScanner(tx.QueryRow(todoSelect+" WHERE id = ?", id))
}

func (s *Store) scanTodoRow(row *sql.Row) (*Todo, error) {
	t, err := s.scanTodoRowScanner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *Store) scanTodoRowScanner(sc rowScanner) (*Todo, error) {
	var t Todo
	var title []byte
	var sourceEntry sql.NullString
	var due, stage, nextReview, lastReview sql.NullInt64
	var needsEmbedding int
	err := sc.Scan(&t.ID, &title, &due, &t.Status, &sourceEntry, &t.CreatedAt,
		&t.UpdatedAt, &stage, &nextReview, &lastReview, &needsEmbedding)
	if err != nil {
		return nil, err
	}
	t.NeedsEmbedding = needsEmbedding != 0
	if sourceEntry.Valid {
		t.SourceEntryID = sourceEntry.String
	}
	if due.Valid {
		t.DueAtMs = &due.Int64
	}
	if stage.Valid {
		t.ReviewStage = &stage.Int64
	}
	if nextReview.Valid {
		t.NextReviewAtMs = &nextReview.Int64
	}
	if lastReview.Valid {
		t.LastReviewAtMs = &lastReview.Int64
	}
	t.Title, err = s.decrypt(title, envelope.AADTodoTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt todo %s: %w", t.ID, err)
	}
	return &t, nil
}

// ListTodos returns todos filtered by status ("" = all), newest first.
func (s *Store) ListTodos(status string) ([]*Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(todoSelect+" WHERE status = ? ORDER BY created_at_ms DESC", status)
	} else {
		rows, err = s.db.Query(todoSelect + " ORDER BY created_at_ms DESC")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Todo
	for rows.Next() {
		t, err := s.scanTodoRowScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTodoStatus transitions a todo's status in one transaction: the row
// update, a status_change activity, and — when the todo is recurring and the
// new status is done — the spawn of the next occurrence.
func (s *Store) SetTodoStatus(id, newStatus string) (*Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Todo
	err := s.withTx(func(tx *sql.Tx) error {
		cur, err := s.getTodoTx(tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("todo not found: %s", id)
		}
		fromStatus := cur.Status
		now := nowMs()

		cur.Status = newStatus
		cur.UpdatedAt = now
		// Leaving the inbox clears review scheduling.
		if fromStatus == TodoInbox && newStatus != TodoInbox {
			cur.ReviewStage = nil
			cur.NextReviewAtMs = nil
			last := now
			cur.LastReviewAtMs = &last
		}
		if err := s.upsertTodoTx(tx, cur, true); err != nil {
			return err
		}

		activity := &TodoActivity{
			ID:         uuid.NewString(),
			TodoID:     id,
			Type:       ActivityStatusChange,
			FromStatus: fromStatus,
			ToStatus:   newStatus,
			CreatedAt:  now,
		}
		if err := s.appendTodoActivityTx(tx, activity); err != nil {
			return err
		}

		if newStatus == TodoDone {
			if err := s.maybeSpawnNextRecurringTodoTx(tx, cur); err != nil {
				return err
			}
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecurrenceRule is the decoded rule_json.
type RecurrenceRule struct {
	Freq string `json:"freq"` // daily | weekly | monthly
}

func recurrenceIntervalMs(freq string) int64 {
	const day = int64(86_400_000)
	switch freq {
	case "weekly":
		return 7 * day
	case "monthly":
		return 30 * day
	default:
		return day
	}
}

// maybeSpawnNextRecurringTodoTx spawns the next occurrence of a recurring
// series when a todo completes: id <series>:<index+1>, due shifted by the
// rule interval, rule carried forward unchanged.
func (s *Store) maybeSpawnNextRecurringTodoTx(tx *sql.Tx, done *Todo) error {
	rec, err := s.getTodoRecurrenceTx(tx, done.ID)
	if err != nil || rec == nil {
		return err
	}
	var rule RecurrenceRule
	if err := json.Unmarshal([]byte(rec.RuleJSON), &rule); err != nil {
		return fmt.Errorf("failed to decode recurrence rule for %s: %w", done.ID, err)
	}

	now := nowMs()
	nextIndex := rec.OccurrenceIndex + 1
	nextID := fmt.Sprintf("%s:%d", rec.SeriesID, nextIndex)

	var nextDue *int64
	if done.DueAtMs != nil {
		d := *done.DueAtMs + recurrenceIntervalMs(rule.Freq)
		nextDue = &d
	}

	next := &Todo{
		ID:        nextID,
		Title:     done.Title,
		DueAtMs:   nextDue,
		Status:    TodoOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.upsertTodoTx(tx, next, true); err != nil {
		return err
	}
	return s.upsertTodoRecurrenceTx(tx, &TodoRecurrence{
		TodoID:          nextID,
		SeriesID:        rec.SeriesID,
		OccurrenceIndex: nextIndex,
		RuleJSON:        rec.RuleJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, true)
}

// UpsertTodoRecurrence attaches a recurrence rule to a todo and appends
// todo.recurrence.upsert.v1.
func (s *Store) UpsertTodoRecurrence(rec *TodoRecurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.withTx(func(tx *sql.Tx) error {
		return s.upsertTodoRecurrenceTx(tx, rec, true)
	})
}

func (s *Store) upsertTodoRecurrenceTx(tx *sql.Tx, rec *TodoRecurrence, emitOp bool) error {
	if _, err := tx.Exec(`
		INSERT INTO todo_recurrences (todo_id, series_id, occurrence_index, rule_json,
			created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(todo_id) DO UPDATE SET
			series_id = excluded.series_id,
			occurrence_index = excluded.occurrence_index,
			rule_json = excluded.rule_json,
			updated_at_ms = excluded.updated_at_ms
	`, rec.TodoID, rec.SeriesID, rec.OccurrenceIndex, rec.RuleJSON,
		rec.CreatedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert recurrence: %w", err)
	}
	if !emitOp {
		return nil
	}
	_, err := s.appendOpTx(tx, OpTodoRecurrenceUpsert, rec.UpdatedAt, map[string]any{
		"todo_id":          rec.TodoID,
		"series_id":        rec.SeriesID,
		"occurrence_index": rec.OccurrenceIndex,
		"rule_json":        rec.RuleJSON,
		"created_at_ms":    rec.CreatedAt,
		"updated_at_ms":    rec.UpdatedAt,
	})
	return err
}

// GetTodoRecurrence returns the recurrence row for a todo, nil if none.
func (s *Store) GetTodoRecurrence(todoID string) (*TodoRecurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanTodoRecurrence(s.db.QueryRow(todoRecurrenceSelect, todoID))
}

const todoRecurrenceSelect = `
	SELECT todo_id, series_id, occurrence_index, rule_json, created_at_ms, updated_at_ms
	FROM todo_recurrences WHERE todo_id = ?`

func (s *Store) getTodoRecurrenceTx(tx *sql.Tx, todoID string) (*TodoRecurrence, error) {
	return scanTodoRecurrence(tx.QueryRow(todoRecurrenceSelect, todoID))
}

func scanTodoRecurrence(row *sql.Row) (*TodoRecurrence, error) {
	var r TodoRecurrence
	err := row.Scan(&r.TodoID, &r.SeriesID, &r.OccurrenceIndex, &r.RuleJSON,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AppendTodoActivity appends an activity and its op. The per-activity move
// override is consulted first so a late-arriving append cannot resurrect a
// pre-move parent.
func (s *Store) AppendTodoActivity(activity *TodoActivity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt == 0 {
		activity.CreatedAt = nowMs()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		return s.appendTodoActivityTx(tx, activity)
	})
}

func (s *Store) appendTodoActivityTx(tx *sql.Tx, activity *TodoActivity) error {
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
			return fmt.Errorf("failed to encrypt activity content: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO todo_activities (id, todo_id, type, from_status,
			to_status, content, source_message_id, created_at_ms, needs_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, activity.ID, activity.TodoID, activity.Type,
		nullIfEmpty(activity.FromStatus), nullIfEmpty(activity.ToStatus), ct,
		nullIfEmpty(activity.SourceMessageID), activity.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	_, err := s.appendOpTx(tx, OpTodoActivityAppend, activity.CreatedAt, map[string]any{
		"activity_id":       activity.ID,
		"todo_id":           activity.TodoID,
		"type":              activity.Type,
		"from_status":       activity.FromStatus,
		"to_status":         activity.ToStatus,
		"content":           activity.Content,
		"source_message_id": activity.SourceMessageID,
		"created_at_ms":     activity.CreatedAt,
	})
	return err
}

// MoveTodoActivity reparents an activity onto another todo, recording the
// move in KV so out-of-order appends respect it.
func (s *Store) MoveTodoActivity(activityID, toTodoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if err := applyActivityMoveTx(tx, activityID, toTodoID, now); err != nil {
			return err
		}
		_, err := s.appendOpTx(tx, OpTodoActivityMove, now, map[string]any{
			"activity_id": activityID,
			"to_todo_id":  toTodoID,
			"moved_at_ms": now,
		})
		return err
	})
}

// applyActivityMoveTx applies a move iff it is newer than the stored
// per-activity override timestamp.
func applyActivityMoveTx(tx *sql.Tx, activityID, toTodoID string, movedAt int64) error {
	stored, err := kvGetTx(tx, kvActivityTodoUpdatedAtPrefix+activityID)
	if err != nil {
		return err
	}
	if stored != "" {
		var storedAt int64
		fmt.Sscanf(stored, "%d", &storedAt)
		if movedAt <= storedAt {
			return nil
		}
	}
	if _, err := tx.Exec(
		"UPDATE todo_activities SET todo_id = ? WHERE id = ?", toTodoID, activityID,
	); err != nil {
		return fmt.Errorf("failed to move activity: %w", err)
	}
	if err := kvSetTx(tx, kvActivityTodoOverridePrefix+activityID, toTodoID); err != nil {
		return err
	}
	return kvSetTx(tx, kvActivityTodoUpdatedAtPrefix+activityID, fmt.Sprintf("%d", movedAt))
}

// LinkActivityAttachment records an activity⇄attachment link and its op.
func (s *Store) LinkActivityAttachment(activityID, sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO todo_activity_attachments (activity_id, attachment_sha256, created_at)
			VALUES (?, ?, ?)
		`, activityID, sha256, now); err != nil {
			return fmt.Errorf("failed to link activity attachment: %w", err)
		}
		_, err := s.appendOpTx(tx, OpActivityAttachmentLink, now, map[string]any{
			"activity_id":   activityID,
			"sha256":        sha256,
			"created_at_ms": now,
		})
		return err
	})
}

// ListTodoActivities returns a todo's activities in chronological order.
func (s *Store) ListTodoActivities(todoID string) ([]*TodoActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, todo_id, type, from_status, to_status, content,
			source_message_id, created_at_ms, needs_embedding
		FROM todo_activities WHERE todo_id = ? ORDER BY created_at_ms ASC, id ASC
	`, todoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TodoActivity
	for rows.Next() {
		a, err := s.scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) scanActivity(sc rowScanner) (*TodoActivity, error) {
	var a TodoActivity
	var from, to, sourceMsg sql.NullString
	var content []byte
	var needsEmbedding int
	err := sc.Scan(&a.ID, &a.TodoID, &a.Type, &from, &to, &content,
		&sourceMsg, &a.CreatedAt, &needsEmbedding)
	if err != nil {
		return nil, err
	}
	a.FromStatus = from.String
	a.ToStatus = to.String
	a.SourceMessageID = sourceMsg.String
	a.NeedsEmbedding = needsEmbedding != 0
	if len(content) > 0 {
		a.Content, err = s.decrypt(content, envelope.AADTodoActivityContent(a.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt activity %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// DeleteTodo hard-deletes a todo with a tombstone, without touching linked
// messages or attachments. Appends todo.delete.v1.
func (s *Store) DeleteTodo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		return s.deleteTodoTx(tx, id)
	})
}

func (s *Store) deleteTodoTx(tx *sql.Tx, id string) error {
	now := nowMs()
	if _, err := s.appendOpTx(tx, OpTodoDelete, now, map[string]any{
		"todo_id":       id,
		"deleted_at_ms": now,
	}); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO todo_deletions (todo_id, deleted_at_ms) VALUES (?, ?)
		ON CONFLICT(todo_id) DO UPDATE SET
			deleted_at_ms = max(todo_deletions.deleted_at_ms, excluded.deleted_at_ms)
	`, id, now); err != nil {
		return fmt.Errorf("failed to write todo tombstone: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM todo_activity_attachments WHERE activity_id IN
			(SELECT id FROM todo_activities WHERE todo_id = ?)`,
		"DELETE FROM todo_activities WHERE todo_id = ?",
		"DELETE FROM todo_recurrences WHERE todo_id = ?",
		"DELETE FROM todos WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("failed to delete todo %s: %w", id, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
