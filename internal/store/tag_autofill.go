package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/secondloop/secondloop/pkg/tags"
)

// Autofill decision thresholds. The top candidate is applied only when all
// hold; otherwise the run records a suggestion.
const (
	autofillApplyConfidence = 0.90
	autofillApplyMargin     = 0.18
	autofillApplyMinSources = 2
	autofillMaxAnnotTags    = 3
)

// autofillSignal is one piece of evidence pointing at a system tag.
type autofillSignal struct {
	Source string  `json:"source"`
	Key    string  `json:"key"`
	Score  float64 `json:"score"`
}

// autofillCandidate aggregates signals for one candidate tag.
type autofillCandidate struct {
	Key        string           `json:"key"`
	Confidence float64          `json:"confidence"`
	Signals    []autofillSignal `json:"signals"`
}

// EnqueueTagAutofillJob queues a message for tag autofill.
func (s *Store) EnqueueTagAutofillJob(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_tag_autofill_jobs (id, message_id, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, 'pending', ?, ?)
	`, uuid.NewString(), messageID, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue autofill job: %w", err)
	}
	return nil
}

// ProcessTagAutofillJobs drains up to limit due autofill jobs. Returns the
// number processed.
func (s *Store) ProcessTagAutofillJobs(limit int) (int, error) {
	if limit <= 0 {
		limit = 16
	}

	type job struct{ id, messageID string }
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT id, message_id FROM message_tag_autofill_jobs
		WHERE status IN ('pending', 'failed') AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at_ms ASC LIMIT ?
	`, nowMs(), limit)
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.id, &j.messageID); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	s.mu.RUnlock()

	processed := 0
	for _, j := range jobs {
		if err := s.runTagAutofillJob(j.id, j.messageID); err != nil {
			s.log.Warn().Err(err).Str("message_id", j.messageID).Msg("tag autofill job failed")
			if ferr := s.failAutofillJob(j.id, err); ferr != nil {
				return processed, ferr
			}
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Store) failAutofillJob(jobID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	_, err := s.db.Exec(`
		UPDATE message_tag_autofill_jobs
		SET status = 'failed', attempts = attempts + 1, last_error = ?,
			next_retry_at = ? + `+backoffSQL("attempts + 1")+`, updated_at_ms = ?
		WHERE id = ?
	`, cause.Error(), now, now, jobID)
	return err
}

// runTagAutofillJob collects signals for one user message, combines them by
// noisy-OR per candidate, and applies or merely suggests the top candidate.
func (s *Store) runTagAutofillJob(jobID, messageID string) error {
	msg, err := s.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.IsDeleted {
		return s.finishAutofillJob(jobID, messageID, AutofillNone, "", 0, nil)
	}

	signals := s.collectAutofillSignals(msg)
	candidates := combineAutofillSignals(signals)

	applyEnabled := true
	if v, err := s.KVGet(KVTagAutofillApplyEnabled); err != nil {
		return err
	} else if KVFlagDisabled(v) {
		applyEnabled = false
	}

	if len(candidates) == 0 {
		return s.finishAutofillJob(jobID, messageID, AutofillNone, "", 0, candidates)
	}

	top := candidates[0]
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Confidence
	}

	shouldApply := applyEnabled &&
		top.Confidence >= autofillApplyConfidence &&
		top.Confidence-second >= autofillApplyMargin &&
		len(top.Signals) >= autofillApplyMinSources

	if !shouldApply {
		return s.finishAutofillJob(jobID, messageID, AutofillSuggested,
			tags.SystemTagID(top.Key), top.Confidence, candidates)
	}

	if _, err := s.EnsureSystemTag(top.Key); err != nil {
		return err
	}
	existing, err := s.MessageTagIDs(messageID)
	if err != nil {
		return err
	}
	tagID := tags.SystemTagID(top.Key)
	if err := s.SetMessageTags(messageID, append(existing, tagID)); err != nil {
		return err
	}
	return s.finishAutofillJob(jobID, messageID, AutofillApplied, tagID, top.Confidence, candidates)
}

// collectAutofillSignals gathers evidence: the domain vocabulary over the
// message text, literal system-key tokens, and suggested tags from linked
// attachment annotations.
func (s *Store) collectAutofillSignals(msg *Message) []autofillSignal {
	var signals []autofillSignal

	if key, exact, ok := tags.MapToSystemKey(msg.Content); ok {
		score := 0.76
		source := "domain_map_partial"
		if exact {
			score = 0.98
			source = "domain_map_exact"
		}
		signals = append(signals, autofillSignal{Source: source, Key: key, Score: score})
	}

	for _, token := range strings.Fields(tags.Normalize(msg.Content)) {
		if key, ok := tags.SystemKeyForToken(token); ok {
			signals = append(signals, autofillSignal{Source: "system_key_token", Key: key, Score: 0.72})
			break
		}
	}

	shas, err := s.AttachmentSHAsForMessage(msg.ID)
	if err != nil {
		return signals
	}
	added := 0
	for _, sha := range shas {
		if added >= autofillMaxAnnotTags {
			break
		}
		payload, _, err := s.AttachmentAnnotation(sha, "en")
		if err != nil || payload == "" {
			continue
		}
		var anno struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal([]byte(payload), &anno); err != nil {
			continue
		}
		for _, suggestion := range anno.Tags {
			if added >= autofillMaxAnnotTags {
				break
			}
			if key, _, ok := tags.MapToSystemKey(suggestion); ok {
				signals = append(signals, autofillSignal{Source: "annotation_tag", Key: key, Score: 0.78})
				added++
			}
		}
	}
	return signals
}

// combineAutofillSignals merges signals per candidate by probabilistic OR and
// ranks candidates by (confidence desc, #sources desc, key asc).
func combineAutofillSignals(signals []autofillSignal) []autofillCandidate {
	byKey := map[string]*autofillCandidate{}
	for _, sig := range signals {
		c, ok := byKey[sig.Key]
		if !ok {
			c = &autofillCandidate{Key: sig.Key}
			byKey[sig.Key] = c
		}
		c.Signals = append(c.Signals, sig)
	}

	var out []autofillCandidate
	for _, c := range byKey {
		remaining := 1.0
		for _, sig := range c.Signals {
			remaining *= 1 - sig.Score
		}
		c.Confidence = 1 - remaining
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if len(out[i].Signals) != len(out[j].Signals) {
			return len(out[i].Signals) > len(out[j].Signals)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// finishAutofillJob marks the job succeeded and appends the decision event.
func (s *Store) finishAutofillJob(jobID, messageID, decision, tagID string, confidence float64, candidates []autofillCandidate) error {
	evidence, err := json.Marshal(map[string]any{"candidates": candidates})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE message_tag_autofill_jobs
			SET status = 'succeeded', attempts = 0, next_retry_at = NULL,
				last_error = NULL, updated_at_ms = ?
			WHERE id = ?
		`, now, jobID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO message_tag_autofill_events
				(id, message_id, decision, applied_tag_id, confidence, evidence_json, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), messageID, decision, nullIfEmpty(tagID), confidence, string(evidence), now)
		return err
	})
}

// ListAutofillEvents returns autofill decisions for a message, newest first.
func (s *Store) ListAutofillEvents(messageID string) ([]*AutofillEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, message_id, decision, applied_tag_id, confidence, evidence_json, created_at_ms
		FROM message_tag_autofill_events WHERE message_id = ?
		ORDER BY created_at_ms DESC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AutofillEvent
	for rows.Next() {
		var e AutofillEvent
		var tagID sql.NullString
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Decision, &tagID,
			&e.Confidence, &e.EvidenceJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AppliedTagID = tagID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// backoffSQL renders the retry backoff 5000ms * 2^(min(attempts,10)-1) as a
// SQL expression over the given attempts expression.
func backoffSQL(attemptsExpr string) string {
	return "(5000 * (1 << (min(" + attemptsExpr + ", 10) - 1)))"
}
