package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"

	"github.com/secondloop/secondloop/pkg/envelope"
	"github.com/secondloop/secondloop/pkg/vecindex"
)

// SimilarMessage is one KNN result.
type SimilarMessage struct {
	Message  *Message `json:"message"`
	Distance float64  `json:"distance"`
}

// ActiveEmbeddingSpace returns the active (model, dim, spaceID), initializing
// to the builtin hash embedder's space on first use.
func (s *Store) ActiveEmbeddingSpace() (string, int, string, error) {
	model, err := s.KVGet(KVActiveEmbeddingModel)
	if err != nil {
		return "", 0, "", err
	}
	if model == "" {
		if err := s.SetActiveEmbeddingModel(vecindex.HashEmbedder{}.ModelName(), vecindex.HashEmbedderDim); err != nil {
			return "", 0, "", err
		}
		model = vecindex.HashEmbedder{}.ModelName()
	}
	dimRaw, err := s.KVGet(KVActiveEmbeddingDim)
	if err != nil {
		return "", 0, "", err
	}
	dim, err := strconv.Atoi(dimRaw)
	if err != nil || dim <= 0 {
		return "", 0, "", fmt.Errorf("invalid active embedding dim %q", dimRaw)
	}
	return model, dim, vecindex.SpaceID(model, dim), nil
}

// SetActiveEmbeddingModel switches the active embedding space: records the
// model in KV, registers the space, creates its vec0 tables, and re-marks
// every eligible memory row for embedding. Old spaces stay queryable so a
// rollback is cheap.
func (s *Store) SetActiveEmbeddingModel(modelName string, dim int) error {
	if modelName == "" || dim <= 0 {
		return fmt.Errorf("embedding model name and dim must be set")
	}
	spaceID := vecindex.SpaceID(modelName, dim)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	return s.withTx(func(tx *sql.Tx) error {
		if err := kvSetTx(tx, KVActiveEmbeddingModel, modelName); err != nil {
			return err
		}
		if err := kvSetTx(tx, KVActiveEmbeddingDim, strconv.Itoa(dim)); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO embedding_spaces (space_id, model_name, dim, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(space_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms
		`, spaceID, modelName, dim, now, now); err != nil {
			return fmt.Errorf("failed to register embedding space: %w", err)
		}
		if err := ensureSpaceTablesTx(tx, spaceID, dim); err != nil {
			return err
		}
		for _, stmt := range []string{
			"UPDATE messages SET needs_embedding = 1 WHERE is_deleted = 0 AND is_memory = 1",
			"UPDATE todos SET needs_embedding = 1",
			"UPDATE todo_activities SET needs_embedding = 1",
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to re-mark rows for embedding: %w", err)
			}
		}
		return nil
	})
}

// ensureSpaceTablesTx creates the three vec0 virtual tables for a space. The
// +id columns are pass-through (not indexed); rows share rowids with their
// source tables so update-by-rowid keeps them aligned.
func ensureSpaceTablesTx(tx *sql.Tx, spaceID string, dim int) error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS message_embeddings__%s USING vec0(
			embedding float[%d], +message_id text, +model_name text)`, spaceID, dim),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS todo_embeddings__%s USING vec0(
			embedding float[%d], +todo_id text, +model_name text)`, spaceID, dim),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS todo_activity_embeddings__%s USING vec0(
			embedding float[%d], +activity_id text, +todo_id text, +model_name text)`, spaceID, dim),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create vec0 table for %s: %w", spaceID, err)
		}
	}
	return nil
}

// BuildMessageRAGContext rebuilds a message's retrieval context: decrypted
// content plus place, attachment, caption, and excerpt enrichment from its
// linked attachments.
func (s *Store) BuildMessageRAGContext(msg *Message) (string, error) {
	ctx, err := s.messageContext(msg)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(vecindex.ComposeMessagePassage(ctx), "passage: "), nil
}

// messageContext gathers the composition inputs for one message.
func (s *Store) messageContext(msg *Message) (vecindex.MessageContext, error) {
	ctx := vecindex.MessageContext{Content: msg.Content}

	captionEnabled, err := s.KVGet(KVMediaAnnotationSearch)
	if err != nil {
		return ctx, err
	}
	ctx.CaptionSearchEnabled = captionEnabled == "1"

	shas, err := s.AttachmentSHAsForMessage(msg.ID)
	if err != nil {
		return ctx, err
	}
	for _, sha := range shas {
		if ctx.PlaceDisplayName == "" {
			if payload, err := s.AttachmentPlace(sha, "en"); err == nil && payload != "" {
				var place struct {
					DisplayName string `json:"display_name"`
				}
				if json.Unmarshal([]byte(payload), &place) == nil {
					ctx.PlaceDisplayName = place.DisplayName
				}
			}
		}
		if ctx.AttachmentTitle == "" {
			if att, err := s.GetAttachment(sha); err == nil && att != nil && att.RelativePath != "" {
				ctx.AttachmentTitle = att.RelativePath
			}
		}
		payload, _, err := s.AttachmentAnnotation(sha, "en")
		if err != nil || payload == "" {
			continue
		}
		var anno struct {
			CaptionLong          string `json:"caption_long"`
			ExtractedTextExcerpt string `json:"extracted_text_excerpt"`
			ReadableTextExcerpt  string `json:"readable_text_excerpt"`
			OCRTextExcerpt       string `json:"ocr_text_excerpt"`
			TranscriptExcerpt    string `json:"transcript_excerpt"`
		}
		if json.Unmarshal([]byte(payload), &anno) != nil {
			continue
		}
		if ctx.CaptionLong == "" {
			ctx.CaptionLong = anno.CaptionLong
		}
		if ctx.ExtractedTextExcerpt == "" {
			ctx.ExtractedTextExcerpt = anno.ExtractedTextExcerpt
		}
		if ctx.ReadableTextExcerpt == "" {
			ctx.ReadableTextExcerpt = anno.ReadableTextExcerpt
			if ctx.ReadableTextExcerpt == "" {
				ctx.ReadableTextExcerpt = anno.TranscriptExcerpt
			}
		}
		if ctx.OCRTextExcerpt == "" {
			ctx.OCRTextExcerpt = anno.OCRTextExcerpt
		}
	}
	return ctx, nil
}

// ProcessPendingMessageEmbeddings embeds up to batchLimit flagged memory
// messages into the active space and clears their flags. Returns the number
// processed.
func (s *Store) ProcessPendingMessageEmbeddings(embedder vecindex.Embedder, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 32
	}
	_, dim, spaceID, err := s.ActiveEmbeddingSpace()
	if err != nil {
		return 0, err
	}
	if embedder.Dim() != dim {
		return 0, fmt.Errorf("embedder dim %d does not match active space dim %d", embedder.Dim(), dim)
	}
	if err := s.ensureSpaceTables(spaceID, dim); err != nil {
		return 0, err
	}

	type pending struct {
		rowid int64
		msg   *Message
	}
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT rowid, id, conversation_id, role, content, created_at, updated_at,
			updated_by_device_id, updated_by_seq, is_deleted, is_memory, needs_embedding
		FROM messages
		WHERE needs_embedding = 1 AND is_deleted = 0 AND is_memory = 1
		ORDER BY created_at ASC LIMIT ?
	`, batchLimit)
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	var batch []pending
	for rows.Next() {
		var rowid int64
		var m Message
		var content []byte
		var isDeleted, isMemory, needsEmbedding int
		if err := rows.Scan(&rowid, &m.ID, &m.ConversationID, &m.Role, &content,
			&m.CreatedAt, &m.UpdatedAt, &m.UpdatedByDeviceID, &m.UpdatedBySeq,
			&isDeleted, &isMemory, &needsEmbedding); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		m.IsMemory = isMemory != 0
		m.Content, err = s.decrypt(content, envelope.AADMessageContent)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		batch = append(batch, pending{rowid: rowid, msg: &m})
	}
	rows.Close()
	s.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		ctx, err := s.messageContext(p.msg)
		if err != nil {
			return 0, err
		}
		texts[i] = vecindex.ComposeMessagePassage(ctx)
	}

	vectors, err := embedder.Embed(texts)
	if err != nil {
		return 0, fmt.Errorf("embedder failed: %w", err)
	}
	if len(vectors) != len(batch) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.withTx(func(tx *sql.Tx) error {
		for i, p := range batch {
			blob, err := sqlite_vec.SerializeFloat32(vectors[i])
			if err != nil {
				return fmt.Errorf("failed to serialize vector: %w", err)
			}
			if len(vectors[i]) != dim {
				return fmt.Errorf("embedder produced dim %d, want %d", len(vectors[i]), dim)
			}
			if err := upsertVectorTx(tx,
				fmt.Sprintf("message_embeddings__%s", spaceID),
				"message_id", p.msg.ID, "", p.rowid, blob, embedder.ModelName()); err != nil {
				return err
			}
			if _, err := tx.Exec(
				"UPDATE messages SET needs_embedding = 0 WHERE id = ?", p.msg.ID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// ProcessPendingTodoEmbeddings embeds flagged todos and their activities into
// the active space. Returns the number of rows processed.
func (s *Store) ProcessPendingTodoEmbeddings(embedder vecindex.Embedder, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 32
	}
	_, dim, spaceID, err := s.ActiveEmbeddingSpace()
	if err != nil {
		return 0, err
	}
	if embedder.Dim() != dim {
		return 0, fmt.Errorf("embedder dim %d does not match active space dim %d", embedder.Dim(), dim)
	}
	if err := s.ensureSpaceTables(spaceID, dim); err != nil {
		return 0, err
	}

	type pendingTodo struct {
		rowid int64
		todo  *Todo
	}
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT rowid, id, title, due_at_ms, status, source_entry_id, created_at_ms,
			updated_at_ms, review_stage, next_review_at_ms, last_review_at_ms, needs_embedding
		FROM todos WHERE needs_embedding = 1
		ORDER BY created_at_ms ASC LIMIT ?
	`, batchLimit)
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	var todosBatch []pendingTodo
	for rows.Next() {
		var rowid int64
		var t Todo
		var title []byte
		var sourceEntry sql.NullString
		var due, stage, nextReview, lastReview sql.NullInt64
		var needsEmbedding int
		if err := rows.Scan(&rowid, &t.ID, &title, &due, &t.Status, &sourceEntry,
			&t.CreatedAt, &t.UpdatedAt, &stage, &nextReview, &lastReview, &needsEmbedding); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		if due.Valid {
			t.DueAtMs = &due.Int64
		}
		t.Title, err = s.decrypt(title, envelope.AADTodoTitle)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		todosBatch = append(todosBatch, pendingTodo{rowid: rowid, todo: &t})
	}
	rows.Close()
	s.mu.RUnlock()

	processed := 0
	if len(todosBatch) > 0 {
		texts := make([]string, len(todosBatch))
		for i, p := range todosBatch {
			texts[i] = vecindex.ComposeTodoPassage(p.todo.Status, p.todo.Title, p.todo.DueAtMs)
		}
		vectors, err := embedder.Embed(texts)
		if err != nil {
			return 0, fmt.Errorf("embedder failed: %w", err)
		}
		s.mu.Lock()
		err = s.withTx(func(tx *sql.Tx) error {
			for i, p := range todosBatch {
				blob, err := sqlite_vec.SerializeFloat32(vectors[i])
				if err != nil {
					return err
				}
				if err := upsertVectorTx(tx,
					fmt.Sprintf("todo_embeddings__%s", spaceID),
					"todo_id", p.todo.ID, "", p.rowid, blob, embedder.ModelName()); err != nil {
					return err
				}
				if _, err := tx.Exec(
					"UPDATE todos SET needs_embedding = 0 WHERE id = ?", p.todo.ID,
				); err != nil {
					return err
				}
			}
			return nil
		})
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		processed += len(todosBatch)
	}

	n, err := s.processPendingActivityEmbeddings(embedder, spaceID, batchLimit)
	if err != nil {
		return processed, err
	}
	return processed + n, nil
}

func (s *Store) processPendingActivityEmbeddings(embedder vecindex.Embedder, spaceID string, batchLimit int) (int, error) {
	type pendingActivity struct {
		rowid    int64
		activity *TodoActivity
	}
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT rowid, id, todo_id, type, from_status, to_status, content,
			source_message_id, created_at_ms, needs_embedding
		FROM todo_activities WHERE needs_embedding = 1
		ORDER BY created_at_ms ASC LIMIT ?
	`, batchLimit)
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	var batch []pendingActivity
	for rows.Next() {
		var rowid int64
		var a TodoActivity
		var from, to, sourceMsg sql.NullString
		var content []byte
		var needsEmbedding int
		if err := rows.Scan(&rowid, &a.ID, &a.TodoID, &a.Type, &from, &to,
			&content, &sourceMsg, &a.CreatedAt, &needsEmbedding); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return 0, err
		}
		a.ToStatus = to.String
		if len(content) > 0 {
			a.Content, err = s.decrypt(content, envelope.AADTodoActivityContent(a.ID))
			if err != nil {
				rows.Close()
				s.mu.RUnlock()
				return 0, err
			}
		}
		batch = append(batch, pendingActivity{rowid: rowid, activity: &a})
	}
	rows.Close()
	s.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = vecindex.ComposeActivityPassage(p.activity.Type, p.activity.ToStatus, p.activity.Content)
	}
	vectors, err := embedder.Embed(texts)
	if err != nil {
		return 0, fmt.Errorf("embedder failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.withTx(func(tx *sql.Tx) error {
		for i, p := range batch {
			blob, err := sqlite_vec.SerializeFloat32(vectors[i])
			if err != nil {
				return err
			}
			if err := upsertVectorTx(tx,
				fmt.Sprintf("todo_activity_embeddings__%s", spaceID),
				"activity_id", p.activity.ID, p.activity.TodoID, p.rowid, blob, embedder.ModelName()); err != nil {
				return err
			}
			if _, err := tx.Exec(
				"UPDATE todo_activities SET needs_embedding = 0 WHERE id = ?", p.activity.ID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// upsertVectorTx updates-or-inserts a vec0 row keyed by the source rowid.
func upsertVectorTx(tx *sql.Tx, table, idCol, id, todoID string, rowid int64, blob []byte, model string) error {
	res, err := tx.Exec(
		fmt.Sprintf("UPDATE %s SET embedding = ? WHERE rowid = ?", table), blob, rowid,
	)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	if idCol == "activity_id" {
		_, err = tx.Exec(fmt.Sprintf(
			"INSERT INTO %s (rowid, embedding, activity_id, todo_id, model_name) VALUES (?, ?, ?, ?, ?)",
			table), rowid, blob, id, todoID, model)
	} else {
		_, err = tx.Exec(fmt.Sprintf(
			"INSERT INTO %s (rowid, embedding, %s, model_name) VALUES (?, ?, ?, ?)",
			table, idCol), rowid, blob, id, model)
	}
	if err != nil {
		return fmt.Errorf("failed to write vector into %s: %w", table, err)
	}
	return nil
}

func (s *Store) ensureSpaceTables(spaceID string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(func(tx *sql.Tx) error {
		return ensureSpaceTablesTx(tx, spaceID, dim)
	})
}

// SearchSimilarMessages embeds the query and returns the topK nearest memory
// messages, deduplicated by rebuilt context. A non-empty conversationID
// restricts results to that conversation (filtered in-process after
// over-fetching, since the vec0 KNN does not take join constraints).
func (s *Store) SearchSimilarMessages(embedder vecindex.Embedder, query string, topK int, conversationID string) ([]*SimilarMessage, error) {
	if topK <= 0 {
		topK = 5
	}
	_, dim, spaceID, err := s.ActiveEmbeddingSpace()
	if err != nil {
		return nil, err
	}
	if embedder.Dim() != dim {
		return nil, fmt.Errorf("embedder dim %d does not match active space dim %d", embedder.Dim(), dim)
	}

	vectors, err := embedder.Embed([]string{vecindex.ComposeQuery(query)})
	if err != nil {
		return nil, fmt.Errorf("embedder failed: %w", err)
	}
	blob, err := sqlite_vec.SerializeFloat32(vectors[0])
	if err != nil {
		return nil, err
	}

	k := topK * 10
	if k > 1000 {
		k = 1000
	}

	s.mu.RLock()
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT rowid, distance FROM message_embeddings__%s
		WHERE embedding MATCH ? AND k = ?
	`, spaceID), blob, k)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	type hit struct {
		rowid    int64
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.rowid, &h.distance); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	s.mu.RUnlock()

	seen := map[string]bool{}
	var out []*SimilarMessage
	for _, h := range hits {
		if len(out) >= topK {
			break
		}
		msg, err := s.messageByRowid(h.rowid)
		if err != nil {
			// Stale rowid after a soft delete: skip the row, keep scanning.
			s.log.Debug().Err(err).Int64("rowid", h.rowid).Msg("skipping stale KNN hit")
			continue
		}
		if msg == nil || msg.IsDeleted || !msg.IsMemory {
			continue
		}
		if conversationID != "" && msg.ConversationID != conversationID {
			continue
		}
		ctxText, err := s.BuildMessageRAGContext(msg)
		if err != nil {
			ctxText = msg.Content
		}
		if seen[ctxText] {
			continue
		}
		seen[ctxText] = true
		out = append(out, &SimilarMessage{Message: msg, Distance: h.distance})
	}
	return out, nil
}

// SearchSimilarMessagesDefault is the lexical fallback used when no embedder
// is available: deterministic scoring over normalized memory messages.
func (s *Store) SearchSimilarMessagesDefault(query string, topK int, conversationID string) ([]*SimilarMessage, error) {
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.Query(messageSelect+`
			WHERE is_deleted = 0 AND is_memory = 1 AND conversation_id = ?
		`, conversationID)
	} else {
		rows, err = s.db.Query(messageSelect + " WHERE is_deleted = 0 AND is_memory = 1")
	}
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var candidates []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		candidates = append(candidates, m)
	}
	rows.Close()
	s.mu.RUnlock()

	type scored struct {
		msg   *Message
		score float64
	}
	var ranked []scored
	for _, m := range candidates {
		score := vecindex.ScoreLexical(query, m.Content)
		if score > 0 {
			ranked = append(ranked, scored{msg: m, score: score})
		}
	}
	// Highest score first; ties break on recency.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].msg.CreatedAt > ranked[j].msg.CreatedAt
	})

	var out []*SimilarMessage
	for _, r := range ranked {
		if len(out) >= topK {
			break
		}
		out = append(out, &SimilarMessage{Message: r.msg, Distance: vecindex.LexicalDistance(r.score)})
	}
	return out, nil
}

func (s *Store) messageByRowid(rowid int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanMessageRow(s.db.QueryRow(messageSelect+" WHERE rowid = ?", rowid))
}
