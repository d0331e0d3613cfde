package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageInsertOp(deviceID string, seq int64, msgID, convID, role, content string, createdAt int64, isMemory bool) *Op {
	return makeOp(deviceID, seq, OpMessageInsert, createdAt, map[string]any{
		"message_id":      msgID,
		"conversation_id": convID,
		"role":            role,
		"content":         content,
		"created_at_ms":   createdAt,
		"is_memory":       isMemory,
	})
}

func messageSetOp(deviceID string, seq int64, msgID, convID, role, content string, createdAt, updatedAt int64, deleted, isMemory bool) *Op {
	return makeOp(deviceID, seq, OpMessageSet, updatedAt, map[string]any{
		"message_id":      msgID,
		"conversation_id": convID,
		"role":            role,
		"content":         content,
		"created_at_ms":   createdAt,
		"updated_at_ms":   updatedAt,
		"is_deleted":      deleted,
		"is_memory":       isMemory,
	})
}

func TestApplyIdempotent(t *testing.T) {
	st := newTestStore(t)

	op := messageInsertOp("dev-x", 1, "m1", "c1", RoleUser, "hello", 1000, true)
	require.NoError(t, st.ApplyOp(op))
	require.NoError(t, st.ApplyOp(op))

	msg, err := st.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Content)

	entries, err := st.OpsForDevice("dev-x", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyMessageBeforeConversationCreatesPlaceholder(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.ApplyOp(
		messageInsertOp("dev-x", 1, "m1", "c-late", RoleUser, "early", 1000, true)))

	conv, err := st.GetConversation("c-late")
	require.NoError(t, err)
	require.NotNil(t, conv, "placeholder parent must exist")
	assert.Equal(t, "", conv.Title)

	// The real upsert LWW-dominates the placeholder.
	require.NoError(t, st.ApplyOp(makeOp("dev-x", 2, OpConversationUpsert, 2000, map[string]any{
		"conversation_id": "c-late",
		"title":           "real title",
		"created_at_ms":   500,
		"updated_at_ms":   2000,
	})))
	conv, err = st.GetConversation("c-late")
	require.NoError(t, err)
	assert.Equal(t, "real title", conv.Title)
}

func TestLWWConvergenceEitherOrder(t *testing.T) {
	older := messageSetOp("dev-a", 2, "m1", "c1", RoleUser, "older", 1000, 2000, false, true)
	newerOp := messageSetOp("dev-b", 5, "m1", "c1", RoleUser, "newer", 1000, 3000, false, true)

	for name, order := range map[string][]*Op{
		"old-then-new": {older, newerOp},
		"new-then-old": {newerOp, older},
	} {
		st := newTestStore(t)
		for _, op := range order {
			require.NoError(t, st.ApplyOp(op), name)
		}
		msg, err := st.GetMessage("m1")
		require.NoError(t, err, name)
		assert.Equal(t, "newer", msg.Content, name)
		assert.Equal(t, "dev-b", msg.UpdatedByDeviceID, name)
	}
}

func TestLWWTieBreaksOnDeviceID(t *testing.T) {
	a := messageSetOp("dev-a", 1, "m1", "c1", RoleUser, "from a", 1000, 2000, false, true)
	b := messageSetOp("dev-b", 1, "m1", "c1", RoleUser, "from b", 1000, 2000, false, true)

	for _, order := range [][]*Op{{a, b}, {b, a}} {
		st := newTestStore(t)
		for _, op := range order {
			require.NoError(t, st.ApplyOp(op))
		}
		msg, err := st.GetMessage("m1")
		require.NoError(t, err)
		assert.Equal(t, "from b", msg.Content, "higher device id wins the tie")
	}
}

func TestAttachmentTombstoneBlocksResurrection(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.ApplyOp(makeOp("dev-x", 1, OpAttachmentDelete, 5000, map[string]any{
		"sha256":        "abc",
		"deleted_at_ms": 5000,
	})))

	// An upsert created at or before the tombstone is dropped.
	require.NoError(t, st.ApplyOp(makeOp("dev-y", 1, OpAttachmentUpsert, 4000, map[string]any{
		"sha256":        "abc",
		"mime_type":     "image/png",
		"byte_len":      10,
		"created_at_ms": 4000,
	})))
	att, err := st.GetAttachment("abc")
	require.NoError(t, err)
	assert.Nil(t, att, "tombstoned attachment must not resurrect")

	// A later re-add clears the tombstone.
	require.NoError(t, st.ApplyOp(makeOp("dev-y", 2, OpAttachmentUpsert, 6000, map[string]any{
		"sha256":        "abc",
		"mime_type":     "image/png",
		"byte_len":      10,
		"created_at_ms": 6000,
	})))
	att, err = st.GetAttachment("abc")
	require.NoError(t, err)
	require.NotNil(t, att)

	ts, err := st.AttachmentTombstone("abc")
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestTodoTombstoneBlocksResurrection(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.ApplyOp(makeOp("dev-x", 1, OpTodoDelete, 5000, map[string]any{
		"todo_id":       "t1",
		"deleted_at_ms": 5000,
	})))
	require.NoError(t, st.ApplyOp(makeOp("dev-y", 1, OpTodoUpsert, 4000, map[string]any{
		"todo_id":       "t1",
		"title":         "ghost",
		"status":        TodoOpen,
		"created_at_ms": 4000,
		"updated_at_ms": 4000,
	})))

	todo, err := st.GetTodo("t1")
	require.NoError(t, err)
	assert.Nil(t, todo)
}

func TestNonMemoryPropagationToPrecedingUserMessage(t *testing.T) {
	st := newTestStore(t)

	question := messageInsertOp("dev-x", 7, "q1", "c1", RoleUser, "what did I do?", 1000, true)
	answer := messageInsertOp("dev-x", 8, "a1", "c1", RoleAssistant, "you rested", 1001, false)
	require.NoError(t, st.ApplyOps([]*Op{question, answer}))

	q, err := st.GetMessage("q1")
	require.NoError(t, err)
	assert.False(t, q.IsMemory, "the preceding question must be pulled out of memory")
	assert.False(t, q.NeedsEmbedding)

	a, err := st.GetMessage("a1")
	require.NoError(t, err)
	assert.False(t, a.IsMemory)
}

func TestActivityMoveOverrideResistsReordering(t *testing.T) {
	st := newTestStore(t)

	// The move arrives before the append.
	require.NoError(t, st.ApplyOp(makeOp("dev-x", 2, OpTodoActivityMove, 3000, map[string]any{
		"activity_id": "act1",
		"to_todo_id":  "todo-new",
		"moved_at_ms": 3000,
	})))
	require.NoError(t, st.ApplyOp(makeOp("dev-x", 1, OpTodoActivityAppend, 1000, map[string]any{
		"activity_id":   "act1",
		"todo_id":       "todo-old",
		"type":          ActivityNote,
		"content":       "note body",
		"created_at_ms": 1000,
	})))

	acts, err := st.ListTodoActivities("todo-new")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "note body", acts[0].Content)

	old, err := st.ListTodoActivities("todo-old")
	require.NoError(t, err)
	assert.Empty(t, old, "the pre-move parent must not hold the activity")

	// An older move cannot regress the override.
	require.NoError(t, st.ApplyOp(makeOp("dev-y", 1, OpTodoActivityMove, 2000, map[string]any{
		"activity_id": "act1",
		"to_todo_id":  "todo-older",
		"moved_at_ms": 2000,
	})))
	acts, err = st.ListTodoActivities("todo-new")
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestApplyMessageTagSet(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ApplyOp(
		messageInsertOp("dev-x", 1, "m1", "c1", RoleUser, "msg", 1000, true)))

	require.NoError(t, st.ApplyOp(makeOp("dev-x", 2, OpMessageTagSet, 2000, map[string]any{
		"message_id": "m1",
		"tag_ids":    []any{"system.tag.work", "custom-1"},
	})))

	ids, err := st.MessageTagIDs("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-1", "system.tag.work"}, ids)

	// A later set rewrites the whole set.
	require.NoError(t, st.ApplyOp(makeOp("dev-x", 3, OpMessageTagSet, 3000, map[string]any{
		"message_id": "m1",
		"tag_ids":    []any{"system.tag.travel"},
	})))
	ids, err = st.MessageTagIDs("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system.tag.travel"}, ids)
}

func TestApplyUnknownOpTypeIsRecordedButSkipped(t *testing.T) {
	st := newTestStore(t)

	op := makeOp("dev-x", 1, "future.op.v9", 1000, map[string]any{"x": "y"})
	require.NoError(t, st.ApplyOp(op))

	has, err := st.HasOp(op.OpID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestApplyEnrichmentMarksLinkedMessages(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.ApplyOps([]*Op{
		messageInsertOp("dev-x", 1, "m1", "c1", RoleUser, "photo note", 1000, true),
		makeOp("dev-x", 2, OpAttachmentUpsert, 1000, map[string]any{
			"sha256": "sha-1", "mime_type": "image/png", "byte_len": 3, "created_at_ms": 1000,
		}),
		makeOp("dev-x", 3, OpMessageAttachmentLink, 1000, map[string]any{
			"message_id": "m1", "sha256": "sha-1", "created_at_ms": 1000,
		}),
	}))

	// Clear the flag, then let a place payload arrive.
	_, err := st.db.Exec("UPDATE messages SET needs_embedding = 0 WHERE id = 'm1'")
	require.NoError(t, err)

	require.NoError(t, st.ApplyOp(makeOp("dev-y", 1, OpAttachmentPlaceUpsert, 2000, map[string]any{
		"sha256": "sha-1", "lang": "en",
		"payload":       `{"display_name":"Kyoto"}`,
		"updated_at_ms": 2000,
	})))

	msg, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, msg.NeedsEmbedding, "place completion must re-flag linked messages")

	place, err := st.AttachmentPlace("sha-1", "en")
	require.NoError(t, err)
	assert.Contains(t, place, "Kyoto")
}
