package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondloop/secondloop/pkg/vecindex"
)

func TestProcessPendingMessageEmbeddings(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "I watered the plants on friday", true)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleAssistant, "ask answer", false) // non-memory
	require.NoError(t, err)

	n, err := st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only memory-eligible rows embed")

	// Re-running finds nothing pending.
	n, err = st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var pending int
	require.NoError(t, st.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE needs_embedding = 1").Scan(&pending))
	assert.Equal(t, 0, pending)
}

func TestSearchSimilarMessages(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "watered the garden plants", true)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "filed the quarterly tax report", true)
	require.NoError(t, err)

	_, err = st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)

	hits, err := st.SearchSimilarMessages(embedder, "garden plants", 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Message.Content, "garden")
}

func TestSearchScopedToConversation(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	for _, conv := range []string{"c1", "c2"} {
		_, err := st.UpsertConversation(conv, conv, 0)
		require.NoError(t, err)
		_, err = st.InsertMessage(conv, RoleUser, "shared topic text in "+conv, true)
		require.NoError(t, err)
	}
	_, err := st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)

	hits, err := st.SearchSimilarMessages(embedder, "shared topic text", 5, "c2")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "c2", h.Message.ConversationID)
	}
}

func TestSearchSkipsDeletedMessages(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", RoleUser, "soon to be deleted", true)
	require.NoError(t, err)
	_, err = st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)

	require.NoError(t, st.SetMessageDeleted(msg.ID, true))

	hits, err := st.SearchSimilarMessages(embedder, "soon to be deleted", 5, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchSimilarMessagesDefault(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "work friday standup notes", true)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "unrelated gardening", true)
	require.NoError(t, err)

	hits, err := st.SearchSimilarMessagesDefault("work friday", 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Message.Content, "work friday")
	assert.Less(t, hits[0].Distance, 1.0)
}

func TestSetActiveEmbeddingModelRemarksRows(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	_, err = st.InsertMessage("c", RoleUser, "memory one", true)
	require.NoError(t, err)
	_, err = st.ProcessPendingMessageEmbeddings(embedder, 10)
	require.NoError(t, err)

	require.NoError(t, st.SetActiveEmbeddingModel("new-model", 384))

	model, dim, spaceID, err := st.ActiveEmbeddingSpace()
	require.NoError(t, err)
	assert.Equal(t, "new-model", model)
	assert.Equal(t, 384, dim)
	assert.Equal(t, "s_new_model_384", spaceID)

	var pending int
	require.NoError(t, st.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE needs_embedding = 1 AND is_deleted = 0 AND is_memory = 1",
	).Scan(&pending))
	assert.Equal(t, 1, pending, "model switch re-marks every eligible memory row")

	// The switch fills exactly the eligible set into the new space.
	n, err := st.ProcessPendingMessageEmbeddings(renamedEmbedder{name: "new-model"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// renamedEmbedder wraps the hash embedder under a different model name.
type renamedEmbedder struct {
	name string
}

func (r renamedEmbedder) ModelName() string { return r.name }
func (r renamedEmbedder) Dim() int          { return vecindex.HashEmbedderDim }
func (r renamedEmbedder) Embed(texts []string) ([][]float32, error) {
	return vecindex.HashEmbedder{}.Embed(texts)
}

func TestProcessPendingTodoEmbeddings(t *testing.T) {
	st := newTestStore(t)
	embedder := vecindex.HashEmbedder{}

	require.NoError(t, st.UpsertTodo(&Todo{ID: "t1", Title: "buy milk", Status: TodoOpen}))
	require.NoError(t, st.AppendTodoActivity(&TodoActivity{
		TodoID: "t1", Type: ActivityNote, Content: "from the corner store",
	}))

	n, err := st.ProcessPendingTodoEmbeddings(embedder, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "todo plus activity")

	n, err = st.ProcessPendingTodoEmbeddings(embedder, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMessageEmbeddingIncludesAttachmentEnrichment(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", RoleUser, "lunch photo", true)
	require.NoError(t, err)
	att, err := st.InsertAttachment([]byte("fake image bytes"), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, st.LinkMessageAttachment(msg.ID, att.SHA256))
	require.NoError(t, st.UpsertAttachmentPlace(att.SHA256, "en", `{"display_name":"Osaka"}`))
	require.NoError(t, st.UpsertAttachmentAnnotation(att.SHA256, "en", AnnotationImage,
		`{"caption_long":"ramen bowl on a table","tags":["food"]}`))
	require.NoError(t, st.KVSet(KVMediaAnnotationSearch, "1"))

	got, err := st.GetMessage(msg.ID)
	require.NoError(t, err)
	ctx, err := st.BuildMessageRAGContext(got)
	require.NoError(t, err)
	assert.Contains(t, ctx, "lunch photo")
	assert.Contains(t, ctx, "location: Osaka")
	assert.Contains(t, ctx, "image_caption: ramen bowl on a table")
}
