package enrich

import (
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/log"
)

func init() {
	log.Setup("error", true, io.Discard)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	st, err := store.Open(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeAnnotator struct {
	payload string
	err     error
	calls   int
}

func (f *fakeAnnotator) Annotate(kind store.AnnotationKind, data []byte, mimeType, lang string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.payload, nil
}

type fakeGeocoder struct {
	payload string
}

func (f *fakeGeocoder) ReverseGeocode(lat, lon float64, lang string) (string, error) {
	return f.payload, nil
}

type fakeExif struct {
	payload string
}

func (f *fakeExif) Extract(data []byte, mimeType string) (string, error) {
	return f.payload, nil
}

func TestAnnotationKindForMime(t *testing.T) {
	kind, ok := AnnotationKindForMime("image/jpeg")
	require.True(t, ok)
	assert.Equal(t, store.AnnotationImage, kind)

	kind, ok = AnnotationKindForMime("application/pdf")
	require.True(t, ok)
	assert.Equal(t, store.AnnotationDocument, kind)

	kind, ok = AnnotationKindForMime("audio/m4a")
	require.True(t, ok)
	assert.Equal(t, store.AnnotationAudio, kind)

	kind, ok = AnnotationKindForMime("video/mp4")
	require.True(t, ok)
	assert.Equal(t, store.AnnotationVideo, kind)

	_, ok = AnnotationKindForMime("application/zip")
	assert.False(t, ok)
}

func TestParseAction(t *testing.T) {
	act := ParseAction("todo: buy milk")
	require.NotNil(t, act)
	assert.Equal(t, ActionCreateTodo, act.Kind)
	assert.Equal(t, "buy milk", act.Title)

	act = ParseAction("待办：买牛奶")
	require.NotNil(t, act)
	assert.Equal(t, ActionCreateTodo, act.Kind)
	assert.Equal(t, "买牛奶", act.Title)

	act = ParseAction("done: buy milk")
	require.NotNil(t, act)
	assert.Equal(t, ActionCompleteTodo, act.Kind)

	act = ParseAction("note: got the oat kind")
	require.NotNil(t, act)
	assert.Equal(t, ActionAddNote, act.Kind)
	assert.Equal(t, "got the oat kind", act.Note)

	assert.Nil(t, ParseAction("just chatting about milk"))
	assert.Nil(t, ParseAction("todo:"))
}

func TestImageAnnotationFlow(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", store.RoleUser, "lunch photo", true)
	require.NoError(t, err)
	att, err := st.InsertAttachment([]byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, st.LinkMessageAttachment(msg.ID, att.SHA256))

	annotator := &fakeAnnotator{payload: `{"caption_long":"a bowl of ramen","tags":["food"]}`}
	p := New(st, annotator, nil, nil, "en")

	require.NoError(t, p.EnqueueForAttachment(att))
	n, err := p.ProcessAnnotationJobs(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, annotator.calls)

	payload, kind, err := st.AttachmentAnnotation(att.SHA256, "en")
	require.NoError(t, err)
	assert.Equal(t, store.AnnotationImage, kind)
	assert.Contains(t, payload, "a bowl of ramen")

	// Completion re-flags the linked message and queues tag autofill.
	got, err := st.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsEmbedding)

	processed, err := st.ProcessTagAutofillJobs(10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "image annotation completion must enqueue autofill")
}

func TestAnnotationFailureSchedulesRetry(t *testing.T) {
	st := newTestStore(t)

	att, err := st.InsertAttachment([]byte("pdf bytes"), "application/pdf")
	require.NoError(t, err)

	annotator := &fakeAnnotator{err: errors.New("model offline")}
	p := New(st, annotator, nil, nil, "en")
	require.NoError(t, p.EnqueueForAttachment(att))

	n, err := p.ProcessAnnotationJobs(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The row is failed with a scheduled retry; it is not claimable yet.
	claimed, err := st.ClaimEnrichmentJobs("attachment_annotations", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestPlaceFlowThroughExifGPS(t *testing.T) {
	st := newTestStore(t)

	att, err := st.InsertAttachment([]byte("photo"), "image/jpeg")
	require.NoError(t, err)

	p := New(st,
		&fakeAnnotator{payload: `{"caption_long":"x"}`},
		&fakeGeocoder{payload: `{"display_name":"Lisbon, Portugal"}`},
		&fakeExif{payload: `{"captured_at_ms":1700000000000,"lat":38.72,"lon":-9.14}`},
		"en")
	require.NoError(t, p.EnqueueForAttachment(att))

	require.NoError(t, p.Drain(10))

	place, err := st.AttachmentPlace(att.SHA256, "en")
	require.NoError(t, err)
	assert.Contains(t, place, "Lisbon")
}

func TestSemanticParseCreateAndUndo(t *testing.T) {
	st := newTestStore(t)
	p := New(st, nil, nil, nil, "en")

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", store.RoleUser, "todo: water the plants", true)
	require.NoError(t, err)

	jobID, err := st.EnqueueSemanticParse(msg.ID)
	require.NoError(t, err)
	n, err := p.ProcessSemanticParseJobs(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := st.GetSemanticParseJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, job.Status)
	assert.Equal(t, ActionCreateTodo, job.AppliedActionKind)
	require.NotEmpty(t, job.AppliedTodoID)

	created, err := st.GetTodo(job.AppliedTodoID)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "water the plants", created.Title)
	assert.Equal(t, msg.ID, created.SourceEntryID)

	// Undo reverses exactly once.
	require.NoError(t, p.UndoSemanticParse(jobID))
	gone, err := st.GetTodo(job.AppliedTodoID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, p.UndoSemanticParse(jobID), "second undo is a no-op")
}

func TestSemanticParseNonActionableCancels(t *testing.T) {
	st := newTestStore(t)
	p := New(st, nil, nil, nil, "en")

	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	msg, err := st.InsertMessage("c", store.RoleUser, "nothing to do here", true)
	require.NoError(t, err)

	jobID, err := st.EnqueueSemanticParse(msg.ID)
	require.NoError(t, err)
	_, err = p.ProcessSemanticParseJobs(10)
	require.NoError(t, err)

	job, err := st.GetSemanticParseJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCanceled, job.Status)
}
