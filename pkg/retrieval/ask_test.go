package retrieval

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/log"
	"github.com/secondloop/secondloop/pkg/vecindex"
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

// applyMessageAt injects a message with a controlled created_at through the
// apply path, the same way a peer's op would arrive.
func applyMessageAt(t *testing.T, st *store.Store, seq int64, msgID, convID, content string, createdAt int64) {
	t.Helper()
	require.NoError(t, st.ApplyOp(&store.Op{
		OpID:     uuid.NewString(),
		DeviceID: "dev-peer",
		Seq:      seq,
		TsMs:     createdAt,
		Type:     store.OpMessageInsert,
		Payload: map[string]any{
			"message_id":      msgID,
			"conversation_id": convID,
			"role":            store.RoleUser,
			"content":         content,
			"created_at_ms":   createdAt,
			"is_memory":       true,
		},
	}))
}

// collectSink records every frame it receives.
type collectSink struct {
	frames []string
	failAt int // fail on the Nth Add (1-based); 0 = never
}

func (s *collectSink) Add(chunk string) error {
	if s.failAt > 0 && len(s.frames)+1 >= s.failAt {
		return errors.New("consumer gone")
	}
	s.frames = append(s.frames, chunk)
	return nil
}

// fakeProvider replays scripted events.
type fakeProvider struct {
	events []StreamEvent
	err    error
	called bool
}

func (p *fakeProvider) StreamAnswer(prompt string, emit func(StreamEvent) error) error {
	p.called = true
	for _, ev := range p.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return p.err
}

func TestCollectScopedContextsTimeWindowAndIncludeTag(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, vecindex.HashEmbedder{}, nil, "", false)

	now := time.Now().UnixMilli()
	day := int64(86_400_000)

	applyMessageAt(t, st, 1, "m-old-work", "conv", "work monday", now-8*day)
	applyMessageAt(t, st, 2, "m-new-work", "conv", "work friday", now-2*day)
	applyMessageAt(t, st, 3, "m-personal", "conv", "personal friday", now-2*day)

	require.NoError(t, st.SetMessageTags("m-old-work", []string{"system.tag.work"}))
	require.NoError(t, st.SetMessageTags("m-new-work", []string{"system.tag.work"}))

	start := now - 7*day
	contexts, err := svc.CollectScopedContexts(&Scope{
		ConversationID: "conv",
		ThisThreadOnly: true,
		TopK:           5,
		IncludeTags:    []string{"system.tag.work"},
		TimeStartMs:    &start,
		TimeEndMs:      &now,
	})
	require.NoError(t, err)
	require.Len(t, contexts, 1, "only the tagged message inside the window survives")
	assert.Contains(t, contexts[0], "work friday")
}

func TestCollectScopedContextsExcludeTags(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, vecindex.HashEmbedder{}, nil, "", false)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "keep me", now-1000)
	applyMessageAt(t, st, 2, "m2", "conv", "drop me", now-900)
	require.NoError(t, st.SetMessageTags("m2", []string{"system.tag.work"}))

	start := now - 10_000
	contexts, err := svc.CollectScopedContexts(&Scope{
		ConversationID: "conv",
		ThisThreadOnly: true,
		TopK:           5,
		ExcludeTags:    []string{"system.tag.work"},
		TimeStartMs:    &start,
	})
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0], "keep me")
}

func TestCollectScopedContextsNewestLast(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, vecindex.HashEmbedder{}, nil, "", false)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "older entry", now-5000)
	applyMessageAt(t, st, 2, "m2", "conv", "newer entry", now-1000)

	start := now - 10_000
	contexts, err := svc.CollectScopedContexts(&Scope{
		ConversationID: "conv",
		ThisThreadOnly: true,
		TopK:           5,
		TimeStartMs:    &start,
	})
	require.NoError(t, err)
	require.Len(t, contexts, 2)
	assert.Contains(t, contexts[0], "older entry")
	assert.Contains(t, contexts[1], "newer entry")
}

func TestCollectScopedContextsEmptyScopeReturnsNothing(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, vecindex.HashEmbedder{}, nil, "", false)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "anything", now)

	contexts, err := svc.CollectScopedContexts(&Scope{
		ConversationID: "conv", ThisThreadOnly: true, TopK: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, contexts, "an empty scope belongs to unscoped retrieval")
}

func TestStrictModeNoMatchesEmitsLocalizedFallback(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", false)

	sink := &collectSink{}
	err := svc.AskAIStreamScoped("conv", "Wo war ich letzte Woche?", &Scope{
		TopK:        5,
		IncludeTags: []string{"tag-that-does-not-exist"},
		StrictMode:  true,
		Locale:      "de",
	}, sink)
	require.NoError(t, err)

	require.Equal(t, []string{noResultsEN, ""}, sink.frames,
		"non-Chinese locales get the English fallback, then the end frame")
	assert.False(t, provider.called, "no provider call on the strict empty path")

	// Both the question and the fallback answer persist as non-memory.
	msgs, err := st.ListConversationMessages("conv")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	contents := map[string]string{}
	for _, m := range msgs {
		assert.False(t, m.IsMemory)
		contents[m.Role] = m.Content
	}
	assert.Equal(t, "Wo war ich letzte Woche?", contents[store.RoleUser])
	assert.Equal(t, noResultsEN, contents[store.RoleAssistant])
}

func TestStrictModeChineseLocale(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, vecindex.HashEmbedder{}, &fakeProvider{}, "", false)

	sink := &collectSink{}
	err := svc.AskAIStreamScoped("conv", "上周我去哪了？", &Scope{
		TopK:        5,
		IncludeTags: []string{"missing"},
		StrictMode:  true,
		Locale:      "zh-CN",
	}, sink)
	require.NoError(t, err)
	require.NotEmpty(t, sink.frames)
	assert.Equal(t, noResultsZH, sink.frames[0])
}

func TestStreamForwardsDeltasAndPersists(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "watered the plants", now-1000)
	start := now - 10_000

	provider := &fakeProvider{events: []StreamEvent{
		{TextDelta: "You "},
		{TextDelta: "watered the plants."},
		{Done: true},
	}}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", false)

	sink := &collectSink{}
	err := svc.AskAIStreamScoped("conv", "what did I do?", &Scope{
		TopK: 5, TimeStartMs: &start,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"You ", "watered the plants.", ""}, sink.frames)

	msgs, err := st.ListConversationMessages("conv")
	require.NoError(t, err)
	require.Len(t, msgs, 3) // the memory + question + answer
	var answer *store.Message
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			answer = m
		}
	}
	require.NotNil(t, answer)
	assert.Equal(t, "You watered the plants.", answer.Content)
	assert.False(t, answer.IsMemory)
}

func TestStreamCancelledConvertsToSuccess(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "context", now-1000)
	start := now - 10_000

	provider := &fakeProvider{events: []StreamEvent{
		{TextDelta: "one"}, {TextDelta: "two"}, {Done: true},
	}}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", false)

	sink := &collectSink{failAt: 2}
	err := svc.AskAIStreamScoped("conv", "q", &Scope{TopK: 5, TimeStartMs: &start}, sink)
	assert.NoError(t, err, "a dropped sink is not an error")

	// Nothing persisted on cancellation.
	msgs, err := st.ListConversationMessages("conv")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestProviderErrorBecomesErrorFrame(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "context", now-1000)
	start := now - 10_000

	provider := &fakeProvider{err: errors.New("upstream exploded")}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", false)

	sink := &collectSink{}
	err := svc.AskAIStreamScoped("conv", "q", &Scope{TopK: 5, TimeStartMs: &start}, sink)
	require.NoError(t, err, "provider errors terminate the stream, not the call")

	require.NotEmpty(t, sink.frames)
	last := sink.frames[len(sink.frames)-1]
	assert.True(t, strings.HasPrefix(last, ErrorFramePrefix))
	assert.Contains(t, last, "upstream exploded")
}

func TestEmptyProviderResponseSurfacesError(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "context", now-1000)
	start := now - 10_000

	provider := &fakeProvider{events: []StreamEvent{{Done: true}}}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", false)

	sink := &collectSink{}
	require.NoError(t, svc.AskAIStreamScoped("conv", "q", &Scope{TopK: 5, TimeStartMs: &start}, sink))

	last := sink.frames[len(sink.frames)-1]
	assert.True(t, strings.HasPrefix(last, ErrorFramePrefix))
	assert.Contains(t, last, "empty response from LLM")
}

func TestCloudRequestIDMetaFrame(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UnixMilli()
	applyMessageAt(t, st, 1, "m1", "conv", "context", now-1000)
	start := now - 10_000

	provider := &fakeProvider{events: []StreamEvent{
		{Role: "secondloop_request_id:req-123"},
		{TextDelta: "answer"},
		{Done: true},
	}}
	svc := NewService(st, vecindex.HashEmbedder{}, provider, "", true)

	sink := &collectSink{}
	require.NoError(t, svc.AskAIStreamScoped("conv", "q", &Scope{TopK: 5, TimeStartMs: &start}, sink))

	require.GreaterOrEqual(t, len(sink.frames), 3)
	assert.True(t, strings.HasPrefix(sink.frames[0], MetaFramePrefix))
	assert.Contains(t, sink.frames[0], `"request_id":"req-123"`)
	assert.Equal(t, "answer", sink.frames[1])
}

func TestBuildPromptShape(t *testing.T) {
	prompt := BuildPrompt("Loop", []string{"ctx one", "ctx two"}, "where was I?")
	assert.Contains(t, prompt, "You are Loop, a helpful personal assistant.")
	assert.Contains(t, prompt, "Reply in the same language")
	assert.Contains(t, prompt, `1. "ctx one"`)
	assert.Contains(t, prompt, `2. "ctx two"`)
	assert.True(t, strings.HasSuffix(prompt, "Question: where was I?"))
}
