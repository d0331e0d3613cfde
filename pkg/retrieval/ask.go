package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/log"
	"github.com/secondloop/secondloop/pkg/vecindex"
)

// Localized strict-mode fallbacks.
const (
	noResultsEN = "No matching records were found in the scoped memories."
	noResultsZH = "在限定的记忆范围内没有找到匹配的记录。"
)

// Scope narrows context collection for one ask.
type Scope struct {
	ConversationID string
	TopK           int
	ThisThreadOnly bool
	// Half-open window [TimeStartMs, TimeEndMs); nil bounds are unbounded.
	TimeStartMs *int64
	TimeEndMs   *int64
	IncludeTags []string
	ExcludeTags []string
	StrictMode  bool
	Locale      string
}

func (sc *Scope) empty() bool {
	return len(sc.IncludeTags) == 0 && len(sc.ExcludeTags) == 0 &&
		sc.TimeStartMs == nil && sc.TimeEndMs == nil
}

// Service answers questions over the vault.
type Service struct {
	store    *store.Store
	embedder vecindex.Embedder
	provider AnswerProvider
	persona  string
	// emitCloudMeta forwards cloud-gateway request ids as SL_META frames.
	emitCloudMeta bool
	log           zerolog.Logger
}

// NewService creates a retrieval service. embedder may be nil (lexical
// fallback); provider may be nil only if streaming asks are never used.
func NewService(st *store.Store, embedder vecindex.Embedder, provider AnswerProvider, persona string, emitCloudMeta bool) *Service {
	if persona == "" {
		persona = "Loop"
	}
	return &Service{
		store:         st,
		embedder:      embedder,
		provider:      provider,
		persona:       persona,
		emitCloudMeta: emitCloudMeta,
		log:           log.WithComponent("retrieval"),
	}
}

// CollectScopedContexts walks messages newest-first within the scope's focus,
// applies include tags, exclude tags, memory eligibility, and the time
// window, rebuilds each survivor's RAG context, caps at top_k, and reverses
// so the newest context lands last in the prompt.
//
// An entirely empty scope returns no contexts: the caller is expected to use
// unscoped retrieval instead.
func (s *Service) CollectScopedContexts(scope *Scope) ([]string, error) {
	if scope.empty() {
		return nil, nil
	}
	limit := scope.TopK
	if limit < 1 {
		limit = 1
	}

	include, err := s.store.MessageIDsWithAnyTag(scope.IncludeTags)
	if err != nil {
		return nil, err
	}
	exclude, err := s.store.MessageIDsWithAnyTag(scope.ExcludeTags)
	if err != nil {
		return nil, err
	}

	focusConversation := ""
	if scope.ThisThreadOnly {
		focusConversation = scope.ConversationID
	}

	var contexts []string
	err = s.store.WalkMessageIDs(focusConversation, func(id string) (bool, error) {
		if len(scope.IncludeTags) > 0 && !include[id] {
			return true, nil
		}
		if len(scope.ExcludeTags) > 0 && exclude[id] {
			return true, nil
		}
		msg, err := s.store.GetMessage(id)
		if err != nil {
			return false, err
		}
		if msg == nil || msg.IsDeleted || !msg.IsMemory {
			return true, nil
		}
		if scope.TimeStartMs != nil && msg.CreatedAt < *scope.TimeStartMs {
			return true, nil
		}
		if scope.TimeEndMs != nil && msg.CreatedAt >= *scope.TimeEndMs {
			return true, nil
		}

		ctx, err := s.store.BuildMessageRAGContext(msg)
		if err != nil {
			// Best-effort: fall back to the raw decrypted content.
			ctx = msg.Content
		}
		if strings.TrimSpace(ctx) == "" {
			return true, nil
		}
		contexts = append(contexts, ctx)
		return len(contexts) < limit, nil
	})
	if err != nil {
		return nil, err
	}

	// Newest last.
	for i, j := 0, len(contexts)-1; i < j; i, j = i+1, j-1 {
		contexts[i], contexts[j] = contexts[j], contexts[i]
	}
	return contexts, nil
}

// AskAIStreamScoped streams an answer for question over the scoped memories,
// persisting both the question and the answer as non-memory messages.
func (s *Service) AskAIStreamScoped(conversationID, question string, scope *Scope, sink Sink) error {
	if scope == nil {
		scope = &Scope{}
	}
	scope.ConversationID = conversationID

	contexts, err := s.CollectScopedContexts(scope)
	if err != nil {
		return err
	}
	if len(contexts) == 0 && !scope.StrictMode && scope.empty() {
		contexts, err = s.unscopedContexts(conversationID, question, scope.TopK)
		if err != nil {
			return err
		}
	}

	if scope.StrictMode && len(contexts) == 0 {
		// Localized no-results terminal: no provider call, both messages
		// persisted as non-memory.
		text := noResultsEN
		if strings.HasPrefix(strings.ToLower(scope.Locale), "zh") {
			text = noResultsZH
		}
		if err := sink.Add(text); err != nil {
			return nil
		}
		if err := sink.Add(""); err != nil {
			return nil
		}
		return s.persistExchange(conversationID, question, text)
	}

	prompt := BuildPrompt(s.persona, contexts, question)
	answer, err := s.streamAnswer(prompt, sink)
	if err == ErrStreamCancelled {
		return nil
	}
	if err != nil {
		// finish_ask_ai_stream contract: non-cancel provider errors become a
		// trailing error frame, not a surfaced failure.
		if sinkErr := sink.Add(ErrorFramePrefix + err.Error()); sinkErr != nil {
			return nil
		}
		return nil
	}
	return s.persistExchange(conversationID, question, answer)
}

// streamAnswer drives the provider, forwarding deltas to the sink. Returns
// the accumulated answer text.
func (s *Service) streamAnswer(prompt string, sink Sink) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("no answer provider configured")
	}

	var answer strings.Builder
	metaEmitted := false
	gotDelta := false

	err := s.provider.StreamAnswer(prompt, func(ev StreamEvent) error {
		if id := cloudRequestID(ev.Role); id != "" && s.emitCloudMeta && !metaEmitted {
			metaEmitted = true
			meta, _ := json.Marshal(map[string]string{
				"type":       "cloud_request_id",
				"request_id": id,
			})
			if err := sink.Add(MetaFramePrefix + string(meta)); err != nil {
				return ErrStreamCancelled
			}
		}
		if ev.TextDelta != "" {
			gotDelta = true
			answer.WriteString(ev.TextDelta)
			if err := sink.Add(ev.TextDelta); err != nil {
				return ErrStreamCancelled
			}
		}
		if ev.Done {
			if err := sink.Add(""); err != nil {
				return ErrStreamCancelled
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStreamCancelled) {
			return "", ErrStreamCancelled
		}
		return "", err
	}
	if !gotDelta {
		return "", ErrEmptyResponse
	}
	return answer.String(), nil
}

// persistExchange records the question and answer as non-memory messages.
func (s *Service) persistExchange(conversationID, question, answer string) error {
	if _, err := s.store.InsertMessage(conversationID, store.RoleUser, question, false); err != nil {
		return err
	}
	_, err := s.store.InsertMessage(conversationID, store.RoleAssistant, answer, false)
	return err
}

// unscopedContexts feeds the prompt from vector (or lexical-fallback) search
// when the caller asked without any scope.
func (s *Service) unscopedContexts(conversationID, question string, topK int) ([]string, error) {
	var hits []*store.SimilarMessage
	var err error
	if s.embedder != nil {
		hits, err = s.store.SearchSimilarMessages(s.embedder, question, topK, "")
	} else {
		hits, err = s.store.SearchSimilarMessagesDefault(question, topK, "")
	}
	if err != nil {
		return nil, err
	}
	contexts := make([]string, 0, len(hits))
	for i := len(hits) - 1; i >= 0; i-- {
		ctx, err := s.store.BuildMessageRAGContext(hits[i].Message)
		if err != nil {
			ctx = hits[i].Message.Content
		}
		if strings.TrimSpace(ctx) != "" {
			contexts = append(contexts, ctx)
		}
	}
	return contexts, nil
}
