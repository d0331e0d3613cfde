// Package retrieval implements scoped Ask-AI: context collection over
// encrypted messages (time windows, tag sets, conversation focus), RAG prompt
// assembly, and answer streaming through the fallible-sink protocol.
package retrieval

import (
	"errors"
	"strings"
)

// RS is the ASCII record separator framing control messages on the sink; it
// cannot occur in normal assistant text.
const RS = "\u001e"

// Sink control frames.
const (
	ErrorFramePrefix = RS + "SL_ERROR" + RS
	MetaFramePrefix  = RS + "SL_META" + RS
)

// cloudRequestIDRolePrefix marks a provider role carrying a cloud-gateway
// request id.
const cloudRequestIDRolePrefix = "secondloop_request_id:"

// ErrStreamCancelled reports that the consumer dropped the sink. The
// outermost streaming call converts it to success.
var ErrStreamCancelled = errors.New("retrieval: stream cancelled")

// ErrEmptyResponse reports a provider that finished without one text delta.
var ErrEmptyResponse = errors.New("empty response from LLM")

// Sink receives stream output. Add returning an error means the consumer is
// gone; emission stops without surfacing a failure.
type Sink interface {
	Add(chunk string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(chunk string) error

// Add implements Sink.
func (f SinkFunc) Add(chunk string) error { return f(chunk) }

// StreamEvent is one provider callback: a role marker, a text delta, or the
// terminal done signal.
type StreamEvent struct {
	Role      string
	TextDelta string
	Done      bool
}

// AnswerProvider streams a chat completion for a prompt. The emit callback's
// error aborts the stream (propagated unchanged).
type AnswerProvider interface {
	StreamAnswer(prompt string, emit func(StreamEvent) error) error
}

// cloudRequestID extracts the request id from a role marker, "" if absent.
func cloudRequestID(role string) string {
	if strings.HasPrefix(role, cloudRequestIDRolePrefix) {
		return strings.TrimPrefix(role, cloudRequestIDRolePrefix)
	}
	return ""
}
