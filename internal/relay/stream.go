package relay

import "iter"

// StreamEventType identifies the kind of delta carried by a StreamEvent.
type StreamEventType string

const (
	// StreamEventContent is a text content delta.
	StreamEventContent StreamEventType = "content"
	// StreamEventUsage carries token counts, emitted at most once before done.
	StreamEventUsage StreamEventType = "usage"
	// StreamEventDone signals normal end of stream.
	StreamEventDone StreamEventType = "done"
)

// Usage holds the token counts reported by the upstream provider.
type Usage struct {
	TokensInput  int `json:"tokens_input"`
	TokensOutput int `json:"tokens_output"`
}

// StreamEvent is a single normalized delta from a provider stream.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Content      string          `json:"content,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ChatStream wraps a provider's streaming iterator. Callers must consume it,
// either by ranging over Iter (breaking early is fine) or via Collect; the
// provider holds its HTTP response body open until the iterator finishes or
// is abandoned by a loop break.
type ChatStream struct {
	iterator iter.Seq2[StreamEvent, error]
}

// NewChatStream creates a ChatStream from a raw iterator. The iterator yields
// events with a nil error for normal deltas and a non-nil error for mid-stream
// failures, after which it must stop.
func NewChatStream(iterator iter.Seq2[StreamEvent, error]) *ChatStream {
	return &ChatStream{iterator: iterator}
}

// NewSingleEventStream wraps a completed response as a stream: one content
// event, a usage event, then done. Used as the fallback for providers that
// do not implement StreamProvider.
func NewSingleEventStream(resp *ChatResponse) *ChatStream {
	return NewChatStream(func(yield func(StreamEvent, error) bool) {
		if resp.Content != "" {
			if !yield(StreamEvent{Type: StreamEventContent, Content: resp.Content}, nil) {
				return
			}
		}
		if resp.TokensInput > 0 || resp.TokensOutput > 0 {
			usage := &Usage{TokensInput: resp.TokensInput, TokensOutput: resp.TokensOutput}
			if !yield(StreamEvent{Type: StreamEventUsage, Usage: usage}, nil) {
				return
			}
		}
		yield(StreamEvent{Type: StreamEventDone, FinishReason: resp.FinishReason}, nil)
	})
}

// Iter returns the underlying iterator for range-over-func loops.
func (s *ChatStream) Iter() iter.Seq2[StreamEvent, error] {
	return s.iterator
}

// Collect consumes the whole stream and returns the accumulated response.
// A mid-stream error returns the partial response together with the error.
func (s *ChatStream) Collect() (*ChatResponse, error) {
	acc := &ChatResponse{}
	for event, err := range s.iterator {
		if err != nil {
			return acc, err
		}
		switch event.Type {
		case StreamEventContent:
			acc.Content += event.Content
		case StreamEventUsage:
			if event.Usage != nil {
				acc.TokensInput = event.Usage.TokensInput
				acc.TokensOutput = event.Usage.TokensOutput
			}
		case StreamEventDone:
			acc.FinishReason = event.FinishReason
		}
	}
	return acc, nil
}
