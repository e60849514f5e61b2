package relay

import (
	"fmt"
	"testing"
)

func TestCollectAccumulates(t *testing.T) {
	stream := NewChatStream(func(yield func(StreamEvent, error) bool) {
		events := []StreamEvent{
			{Type: StreamEventContent, Content: "Hel"},
			{Type: StreamEventContent, Content: "lo"},
			{Type: StreamEventUsage, Usage: &Usage{TokensInput: 10, TokensOutput: 2}},
			{Type: StreamEventDone, FinishReason: "stop"},
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	})

	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("expected content 'Hello', got %q", resp.Content)
	}
	if resp.TokensInput != 10 || resp.TokensOutput != 2 {
		t.Errorf("unexpected usage: in=%d out=%d", resp.TokensInput, resp.TokensOutput)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", resp.FinishReason)
	}
}

func TestCollectMidStreamError(t *testing.T) {
	stream := NewChatStream(func(yield func(StreamEvent, error) bool) {
		if !yield(StreamEvent{Type: StreamEventContent, Content: "partial"}, nil) {
			return
		}
		yield(StreamEvent{}, fmt.Errorf("connection reset"))
	})

	resp, err := stream.Collect()
	if err == nil {
		t.Fatal("expected error")
	}
	if resp.Content != "partial" {
		t.Errorf("expected partial content preserved, got %q", resp.Content)
	}
}

func TestSingleEventStream(t *testing.T) {
	stream := NewSingleEventStream(&ChatResponse{
		Content:      "complete answer",
		TokensInput:  12,
		TokensOutput: 4,
		FinishReason: "stop",
	})

	var types []StreamEventType
	for ev, err := range stream.Iter() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		types = append(types, ev.Type)
	}

	if len(types) != 3 {
		t.Fatalf("expected 3 events, got %d", len(types))
	}
	if types[0] != StreamEventContent || types[1] != StreamEventUsage || types[2] != StreamEventDone {
		t.Errorf("unexpected event order: %v", types)
	}
}

func TestSingleEventStreamEmptyResponse(t *testing.T) {
	stream := NewSingleEventStream(&ChatResponse{})

	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
}

func TestIterEarlyBreak(t *testing.T) {
	yielded := 0
	stream := NewChatStream(func(yield func(StreamEvent, error) bool) {
		for i := 0; i < 10; i++ {
			yielded++
			if !yield(StreamEvent{Type: StreamEventContent, Content: "x"}, nil) {
				return
			}
		}
	})

	seen := 0
	for range stream.Iter() {
		seen++
		if seen == 3 {
			break
		}
	}

	if yielded != 3 {
		t.Errorf("expected iterator to stop after break, yielded %d", yielded)
	}
}
