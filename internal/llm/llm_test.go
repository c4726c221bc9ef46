package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		exhausted bool
	}{
		{"anthropic prompt too long", fmt.Errorf("400: prompt is too long: 210000 tokens > 200000"), true},
		{"openai context length", fmt.Errorf("400: context_length_exceeded"), true},
		{"generic context window", fmt.Errorf("exceeds the context window of the model"), true},
		{"rate limit untouched", fmt.Errorf("429: rate_limit_error"), false},
		{"auth untouched", fmt.Errorf("401: invalid api key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyProviderError(tt.err)
			if errors.Is(got, ErrContextExhausted) != tt.exhausted {
				t.Fatalf("classifyProviderError(%v) exhausted = %v, want %v",
					tt.err, !tt.exhausted, tt.exhausted)
			}
			if !tt.exhausted && got != tt.err {
				t.Fatalf("non-exhaustion error rewritten: %v", got)
			}
		})
	}
	if classifyProviderError(nil) != nil {
		t.Fatal("nil error rewritten")
	}
}

func TestCollectSystemPrompt(t *testing.T) {
	msgs := []Message{
		SystemText("you are a supervisor"),
		UserText("hello"),
		SystemText("messages arrived"),
	}
	got := collectSystemPrompt(msgs)
	want := "you are a supervisor\n\nmessages arrived"
	if got != want {
		t.Fatalf("collectSystemPrompt() = %q, want %q", got, want)
	}
}

func TestAssistantTurnShape(t *testing.T) {
	msg := AssistantTurn("thinking done", []ToolCall{
		{ID: "call-1", Name: "goap_dispatch_action", ArgumentsJSON: `{"action_id":"a1"}`},
	})
	if msg.Role != "assistant" || len(msg.Content) != 2 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Content[0].Type != PartText || msg.Content[1].Type != PartToolCall {
		t.Fatalf("content order = %s, %s", msg.Content[0].Type, msg.Content[1].Type)
	}
	if msg.Content[1].ToolCallID != "call-1" || msg.Content[1].ToolName != "goap_dispatch_action" {
		t.Fatalf("tool call part = %+v", msg.Content[1])
	}

	empty := AssistantTurn("", nil)
	if len(empty.Content) != 0 {
		t.Fatalf("empty turn has content: %+v", empty.Content)
	}
}

func TestToolResultsShape(t *testing.T) {
	msg := ToolResults(map[string]string{"call-1": "ok"})
	if msg.Role != "tool" || len(msg.Content) != 1 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Content[0].ToolCallID != "call-1" || msg.Content[0].Text != "ok" {
		t.Fatalf("part = %+v", msg.Content[0])
	}
}

func TestToStringSlice(t *testing.T) {
	got := toStringSlice([]any{"a", 1, "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("toStringSlice() = %v", got)
	}
	if toStringSlice("not a slice") != nil {
		t.Fatal("non-slice input should yield nil")
	}
}
