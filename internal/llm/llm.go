// Package llm is the provider boundary: one turn in, text plus tool calls
// out. Providers share the Message/ToolDef shapes so the callers never see
// SDK types.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrContextExhausted marks a request the provider rejected because the
// conversation no longer fits the model's context window. Callers treat it
// as resumable, not fatal.
var ErrContextExhausted = errors.New("model context exhausted")

// Content part types.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

type ContentPart struct {
	Type       string
	Text       string
	ToolCallID string
	ToolName   string
	ArgsJSON   string
	JSON       json.RawMessage
}

type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content []ContentPart
}

// SystemText builds a system-role text message.
func SystemText(text string) Message {
	return Message{Role: "system", Content: []ContentPart{{Type: PartText, Text: text}}}
}

// UserText builds a user-role text message.
func UserText(text string) Message {
	return Message{Role: "user", Content: []ContentPart{{Type: PartText, Text: text}}}
}

// AssistantTurn rebuilds the assistant's side of a turn (its text plus the
// tool calls it made) for the next request's history.
func AssistantTurn(text string, calls []ToolCall) Message {
	msg := Message{Role: "assistant"}
	if strings.TrimSpace(text) != "" {
		msg.Content = append(msg.Content, ContentPart{Type: PartText, Text: text})
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, ContentPart{
			Type:       PartToolCall,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			ArgsJSON:   c.ArgumentsJSON,
		})
	}
	return msg
}

// ToolResults bundles tool outputs into a single tool-role message.
func ToolResults(results map[string]string) Message {
	msg := Message{Role: "tool"}
	for callID, output := range results {
		msg.Content = append(msg.Content, ContentPart{
			Type:       PartToolResult,
			ToolCallID: callID,
			Text:       output,
		})
	}
	return msg
}

type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

type TurnUsage struct {
	InputTokens  int64
	OutputTokens int64
}

type TurnRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int64
}

// Finish reasons, normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishFiltered  = "content_filter"
	FinishUnknown   = "unknown"
)

type TurnResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        TurnUsage
}

// TurnRunner executes one model turn. Implementations wrap a provider SDK.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// contextExhaustionMarkers are substrings providers use in their 400s when
// the prompt exceeds the context window.
var contextExhaustionMarkers = []string{
	"prompt is too long",
	"input is too long",
	"context_length_exceeded",
	"maximum context length",
	"context window",
}

// classifyProviderError folds provider-specific context-window rejections
// into ErrContextExhausted; everything else passes through.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range contextExhaustionMarkers {
		if strings.Contains(lower, marker) {
			return errors.Join(ErrContextExhausted, err)
		}
	}
	return err
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func collectSystemPrompt(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != "system" {
			continue
		}
		for _, part := range msg.Content {
			if txt := strings.TrimSpace(part.Text); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
