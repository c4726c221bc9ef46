package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/llm"
)

// scriptedRunner replays canned turn results and records what it was asked.
type scriptedRunner struct {
	results  []llm.TurnResult
	errs     []error
	requests []llm.TurnRequest
}

func (r *scriptedRunner) RunTurn(_ context.Context, req llm.TurnRequest) (llm.TurnResult, error) {
	r.requests = append(r.requests, req)
	i := len(r.requests) - 1
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var res llm.TurnResult
	if i < len(r.results) {
		res = r.results[i]
	}
	return res, err
}

func newTestSession(t *testing.T, runner llm.TurnRunner, tools ...Tool) *Session {
	t.Helper()
	s, err := New(Options{
		Runner:       runner,
		Model:        "test-model",
		SystemPrompt: "you are a test agent",
		Tools:        tools,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestProcessMessagePlainText(t *testing.T) {
	runner := &scriptedRunner{results: []llm.TurnResult{{Text: "done", FinishReason: llm.FinishStop}}}
	s := newTestSession(t, runner)

	if err := s.ProcessMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if s.LastText() != "done" {
		t.Fatalf("LastText() = %q", s.LastText())
	}
	if len(runner.requests) != 1 {
		t.Fatalf("turns = %d, want 1", len(runner.requests))
	}
	// System prompt travels with every request.
	req := runner.requests[0]
	if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
		t.Fatalf("first message = %+v, want system prompt", req.Messages)
	}
}

func TestToolLoopExecutesAndFeedsBack(t *testing.T) {
	var gotArgs string
	echo := Tool{
		Def: llm.ToolDef{Name: "echo", Description: "echoes"},
		Handler: func(_ context.Context, argsJSON string) (string, error) {
			gotArgs = argsJSON
			return `{"echoed":true}`, nil
		},
	}
	runner := &scriptedRunner{results: []llm.TurnResult{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", ArgumentsJSON: `{"x":1}`}}, FinishReason: llm.FinishToolCalls},
		{Text: "all done", FinishReason: llm.FinishStop},
	}}
	s := newTestSession(t, runner, echo)

	if err := s.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if gotArgs != `{"x":1}` {
		t.Fatalf("handler args = %q", gotArgs)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("turns = %d, want 2", len(runner.requests))
	}

	// The second request must contain the tool result for c1.
	second := runner.requests[1]
	found := false
	for _, msg := range second.Messages {
		for _, part := range msg.Content {
			if part.Type == llm.PartToolResult && part.ToolCallID == "c1" &&
				strings.Contains(part.Text, "echoed") {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("tool result not fed back into the next turn")
	}
	if s.LastText() != "all done" {
		t.Fatalf("LastText() = %q", s.LastText())
	}
}

func TestToolErrorsReturnToModelNotCaller(t *testing.T) {
	failing := Tool{
		Def: llm.ToolDef{Name: "boom", Description: "fails"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("db locked")
		},
	}
	runner := &scriptedRunner{results: []llm.TurnResult{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "boom", ArgumentsJSON: "{}"}}},
		{Text: "recovered"},
	}}
	s := newTestSession(t, runner, failing)

	if err := s.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatalf("tool failure escalated to caller: %v", err)
	}
	second := runner.requests[1]
	found := false
	for _, msg := range second.Messages {
		for _, part := range msg.Content {
			if part.Type == llm.PartToolResult && strings.Contains(part.Text, "Error: db locked") {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("tool error not reported to the model")
	}
}

func TestUnknownToolReported(t *testing.T) {
	runner := &scriptedRunner{results: []llm.TurnResult{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "ghost", ArgumentsJSON: "{}"}}},
		{Text: "ok"},
	}}
	s := newTestSession(t, runner)
	if err := s.ProcessMessage(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	second := runner.requests[1]
	found := false
	for _, msg := range second.Messages {
		for _, part := range msg.Content {
			if part.Type == llm.PartToolResult && strings.Contains(part.Text, "unknown tool") {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("unknown tool call not reported to the model")
	}
}

func TestRunnerErrorPropagates(t *testing.T) {
	exhausted := errors.Join(llm.ErrContextExhausted, errors.New("400: prompt is too long"))
	runner := &scriptedRunner{errs: []error{exhausted}}
	s := newTestSession(t, runner)

	err := s.ProcessMessage(context.Background(), "go")
	if !errors.Is(err, llm.ErrContextExhausted) {
		t.Fatalf("error = %v, want context exhaustion to propagate", err)
	}
}

func TestContinueInjectsSystemNotice(t *testing.T) {
	runner := &scriptedRunner{results: []llm.TurnResult{
		{Text: "first"},
		{Text: "second"},
	}}
	s := newTestSession(t, runner)
	if err := s.ProcessMessage(context.Background(), "start"); err != nil {
		t.Fatal(err)
	}
	if err := s.Continue(context.Background(), "[INCOMING AGENT MESSAGES]\nDirect from a: \"hi\""); err != nil {
		t.Fatalf("Continue() error = %v", err)
	}

	second := runner.requests[1]
	foundNotice := false
	for _, msg := range second.Messages {
		if msg.Role == "system" && len(msg.Content) > 0 &&
			strings.Contains(msg.Content[0].Text, "INCOMING AGENT MESSAGES") {
			foundNotice = true
		}
	}
	if !foundNotice {
		t.Fatal("notice not injected as system message")
	}
}

func TestRunawayToolLoopCapped(t *testing.T) {
	loop := Tool{
		Def:     llm.ToolDef{Name: "again", Description: "loops"},
		Handler: func(context.Context, string) (string, error) { return "ok", nil },
	}
	runner := &loopingRunner{}
	s := newTestSession(t, runner, loop)

	err := s.ProcessMessage(context.Background(), "go")
	if err == nil || !strings.Contains(err.Error(), "tool loop exceeded") {
		t.Fatalf("error = %v, want loop cap", err)
	}
}

// loopingRunner always asks for another tool call.
type loopingRunner struct{ calls int }

func (r *loopingRunner) RunTurn(context.Context, llm.TurnRequest) (llm.TurnResult, error) {
	r.calls++
	return llm.TurnResult{
		ToolCalls:    []llm.ToolCall{{ID: "c", Name: "again", ArgumentsJSON: "{}"}},
		FinishReason: llm.FinishToolCalls,
	}, nil
}
