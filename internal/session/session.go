// Package session owns one agent conversation: a system prompt, the running
// history, and a registry of tools the model may call. A "turn" from the
// caller's view is one ProcessMessage or Continue, which internally loops
// model call -> tool execution -> model call until the model stops asking
// for tools.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wardenhq/warden/internal/llm"
)

// maxToolRounds is a safety net against runaway tool loops. Turns are
// normally ended by the model, not this cap.
const maxToolRounds = 50

// Tool pairs a model-visible definition with its handler. Handler errors are
// reported back to the model as tool output, not raised to the caller.
type Tool struct {
	Def     llm.ToolDef
	Handler func(ctx context.Context, argsJSON string) (string, error)
}

type Options struct {
	Logger       *slog.Logger
	Runner       llm.TurnRunner
	Model        string
	SystemPrompt string
	Tools        []Tool
}

type Session struct {
	log      *slog.Logger
	runner   llm.TurnRunner
	model    string
	history  []llm.Message
	defs     []llm.ToolDef
	handlers map[string]func(context.Context, string) (string, error)
	lastText string
}

func New(opts Options) (*Session, error) {
	if opts.Runner == nil {
		return nil, errors.New("missing turn runner")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Session{
		log:      logger.With("component", "session"),
		runner:   opts.Runner,
		model:    opts.Model,
		handlers: make(map[string]func(context.Context, string) (string, error)),
	}
	if strings.TrimSpace(opts.SystemPrompt) != "" {
		s.history = append(s.history, llm.SystemText(opts.SystemPrompt))
	}
	for _, tool := range opts.Tools {
		if tool.Def.Name == "" || tool.Handler == nil {
			return nil, fmt.Errorf("tool %q incomplete", tool.Def.Name)
		}
		if _, dup := s.handlers[tool.Def.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", tool.Def.Name)
		}
		s.defs = append(s.defs, tool.Def)
		s.handlers[tool.Def.Name] = tool.Handler
	}
	return s, nil
}

// ProcessMessage runs a user message through the tool loop.
func (s *Session) ProcessMessage(ctx context.Context, text string) error {
	s.history = append(s.history, llm.UserText(text))
	return s.runLoop(ctx)
}

// Continue injects out-of-band information (arrived messages, subagent
// results) as a system-role note and runs another turn on the existing
// conversation.
func (s *Session) Continue(ctx context.Context, notice string) error {
	if strings.TrimSpace(notice) != "" {
		s.history = append(s.history, llm.SystemText(notice))
	}
	s.history = append(s.history, llm.UserText("Continue with this new information."))
	return s.runLoop(ctx)
}

// LastText is the model's final text output from the most recent turn.
func (s *Session) LastText() string {
	if s == nil {
		return ""
	}
	return s.lastText
}

// HistoryLen reports how many messages the conversation holds.
func (s *Session) HistoryLen() int {
	if s == nil {
		return 0
	}
	return len(s.history)
}

func (s *Session) runLoop(ctx context.Context) error {
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			return fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
		}
		result, err := s.runner.RunTurn(ctx, llm.TurnRequest{
			Model:    s.model,
			Messages: s.history,
			Tools:    s.defs,
		})
		if err != nil {
			return err
		}
		s.history = append(s.history, llm.AssistantTurn(result.Text, result.ToolCalls))
		if result.Text != "" {
			s.lastText = result.Text
		}
		if len(result.ToolCalls) == 0 {
			return nil
		}

		outputs := make(map[string]string, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			outputs[call.ID] = s.executeTool(ctx, call)
		}
		s.history = append(s.history, llm.ToolResults(outputs))
	}
}

func (s *Session) executeTool(ctx context.Context, call llm.ToolCall) string {
	handler, ok := s.handlers[call.Name]
	if !ok {
		s.log.Warn("model called unknown tool", slog.String("tool", call.Name))
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	out, err := handler(ctx, call.ArgumentsJSON)
	if err != nil {
		s.log.Debug("tool failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return "Error: " + err.Error()
	}
	return out
}
