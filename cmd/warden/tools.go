package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/subagent"
)

// subagentTools exposes delegation to the model: spawn a child for a task,
// check on it, list what is running.
func subagentTools(m *subagent.Manager) []session.Tool {
	return []session.Tool{
		{
			Def: llm.ToolDef{
				Name:        "subagent",
				Description: "Delegate a task to a child agent that runs in parallel. Returns the subagent id.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What the child agent should do"},"context":{"type":"string","description":"Background the child needs"}},"required":["task"]}`),
			},
			Handler: func(_ context.Context, argsJSON string) (string, error) {
				var args struct {
					Task    string `json:"task"`
					Context string `json:"context"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", fmt.Errorf("subagent: %w", err)
				}
				id, err := m.Spawn(args.Task, args.Context)
				if err != nil {
					return "", err
				}
				return marshalToolResult(map[string]string{"subagent_id": id, "status": subagent.StatusRunning})
			},
		},
		{
			Def: llm.ToolDef{
				Name:        "subagent_status",
				Description: "Check a delegated task. With wait=true, blocks until the subagent finishes.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"subagent_id":{"type":"string"},"wait":{"type":"boolean"}},"required":["subagent_id"]}`),
			},
			Handler: func(_ context.Context, argsJSON string) (string, error) {
				var args struct {
					SubagentID string `json:"subagent_id"`
					Wait       bool   `json:"wait"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", fmt.Errorf("subagent_status: %w", err)
				}
				s, err := m.GetStatus(args.SubagentID, args.Wait)
				if err != nil {
					return "", err
				}
				return marshalToolResult(map[string]string{
					"subagent_id": s.ID,
					"task":        s.Task,
					"status":      s.Status,
					"result":      s.Result,
					"error":       s.Error,
				})
			},
		},
		{
			Def: llm.ToolDef{
				Name:        "subagent_list",
				Description: "List all delegated tasks and their statuses.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: func(context.Context, string) (string, error) {
				subs := m.Subagents()
				out := make([]map[string]string, 0, len(subs))
				for _, s := range subs {
					out = append(out, map[string]string{
						"subagent_id": s.ID,
						"task":        s.Task,
						"status":      s.Status,
					})
				}
				return marshalToolResult(out)
			},
		},
	}
}

// messagingTools let an agent talk to other agents through the message store.
func messagingTools(msgs *notify.Store, senderID string) []session.Tool {
	return []session.Tool{
		{
			Def: llm.ToolDef{
				Name:        "send_message",
				Description: "Send a direct message to another agent by id.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"recipient_id":{"type":"string"},"content":{"type":"string"}},"required":["recipient_id","content"]}`),
			},
			Handler: func(_ context.Context, argsJSON string) (string, error) {
				var args struct {
					RecipientID string `json:"recipient_id"`
					Content     string `json:"content"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", fmt.Errorf("send_message: %w", err)
				}
				id, err := msgs.SendDirect(senderID, args.RecipientID, args.Content, 0)
				if err != nil {
					return "", err
				}
				return marshalToolResult(map[string]string{"message_id": id})
			},
		},
		{
			Def: llm.ToolDef{
				Name:        "publish_message",
				Description: "Publish a message to a named channel.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"channel_id":{"type":"string"},"content":{"type":"string"}},"required":["channel_id","content"]}`),
			},
			Handler: func(_ context.Context, argsJSON string) (string, error) {
				var args struct {
					ChannelID string `json:"channel_id"`
					Content   string `json:"content"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", fmt.Errorf("publish_message: %w", err)
				}
				id, err := msgs.Publish(args.ChannelID, senderID, args.Content)
				if err != nil {
					return "", err
				}
				return marshalToolResult(map[string]string{"message_id": id})
			},
		},
	}
}

func marshalToolResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
