package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// OpenAIRunner runs turns against the OpenAI Responses API.
type OpenAIRunner struct {
	client openai.Client
}

func NewOpenAIRunner(apiKey string) *OpenAIRunner {
	return &OpenAIRunner{client: openai.NewClient(ooption.WithAPIKey(apiKey))}
}

func (r *OpenAIRunner) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if r == nil {
		return TurnResult{}, errors.New("nil runner")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}

	items := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if instructions := collectSystemPrompt(req.Messages); instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := r.client.Responses.New(ctx, params)
	if err != nil {
		return TurnResult{}, classifyProviderError(err)
	}

	result := TurnResult{
		Text: strings.TrimSpace(resp.OutputText()),
		Usage: TurnUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, item := range resp.Output {
		call, ok := item.AsAny().(oresponses.ResponseFunctionToolCall)
		if !ok {
			continue
		}
		args := strings.TrimSpace(call.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:            strings.TrimSpace(call.CallID),
			Name:          strings.TrimSpace(call.Name),
			ArgumentsJSON: args,
		})
	}

	switch {
	case len(result.ToolCalls) > 0:
		result.FinishReason = FinishToolCalls
	case resp.IncompleteDetails.Reason == "max_output_tokens":
		result.FinishReason = FinishLength
	case resp.IncompleteDetails.Reason == "content_filter":
		result.FinishReason = FinishFiltered
	default:
		result.FinishReason = FinishStop
	}
	return result, nil
}

func buildOpenAITools(defs []ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(strings.TrimSpace(def.Name), schema, false))
	}
	return out
}

func buildOpenAIInput(messages []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			// Carried via Instructions.
		case "tool":
			for _, part := range msg.Content {
				if part.Type != PartToolResult {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				output := strings.TrimSpace(part.Text)
				if output == "" && len(part.JSON) > 0 {
					output = string(part.JSON)
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
			}
		case "assistant":
			for _, part := range msg.Content {
				switch part.Type {
				case PartToolCall:
					callID := strings.TrimSpace(part.ToolCallID)
					name := strings.TrimSpace(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					args := strings.TrimSpace(part.ArgsJSON)
					if args == "" || !json.Valid([]byte(args)) {
						args = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(args, callID, name))
				default:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
					}
				}
			}
		default:
			for _, part := range msg.Content {
				if txt := strings.TrimSpace(part.Text); txt != "" {
					items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
				}
			}
		}
	}
	return items
}
