// Package openai adapts the OpenAI Chat Completions API to the modelkit
// Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

// aggCall assembles one tool call from streamed deltas.
type aggCall struct{ id, name, args string }

// Options configures the OpenAI adapter.
type Options struct {
	Model   string
	APIKey  string
	BaseURL string

	// LegacyToolResults marks OpenAI-compatible endpoints that reject
	// tool-role messages. The loop then embeds tool results as text in
	// the assistant message instead of sending structured results.
	LegacyToolResults bool
}

// Provider implements modelkit.Provider on the Chat Completions API.
type Provider struct {
	client *openai.Client
	model  string
	legacy bool
}

// New creates an OpenAI provider. An empty APIKey falls back to the SDK's
// environment lookup.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{Model: openai.ChatModelGPT4oMini}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &Provider{client: &client, model: opts.Model, legacy: opts.LegacyToolResults}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Capabilities() modelkit.Capabilities {
	return modelkit.Capabilities{NativeToolResults: !p.legacy}
}

// Stream starts a generation. Tool-call deltas are aggregated by choice
// index and emitted complete when the finish reason arrives.
func (p *Provider) Stream(ctx context.Context, req modelkit.Request) (modelkit.Stream, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	return modelkit.NewEventStream(ctx, func(ctx context.Context, events chan<- modelkit.Event) error {
		params := openai.ChatCompletionNewParams{
			Model:    model,
			Messages: buildMessages(req),
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
		}
		if req.Temperature != nil {
			params.Temperature = openai.Float(*req.Temperature)
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		agg := map[int64]*aggCall{}
		var usage modelkit.Usage
		stopReason := modelkit.StopEndTurn

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					events <- modelkit.Event{Type: modelkit.EventTextDelta, Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					ac, ok := agg[tc.Index]
					if !ok {
						ac = &aggCall{}
						agg[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				switch choice.FinishReason {
				case "tool_calls":
					stopReason = modelkit.StopToolUse
				case "length":
					stopReason = modelkit.StopMaxTokens
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}

		for _, index := range sortedIndexes(agg) {
			ac := agg[index]
			args := ac.args
			if args == "" {
				args = "{}"
			}
			events <- modelkit.Event{
				Type:     modelkit.EventToolCall,
				ToolCall: &modelkit.ToolCall{ID: ac.id, Name: ac.name, Arguments: args},
			}
		}
		if len(agg) > 0 && stopReason == modelkit.StopEndTurn {
			stopReason = modelkit.StopToolUse
		}
		events <- modelkit.Event{Type: modelkit.EventStop, StopReason: stopReason, Usage: usage}
		return nil
	}), nil
}

func sortedIndexes(agg map[int64]*aggCall) []int64 {
	indexes := make([]int64, 0, len(agg))
	for index := range agg {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

func buildMessages(req modelkit.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case modelkit.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case modelkit.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case modelkit.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: buildToolCalls(msg.ToolCalls),
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case modelkit.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return messages
}

func buildToolCalls(calls []modelkit.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, call := range calls {
		out[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		}
	}
	return out
}

func buildTools(defs []modelkit.ToolDef) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(defs))
	for i, def := range defs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  normalizeSchema(def.InputSchema),
			},
		}
	}
	return tools
}

// normalizeSchema flattens the registry's schema value (map or
// marshalable struct) into the SDK's parameters map.
func normalizeSchema(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
