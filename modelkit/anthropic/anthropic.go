// Package anthropic adapts the Anthropic Messages API to the modelkit
// Provider interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

const defaultMaxTokens = 4096

// Options configures the Anthropic adapter.
type Options struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Provider implements modelkit.Provider on the Anthropic Messages API.
type Provider struct {
	client *anthropic.Client
	model  string
}

// New creates an Anthropic provider. An empty APIKey falls back to the
// SDK's environment lookup.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{Model: string(anthropic.ModelClaude3_5Sonnet20241022)}
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
	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, model: opts.Model}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Capabilities() modelkit.Capabilities {
	return modelkit.Capabilities{NativeToolResults: true, Reasoning: true}
}

// Stream starts a generation. Tool-call input JSON arrives as partial
// fragments keyed by block index; calls are emitted complete on block stop.
func (p *Provider) Stream(ctx context.Context, req modelkit.Request) (modelkit.Stream, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	return modelkit.NewEventStream(ctx, func(ctx context.Context, events chan<- modelkit.Event) error {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens(req.MaxTokens),
			Messages:  buildMessages(req.Messages),
		}
		if system := buildSystem(req); system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		acc := newToolAccumulator()
		var usage modelkit.Usage
		stopReason := modelkit.StopEndTurn
		sawToolCall := false

		stream := p.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			switch variant := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					acc.start(variant.Index, block.ID, block.Name, block.Input)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						events <- modelkit.Event{Type: modelkit.EventTextDelta, Text: delta.Text}
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						events <- modelkit.Event{Type: modelkit.EventReasoningDelta, Text: delta.Thinking}
					}
				case anthropic.InputJSONDelta:
					acc.append(variant.Index, delta.PartialJSON)
				}
			case anthropic.ContentBlockStopEvent:
				if call, ok := acc.finish(variant.Index); ok {
					sawToolCall = true
					events <- modelkit.Event{Type: modelkit.EventToolCall, ToolCall: &call}
				}
			case anthropic.MessageDeltaEvent:
				if variant.Usage.OutputTokens > 0 {
					usage.InputTokens = int(variant.Usage.InputTokens)
					usage.OutputTokens = int(variant.Usage.OutputTokens)
				}
				if variant.Delta.StopReason == "max_tokens" {
					stopReason = modelkit.StopMaxTokens
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}

		if sawToolCall && stopReason == modelkit.StopEndTurn {
			stopReason = modelkit.StopToolUse
		}
		events <- modelkit.Event{Type: modelkit.EventStop, StopReason: stopReason, Usage: usage}
		return nil
	}), nil
}

func buildSystem(req modelkit.Request) string {
	parts := make([]string, 0, 2)
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, msg := range req.Messages {
		if msg.Role == modelkit.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func buildMessages(messages []modelkit.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case modelkit.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case modelkit.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, parseArguments(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case modelkit.RoleTool:
			// Anthropic carries tool results inside user messages.
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)))
		}
	}
	return out
}

func parseArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return raw
	}
	return input
}

func buildTools(defs []modelkit.ToolDef) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if m, ok := normalizeSchema(def.InputSchema); ok {
			if props, ok := m["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = schemaRequired(m)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

// normalizeSchema flattens whatever schema value the tool registry hands
// us (map or marshalable struct) into a plain map.
func normalizeSchema(schema any) (map[string]any, bool) {
	if m, ok := schema.(map[string]any); ok {
		return m, true
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func schemaRequired(m map[string]any) []string {
	raw, ok := m["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func maxTokens(requested int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return defaultMaxTokens
}

// toolAccumulator assembles tool-call input JSON streamed across
// content_block_delta events, keyed by block index.
type toolAccumulator struct {
	calls    map[int64]modelkit.ToolCall
	partial  map[int64]*strings.Builder
	fallback map[int64]string
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{
		calls:    make(map[int64]modelkit.ToolCall),
		partial:  make(map[int64]*strings.Builder),
		fallback: make(map[int64]string),
	}
}

func (a *toolAccumulator) start(index int64, id, name string, input any) {
	if input != nil {
		if data, err := json.Marshal(input); err == nil && string(data) != "null" {
			a.fallback[index] = string(data)
		}
	}
	a.calls[index] = modelkit.ToolCall{ID: id, Name: name}
}

func (a *toolAccumulator) append(index int64, partial string) {
	if partial == "" {
		return
	}
	builder := a.partial[index]
	if builder == nil {
		builder = &strings.Builder{}
		a.partial[index] = builder
	}
	builder.WriteString(partial)
}

func (a *toolAccumulator) finish(index int64) (modelkit.ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return modelkit.ToolCall{}, false
	}
	if builder := a.partial[index]; builder != nil && builder.Len() > 0 {
		call.Arguments = builder.String()
	} else if fallback, ok := a.fallback[index]; ok {
		call.Arguments = fallback
	} else {
		call.Arguments = "{}"
	}
	delete(a.calls, index)
	delete(a.partial, index)
	delete(a.fallback, index)
	return call, true
}
