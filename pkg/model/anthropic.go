package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/harun/relay/pkg/protocol"
)

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client for the given API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := NewStream()
	go c.consume(ctx, params, out)
	return out, nil
}

func (c *AnthropicClient) consume(ctx context.Context, params anthropic.MessageNewParams, out *Stream) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			out.Close(fmt.Errorf("accumulate anthropic event: %w", err))
			return
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if !out.Send(ctx, StreamEvent{Type: EventTextDelta, Delta: text.Text}) {
					out.Close(ctx.Err())
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		out.Close(fmt.Errorf("anthropic stream: %w", err))
		return
	}

	for _, block := range message.Content {
		var item protocol.HistoryItem
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			item = protocol.AssistantMessage{Content: b.Text}
		case anthropic.ToolUseBlock:
			item = protocol.ToolCallItem{
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: b.JSON.Input.Raw(),
			}
		default:
			continue
		}
		if !out.Send(ctx, StreamEvent{Type: EventItemDone, Item: item}) {
			out.Close(ctx.Err())
			return
		}
	}

	usage := protocol.TokenUsage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	if !out.Send(ctx, StreamEvent{Type: EventCompleted, Usage: usage}) {
		out.Close(ctx.Err())
		return
	}
	out.Close(nil)
}

func (c *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}
	system := req.Instructions

	for _, item := range req.Input {
		switch it := item.(type) {
		case protocol.DeveloperMessage:
			if system == "" {
				system = it.Content
			} else {
				system += "\n\n" + it.Content
			}
		case protocol.UserMessage:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(it.Content),
			))
		case protocol.AssistantMessage:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(it.Content),
				},
			})
		case protocol.ToolCallItem:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(it.Arguments), &args); err != nil {
				args = map[string]interface{}{}
			}
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewToolUseBlock(it.CallID, args, it.Name),
				},
			})
		case protocol.ToolResultItem:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(it.CallID, it.Output, !it.Success),
			))
		default:
			log.Warn().Str("kind", item.ItemKind()).Msg("Skipping unknown history item")
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
			}
			if spec.Parameters != nil {
				toolParam.InputSchema = anthropic.ToolInputSchemaParam{
					Properties: spec.Parameters["properties"],
				}
				toolParam.InputSchema.Required = requiredFields(spec.Parameters["required"])
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

// requiredFields normalizes a JSON schema "required" entry, which
// arrives as []interface{} after construction from map literals or a
// JSON round-trip.
func requiredFields(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, field := range v {
			if name, ok := field.(string); ok {
				out = append(out, name)
			}
		}
		return out
	default:
		return nil
	}
}
