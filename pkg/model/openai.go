package model

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/harun/relay/pkg/protocol"
)

// OpenAIClient implements Client on the OpenAI Chat Completions API.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient builds a client for the given API key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// aggCall accumulates streamed tool call deltas (id, name, arguments).
type aggCall struct {
	id   string
	name string
	args string
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	params := c.buildParams(req)

	out := NewStream()
	go c.consume(ctx, params, out)
	return out, nil
}

func (c *OpenAIClient) consume(ctx context.Context, params openai.ChatCompletionNewParams, out *Stream) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	var text string
	toolAgg := map[int64]*aggCall{}
	var order []int64
	var usage protocol.TokenUsage

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = protocol.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text += choice.Delta.Content
				if !out.Send(ctx, StreamEvent{Type: EventTextDelta, Delta: choice.Delta.Content}) {
					out.Close(ctx.Err())
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
		}
	}
	if err := stream.Err(); err != nil {
		out.Close(fmt.Errorf("openai stream: %w", err))
		return
	}

	if text != "" {
		if !out.Send(ctx, StreamEvent{Type: EventItemDone, Item: protocol.AssistantMessage{Content: text}}) {
			out.Close(ctx.Err())
			return
		}
	}
	for _, idx := range order {
		ac := toolAgg[idx]
		item := protocol.ToolCallItem{CallID: ac.id, Name: ac.name, Arguments: ac.args}
		if !out.Send(ctx, StreamEvent{Type: EventItemDone, Item: item}) {
			out.Close(ctx.Err())
			return
		}
	}

	if !out.Send(ctx, StreamEvent{Type: EventCompleted, Usage: usage}) {
		out.Close(ctx.Err())
		return
	}
	out.Close(nil)
}

func (c *OpenAIClient) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, item := range req.Input {
		switch it := item.(type) {
		case protocol.DeveloperMessage:
			messages = append(messages, openai.SystemMessage(it.Content))
		case protocol.UserMessage:
			messages = append(messages, openai.UserMessage(it.Content))
		case protocol.AssistantMessage:
			messages = append(messages, openai.AssistantMessage(it.Content))
		case protocol.ToolCallItem:
			assistantMsg := openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID:   it.CallID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      it.Name,
						Arguments: it.Arguments,
					},
				}},
			}
			messages = append(messages, assistantMsg.ToParam())
		case protocol.ToolResultItem:
			messages = append(messages, openai.ToolMessage(it.Output, it.CallID))
		default:
			log.Warn().Str("kind", item.ItemKind()).Msg("Skipping unknown history item")
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params
}
