package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/relay/pkg/protocol"
)

// ScriptedTurn is one canned model response for tests.
type ScriptedTurn struct {
	Deltas []string
	Items  []protocol.HistoryItem
	Usage  protocol.TokenUsage
	// Err, when set, terminates the stream with this error instead of
	// completing.
	Err error
	// FailBeforeStream, when set, makes Stream itself return Err.
	FailBeforeStream bool
}

// ScriptedClient replays canned turns in order. It records every request
// so tests can assert on prompt construction.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	Requests []Request
}

// NewScriptedClient builds a fake client that replays turns in order.
func NewScriptedClient(turns ...ScriptedTurn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// TextTurn is a turn with a single assistant text item.
func TextTurn(text string, usage protocol.TokenUsage) ScriptedTurn {
	return ScriptedTurn{
		Deltas: []string{text},
		Items:  []protocol.HistoryItem{protocol.AssistantMessage{Content: text}},
		Usage:  usage,
	}
}

// ToolCallTurn is a turn requesting one tool call.
func ToolCallTurn(callID, name, arguments string, usage protocol.TokenUsage) ScriptedTurn {
	return ScriptedTurn{
		Items: []protocol.HistoryItem{
			protocol.ToolCallItem{CallID: callID, Name: name, Arguments: arguments},
		},
		Usage: usage,
	}
}

// Append adds more turns to the script.
func (c *ScriptedClient) Append(turns ...ScriptedTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

// Stream implements Client.
func (c *ScriptedClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client: no turns left")
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	c.mu.Unlock()

	if turn.FailBeforeStream {
		return nil, turn.Err
	}

	out := NewStream()
	go func() {
		for _, delta := range turn.Deltas {
			if !out.Send(ctx, StreamEvent{Type: EventTextDelta, Delta: delta}) {
				out.Close(ctx.Err())
				return
			}
		}
		for _, item := range turn.Items {
			if !out.Send(ctx, StreamEvent{Type: EventItemDone, Item: item}) {
				out.Close(ctx.Err())
				return
			}
		}
		if turn.Err != nil {
			out.Close(turn.Err)
			return
		}
		if !out.Send(ctx, StreamEvent{Type: EventCompleted, Usage: turn.Usage}) {
			out.Close(ctx.Err())
			return
		}
		out.Close(nil)
	}()
	return out, nil
}
