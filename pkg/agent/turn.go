package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/relay/pkg/model"
	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/tool"
)

// runTurn makes one model call and executes whatever tool calls come
// back. Results are folded into history in request order.
func (r *Runner) runTurn(ctx context.Context, host Host) (turnResult, error) {
	items, usage, err := r.callModelWithRetry(ctx, host)
	if err != nil {
		return turnResult{}, err
	}
	host.AppendHistory(items...)

	var result turnResult
	result.usage = usage

	var calls []protocol.ToolCall
	for _, item := range items {
		if msg, ok := item.(protocol.AssistantMessage); ok {
			result.lastMessage = msg.Content
		}

		call, err := tool.BuildCall(item)
		if err != nil {
			// Malformed calls go back to the model as a failed result
			// so it can correct itself.
			callID := ""
			if tc, ok := item.(protocol.ToolCallItem); ok {
				callID = tc.CallID
			}
			host.AppendHistory(tool.ErrorResultItem(callID, err))
			result.needsFollowUp = true
			continue
		}
		if call != nil {
			calls = append(calls, *call)
		}
	}

	if len(calls) == 0 {
		return result, nil
	}
	result.needsFollowUp = true

	for _, call := range calls {
		host.Emit(protocol.ToolCallBeginEvent{CallID: call.CallID, Tool: call.Name})
	}

	outcomes := r.orch.RunAll(ctx, calls, r.Policy())
	if ctx.Err() != nil {
		return turnResult{}, ctx.Err()
	}

	for _, outcome := range outcomes {
		output := outcome.Output
		if outcome.Err != nil {
			cerr := tool.AsCallError(outcome.Err)
			if cerr.Kind == tool.KindFatal {
				return turnResult{}, fmt.Errorf("tool %s: %w", outcome.Call.Name, outcome.Err)
			}
			output = protocol.ToolOutput{Content: cerr.Msg, Success: protocol.Bool(false)}
		}
		host.Emit(protocol.ToolCallEndEvent{
			CallID: outcome.Call.CallID,
			Tool:   outcome.Call.Name,
			Output: output,
		})
		host.AppendHistory(tool.ResultItem(outcome.Call, output))
	}
	return result, nil
}

// callModelWithRetry streams one model response, retrying transient
// failures with exponential backoff.
func (r *Runner) callModelWithRetry(ctx context.Context, host Host) ([]protocol.HistoryItem, protocol.TokenUsage, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		items, usage, err := r.callModel(ctx, host)
		if err == nil {
			return items, usage, nil
		}
		lastErr = err

		if ctx.Err() != nil || !model.IsRetryable(err) {
			return nil, protocol.TokenUsage{}, err
		}
		if attempt == r.cfg.MaxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s.
		delay := time.Duration(1<<attempt) * time.Second
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call")

		select {
		case <-ctx.Done():
			return nil, protocol.TokenUsage{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, protocol.TokenUsage{}, fmt.Errorf("model call failed after %d attempts: %w", r.cfg.MaxRetries, lastErr)
}

// callModel streams one response, emitting text deltas as they arrive
// and collecting completed output items.
func (r *Runner) callModel(ctx context.Context, host Host) ([]protocol.HistoryItem, protocol.TokenUsage, error) {
	request := model.Request{
		Model:        r.cfg.Model,
		Instructions: r.cfg.Instructions,
		Input:        host.History(),
		Tools:        r.toolSpecs(),
		MaxTokens:    r.cfg.MaxTokens,
	}

	stream, err := r.client.Stream(ctx, request)
	if err != nil {
		return nil, protocol.TokenUsage{}, err
	}

	var items []protocol.HistoryItem
	var usage protocol.TokenUsage
	for ev := range stream.Events() {
		switch ev.Type {
		case model.EventTextDelta:
			host.Emit(protocol.AgentTextDeltaEvent{Delta: ev.Delta})
		case model.EventItemDone:
			items = append(items, ev.Item)
		case model.EventCompleted:
			usage = ev.Usage
		}
	}
	if err := stream.Err(); err != nil {
		return nil, protocol.TokenUsage{}, err
	}
	return items, usage, nil
}

func (r *Runner) toolSpecs() []model.ToolSpec {
	specs := r.registry.Specs()
	out := make([]model.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, model.ToolSpec{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	return out
}

// overThreshold reports whether tokens crossed the compaction trigger.
func (r *Runner) overThreshold(tokens int) bool {
	if r.compactor == nil || r.cfg.ContextWindow <= 0 {
		return false
	}
	return float64(tokens) >= float64(r.cfg.ContextWindow)*r.cfg.CompactThreshold
}

// CompactContext compacts the host's history on demand, outside any
// running task.
func (r *Runner) CompactContext(ctx context.Context, host Host) error {
	return r.compact(ctx, host)
}

func (r *Runner) compact(ctx context.Context, host Host) error {
	if r.compactor == nil {
		return fmt.Errorf("history at context limit and compaction is disabled")
	}
	newHistory, usage, err := r.compactor.Compact(ctx, host.History())
	if err != nil {
		return fmt.Errorf("compact history: %w", err)
	}
	host.ReplaceHistory(newHistory)
	host.SetUsage(usage)
	host.Emit(protocol.ContextCompactedEvent{})
	host.Emit(protocol.WarningEvent{Message: "conversation history was summarized to fit the context window"})
	r.logger.Info().Int("items", len(newHistory)).Msg("Context compacted")
	return nil
}

func appendInput(host Host, input []protocol.InputItem) {
	for _, item := range input {
		if item.Text == "" {
			continue
		}
		host.AppendHistory(protocol.UserMessage{Content: item.Text})
	}
}
