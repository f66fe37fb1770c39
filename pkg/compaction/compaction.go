// Package compaction keeps conversation history within the model's context
// budget without losing actionable continuity: old history is replaced by
// a structured handoff summary plus the most recent user messages.
package compaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/relay/pkg/model"
	"github.com/harun/relay/pkg/protocol"
)

// ErrAtCapacity means even a minimal history no longer fits the model's
// context window; the session cannot make further progress.
var ErrAtCapacity = errors.New("history at context capacity")

// DefaultKeepUserTokens is how much recent user input survives compaction.
const DefaultKeepUserTokens = 20000

const summaryPrompt = `Summarize this conversation for a handoff to a fresh context.
Respond with JSON only, using this shape:
{"session_intent": "...", "play_by_play": ["..."], "decisions": [{"decision": "...", "rationale": "..."}], "breadcrumbs": ["..."], "pending_tasks": ["..."]}`

// Config tunes the compaction manager.
type Config struct {
	// Model used for the summarization call.
	Model string
	// KeepUserTokens is the budget for recent user messages carried over
	// verbatim. Defaults to DefaultKeepUserTokens.
	KeepUserTokens int
	// MaxSummaryTokens caps the summary response.
	MaxSummaryTokens int
}

// Manager produces compacted histories.
type Manager struct {
	client model.Client
	cfg    Config
	logger zerolog.Logger
}

// NewManager wires a compaction manager.
func NewManager(client model.Client, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.KeepUserTokens <= 0 {
		cfg.KeepUserTokens = DefaultKeepUserTokens
	}
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// Compact returns the replacement history: initial developer context, the
// most recent user messages under the keep budget (oldest first), then the
// handoff summary. The input history is not modified; the caller swaps
// atomically.
func (m *Manager) Compact(ctx context.Context, history []protocol.HistoryItem) ([]protocol.HistoryItem, protocol.TokenUsage, error) {
	snapshot := protocol.CloneHistory(history)

	summaryText, err := m.summarize(ctx, snapshot)
	if err != nil {
		return nil, protocol.TokenUsage{}, err
	}

	prefix := developerPrefix(history)
	selected := selectRecentUserMessages(history, m.cfg.KeepUserTokens)

	newHistory := make([]protocol.HistoryItem, 0, len(prefix)+len(selected)+1)
	newHistory = append(newHistory, prefix...)
	newHistory = append(newHistory, selected...)
	newHistory = append(newHistory, protocol.AssistantMessage{Content: summaryText})

	usage := protocol.TokenUsage{InputTokens: protocol.EstimateTokens(newHistory)}

	m.logger.Info().
		Int("items_before", len(history)).
		Int("items_after", len(newHistory)).
		Int("estimated_tokens", usage.Total()).
		Msg("History compacted")

	return newHistory, usage, nil
}

// summarize asks the model for the handoff summary. A context-overflow
// rejection drops the single oldest droppable item and retries, until
// history is exhausted.
func (m *Manager) summarize(ctx context.Context, snapshot []protocol.HistoryItem) (string, error) {
	input := snapshot
	for {
		text, err := m.callModel(ctx, input)
		if err == nil {
			return parseSummary(text).Render(), nil
		}
		if !model.IsContextOverflow(err) {
			return "", fmt.Errorf("summarize history: %w", err)
		}

		shrunk, dropped := dropOldest(input)
		if !dropped {
			m.logger.Error().Msg("Cannot shrink history further, marking at capacity")
			return "", ErrAtCapacity
		}
		input = shrunk
		m.logger.Warn().
			Int("items_left", len(input)).
			Msg("Summarization overflowed context, dropping oldest item")
	}
}

func (m *Manager) callModel(ctx context.Context, input []protocol.HistoryItem) (string, error) {
	request := model.Request{
		Model:     m.cfg.Model,
		Input:     append(protocol.CloneHistory(input), protocol.UserMessage{Content: summaryPrompt}),
		MaxTokens: m.cfg.MaxSummaryTokens,
	}
	stream, err := m.client.Stream(ctx, request)
	if err != nil {
		return "", err
	}

	var text string
	for ev := range stream.Events() {
		if ev.Type == model.EventItemDone {
			if msg, ok := ev.Item.(protocol.AssistantMessage); ok {
				text += msg.Content
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return text, nil
}

// developerPrefix returns the leading run of developer messages, which
// survive compaction verbatim.
func developerPrefix(history []protocol.HistoryItem) []protocol.HistoryItem {
	var prefix []protocol.HistoryItem
	for _, item := range history {
		if _, ok := item.(protocol.DeveloperMessage); !ok {
			break
		}
		prefix = append(prefix, item)
	}
	return prefix
}

// selectRecentUserMessages walks backward from the newest user message,
// keeping messages until the token budget is spent. The oldest selected
// message is truncated rather than dropped when it straddles the budget.
// Returned oldest-first. The selection is deterministic: running it twice
// over an unchanged history yields the same messages.
func selectRecentUserMessages(history []protocol.HistoryItem, budget int) []protocol.HistoryItem {
	var reversed []protocol.UserMessage
	remaining := budget

	for i := len(history) - 1; i >= 0 && remaining > 0; i-- {
		msg, ok := history[i].(protocol.UserMessage)
		if !ok {
			continue
		}
		tokens := protocol.EstimateTextTokens(msg.Content)
		if tokens > remaining {
			msg = protocol.UserMessage{Content: truncateToTokens(msg.Content, remaining)}
			reversed = append(reversed, msg)
			break
		}
		reversed = append(reversed, msg)
		remaining -= tokens
	}

	selected := make([]protocol.HistoryItem, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		selected = append(selected, reversed[i])
	}
	return selected
}

// truncateToTokens keeps the tail of the message, where the most recent
// context lives.
func truncateToTokens(text string, tokens int) string {
	maxChars := tokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[len(text)-maxChars:]
}

// dropOldest removes the first non-developer item. Developer context is
// never dropped; when only developer items remain, nothing can shrink.
func dropOldest(history []protocol.HistoryItem) ([]protocol.HistoryItem, bool) {
	for i, item := range history {
		if _, ok := item.(protocol.DeveloperMessage); ok {
			continue
		}
		out := make([]protocol.HistoryItem, 0, len(history)-1)
		out = append(out, history[:i]...)
		out = append(out, history[i+1:]...)
		return out, true
	}
	return history, false
}
