package session

import (
	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/protocol"
)

var _ agent.Host = (*Session)(nil)

// History returns a copy of the conversation. The task goroutine and the
// actor never share a slice.
func (s *Session) History() []protocol.HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.CloneHistory(s.history)
}

// ReplaceHistory swaps the conversation atomically, used by compaction.
func (s *Session) ReplaceHistory(items []protocol.HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = items
}

// AppendHistory adds items to the conversation.
func (s *Session) AppendHistory(items ...protocol.HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, items...)
}

// DrainPending returns and clears input queued while the task ran.
func (s *Session) DrainPending() []protocol.InputItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

// Usage returns accumulated token usage for the session.
func (s *Session) Usage() protocol.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// AddUsage accumulates token usage.
func (s *Session) AddUsage(usage protocol.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = s.usage.Add(usage)
}

// SetUsage replaces the usage counter after a history rewrite.
func (s *Session) SetUsage(usage protocol.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = usage
}

// Emit publishes an event tagged with the active submission's id.
func (s *Session) Emit(msg protocol.EventMsg) {
	s.mu.Lock()
	id := s.activeSub
	s.mu.Unlock()
	s.emitFor(id, msg)
}

func (s *Session) emitFor(subID string, msg protocol.EventMsg) {
	event := protocol.Event{ID: subID, Msg: msg}
	if s.jrnl != nil {
		s.jrnl.Record(s.id, event)
	}
	select {
	case s.events <- event:
	case <-s.closed:
		// Late emits from an unwinding task after shutdown are dropped.
	default:
		// A stalled or absent consumer must not block the task. The
		// journal already holds the durable record, so drop and warn.
		s.logger.Warn().
			Str("session_id", s.id).
			Str("submission_id", subID).
			Str("event_kind", msg.EventKind()).
			Msg("Event buffer full, dropping event")
	}
}
