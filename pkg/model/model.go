// Package model abstracts the inference backend as a streaming
// request/response service. The engine consumes the typed event stream and
// never sees provider wire formats.
package model

import (
	"context"

	"github.com/harun/relay/pkg/protocol"
)

// ToolSpec describes one tool to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Request is one model call: full history plus tool specs and system
// instructions.
type Request struct {
	Model        string
	Instructions string
	Input        []protocol.HistoryItem
	Tools        []ToolSpec
	MaxTokens    int
}

// EventType tags stream events.
type EventType int

const (
	// EventTextDelta carries one chunk of assistant text.
	EventTextDelta EventType = iota
	// EventItemDone carries one completed output item.
	EventItemDone
	// EventCompleted closes the response and carries token usage.
	EventCompleted
)

// StreamEvent is one typed event from the model response stream.
type StreamEvent struct {
	Type  EventType
	Delta string
	Item  protocol.HistoryItem
	Usage protocol.TokenUsage
}

// Client is the model service. Implementations must deliver events in
// order and close the stream after EventCompleted or on error.
type Client interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers model response events. Consume Events() until it
// closes, then check Err().
type Stream struct {
	ch  chan StreamEvent
	err error
}

// NewStream returns a stream for producers to feed. The engine only reads
// streams returned by a Client.
func NewStream() *Stream {
	return &Stream{ch: make(chan StreamEvent, 16)}
}

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan StreamEvent { return s.ch }

// Err reports the terminal stream error. Valid after Events() closes.
func (s *Stream) Err() error { return s.err }

// Send delivers one event, giving up when ctx is cancelled.
func (s *Stream) Send(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close finishes the stream. err, when non-nil, becomes the terminal
// error visible through Err().
func (s *Stream) Close(err error) {
	s.err = err
	close(s.ch)
}
