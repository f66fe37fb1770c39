package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one notification emitted by the engine. ID is the id of the
// submission that caused it, so callers can correlate request and effect.
// Events are delivered in emission order.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the tagged union of event payloads.
type EventMsg interface {
	// EventKind returns the stable wire name of the variant.
	EventKind() string
}

// TaskStartedEvent marks the beginning of a task.
type TaskStartedEvent struct{}

// AgentTextDeltaEvent carries one streamed chunk of assistant text.
type AgentTextDeltaEvent struct {
	Delta string `json:"delta"`
}

// ToolCallBeginEvent announces that a tool call is about to run.
type ToolCallBeginEvent struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
}

// ApprovalRequestEvent asks the caller to approve a tool call. The request
// blocks the call until an ApprovalDecisionOp with the same ID arrives or
// the task is cancelled.
type ApprovalRequestEvent struct {
	ID             string `json:"id"`
	CallID         string `json:"call_id"`
	Description    string `json:"description"`
	ProposedAction string `json:"proposed_action"`
	// Escalated is set when the request asks to retry a sandbox-denied
	// call without the sandbox.
	Escalated bool `json:"escalated,omitempty"`
}

// ToolCallEndEvent reports a finished tool call with its output.
type ToolCallEndEvent struct {
	CallID string     `json:"call_id"`
	Tool   string     `json:"tool"`
	Output ToolOutput `json:"output"`
}

// TaskCompleteEvent is the sole success-completion signal for a task.
type TaskCompleteEvent struct {
	LastMessage string `json:"last_message"`
}

// ContextCompactedEvent reports that history was replaced with a summary.
type ContextCompactedEvent struct{}

// WarningEvent carries a user-visible warning that does not abort anything.
type WarningEvent struct {
	Message string `json:"message"`
}

// ErrorEvent reports a terminal task failure. Exactly one is emitted per
// aborted task.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (TaskStartedEvent) EventKind() string      { return "task_started" }
func (AgentTextDeltaEvent) EventKind() string   { return "agent_text_delta" }
func (ToolCallBeginEvent) EventKind() string    { return "tool_call_begin" }
func (ApprovalRequestEvent) EventKind() string  { return "approval_request" }
func (ToolCallEndEvent) EventKind() string      { return "tool_call_end" }
func (TaskCompleteEvent) EventKind() string     { return "task_complete" }
func (ContextCompactedEvent) EventKind() string { return "context_compacted" }
func (WarningEvent) EventKind() string          { return "warning" }
func (ErrorEvent) EventKind() string            { return "error" }

// envelope is the JSON framing for events crossing a process boundary.
type envelope struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Msg  json.RawMessage `json:"msg"`
}

// EncodeEvent renders an event as a self-describing JSON frame.
func EncodeEvent(e Event) ([]byte, error) {
	msg, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Msg.EventKind(), err)
	}
	return json.Marshal(envelope{ID: e.ID, Kind: e.Msg.EventKind(), Msg: msg})
}

// DecodeEvent parses a frame produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	msg, err := newEventMsg(env.Kind)
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(env.Msg, msg); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return Event{ID: env.ID, Msg: deref(msg)}, nil
}

func newEventMsg(kind string) (EventMsg, error) {
	switch kind {
	case "task_started":
		return &TaskStartedEvent{}, nil
	case "agent_text_delta":
		return &AgentTextDeltaEvent{}, nil
	case "tool_call_begin":
		return &ToolCallBeginEvent{}, nil
	case "approval_request":
		return &ApprovalRequestEvent{}, nil
	case "tool_call_end":
		return &ToolCallEndEvent{}, nil
	case "task_complete":
		return &TaskCompleteEvent{}, nil
	case "context_compacted":
		return &ContextCompactedEvent{}, nil
	case "warning":
		return &WarningEvent{}, nil
	case "error":
		return &ErrorEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func deref(msg EventMsg) EventMsg {
	switch m := msg.(type) {
	case *TaskStartedEvent:
		return *m
	case *AgentTextDeltaEvent:
		return *m
	case *ToolCallBeginEvent:
		return *m
	case *ApprovalRequestEvent:
		return *m
	case *ToolCallEndEvent:
		return *m
	case *TaskCompleteEvent:
		return *m
	case *ContextCompactedEvent:
		return *m
	case *WarningEvent:
		return *m
	case *ErrorEvent:
		return *m
	default:
		return msg
	}
}
