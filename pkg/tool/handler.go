package tool

import (
	"context"
	"time"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/sandbox"
)

// Invocation is everything a handler needs to run one call. The sandbox
// executor and tier are selected by the orchestrator; handlers that do not
// execute commands ignore them.
type Invocation struct {
	Call       protocol.ToolCall
	Executor   sandbox.Executor
	Tier       sandbox.Tier
	WorkingDir string
	Timeout    time.Duration
}

// Handler executes one kind of tool. Implementations are registered with a
// Registry; the router and orchestrator are otherwise agnostic to tool
// identity.
type Handler interface {
	// Kind names the handler family ("function", "shell", "mcp").
	Kind() string
	// Matches reports whether this handler can serve the call. Used for
	// payload-shaped routing when no handler is registered under the
	// call's name.
	Matches(call protocol.ToolCall) bool
	// IsMutating reports whether this call may change external state.
	// Mutating calls are serialized and gate approval under
	// ask-when-mutating policies.
	IsMutating(call protocol.ToolCall) bool
	// SupportsParallel reports whether non-mutating calls may run
	// concurrently with siblings.
	SupportsParallel() bool
	// Handle runs the call. Engine-level failures are returned as
	// *CallError; tool-level failures (non-zero exit, timeout) are a
	// normal output with success=false.
	Handle(ctx context.Context, inv Invocation) (protocol.ToolOutput, error)
}

// Spec describes a registered tool to the model.
type Spec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}
