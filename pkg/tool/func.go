package tool

import (
	"context"
	"encoding/json"

	"github.com/harun/relay/pkg/protocol"
)

// Func is the signature for simple function tools.
type Func func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error)

// FuncHandler adapts a plain function into a Handler. Mutating and
// parallelism flags are fixed at construction.
type FuncHandler struct {
	name     string
	fn       Func
	mutating bool
	parallel bool
}

// NewFuncHandler wraps fn as a non-mutating, parallel-capable tool.
func NewFuncHandler(name string, fn Func) *FuncHandler {
	return &FuncHandler{name: name, fn: fn, parallel: true}
}

// NewMutatingFuncHandler wraps fn as a mutating, serialized tool.
func NewMutatingFuncHandler(name string, fn Func) *FuncHandler {
	return &FuncHandler{name: name, fn: fn, mutating: true}
}

func (h *FuncHandler) Kind() string { return "function" }

func (h *FuncHandler) Matches(call protocol.ToolCall) bool {
	return call.Name == h.name
}

func (h *FuncHandler) IsMutating(call protocol.ToolCall) bool { return h.mutating }

func (h *FuncHandler) SupportsParallel() bool { return h.parallel }

func (h *FuncHandler) Handle(ctx context.Context, inv Invocation) (protocol.ToolOutput, error) {
	payload, ok := inv.Call.Payload.(protocol.FunctionPayload)
	if !ok {
		return protocol.ToolOutput{}, RespondToModelf("%s expects function arguments", h.name)
	}
	return h.fn(ctx, payload.Arguments)
}
