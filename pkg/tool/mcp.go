package tool

import (
	"context"
	"encoding/json"

	"github.com/harun/relay/pkg/protocol"
)

// McpClient is the transport to one or more MCP servers. The engine only
// needs call-by-name; connection management lives behind this interface.
type McpClient interface {
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (protocol.ToolOutput, error)
}

// McpHandler routes MCP-qualified calls to an McpClient. MCP tools are
// treated as mutating unless listed read-only at construction; read-only
// tools may run in parallel.
type McpHandler struct {
	client   McpClient
	readOnly map[string]bool
}

// NewMcpHandler wraps an MCP client. readOnlyTools lists qualified
// server__tool names known not to mutate state.
func NewMcpHandler(client McpClient, readOnlyTools ...string) *McpHandler {
	ro := make(map[string]bool, len(readOnlyTools))
	for _, name := range readOnlyTools {
		ro[name] = true
	}
	return &McpHandler{client: client, readOnly: ro}
}

func (h *McpHandler) Kind() string { return "mcp" }

func (h *McpHandler) Matches(call protocol.ToolCall) bool {
	_, ok := call.Payload.(protocol.McpPayload)
	return ok
}

func (h *McpHandler) IsMutating(call protocol.ToolCall) bool {
	return !h.readOnly[call.Name]
}

func (h *McpHandler) SupportsParallel() bool { return true }

func (h *McpHandler) Handle(ctx context.Context, inv Invocation) (protocol.ToolOutput, error) {
	payload, ok := inv.Call.Payload.(protocol.McpPayload)
	if !ok {
		return protocol.ToolOutput{}, Fatalf("mcp handler got %s payload", inv.Call.Payload.PayloadKind())
	}
	if h.client == nil {
		return protocol.ToolOutput{}, RespondToModelf("no MCP client configured for %s", inv.Call.Name)
	}
	return h.client.CallTool(ctx, payload.Server, payload.Tool, payload.Arguments)
}
