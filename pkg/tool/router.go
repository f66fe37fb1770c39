package tool

import (
	"encoding/json"
	"strings"

	"github.com/harun/relay/pkg/protocol"
)

// McpSeparator splits MCP-qualified tool names: "server__tool".
const McpSeparator = "__"

// ShellToolName is the local shell-style call the model can make without a
// registered function tool of that name.
const ShellToolName = "shell"

// shellArgs is the argument shape of a shell-style call.
type shellArgs struct {
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

// BuildCall translates one model output item into a ToolCall. Plain
// assistant text yields (nil, nil): nothing to execute, no follow-up
// needed for that item. A shell-style call without a call id fails with
// ErrMissingCallID, which the caller reports to the model as a tool error.
func BuildCall(item protocol.HistoryItem) (*protocol.ToolCall, error) {
	call, ok := item.(protocol.ToolCallItem)
	if !ok {
		return nil, nil
	}

	switch {
	case strings.Contains(call.Name, McpSeparator):
		server, toolName, _ := strings.Cut(call.Name, McpSeparator)
		return &protocol.ToolCall{
			CallID: call.CallID,
			Name:   call.Name,
			Payload: protocol.McpPayload{
				Server:    server,
				Tool:      toolName,
				Arguments: json.RawMessage(call.Arguments),
			},
		}, nil

	case call.Name == ShellToolName:
		if call.CallID == "" {
			return nil, RespondToModelf("%s: shell call requires an id", ErrMissingCallID)
		}
		var args shellArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, RespondToModelf("parse shell arguments: %v", err)
		}
		return &protocol.ToolCall{
			CallID: call.CallID,
			Name:   call.Name,
			Payload: protocol.ShellPayload{
				Command:   args.Command,
				Cwd:       args.Cwd,
				TimeoutMs: args.TimeoutMs,
			},
		}, nil

	default:
		return &protocol.ToolCall{
			CallID: call.CallID,
			Name:   call.Name,
			Payload: protocol.FunctionPayload{
				Arguments: json.RawMessage(call.Arguments),
			},
		}, nil
	}
}

// ResultItem converts a tool output into the history item the model sees
// on the next turn.
func ResultItem(call protocol.ToolCall, output protocol.ToolOutput) protocol.HistoryItem {
	return protocol.ToolResultItem{
		CallID:  call.CallID,
		Output:  output.Content,
		Success: output.Ok(),
	}
}

// ErrorResultItem converts an engine-level call failure into the failed
// tool result fed back to the model.
func ErrorResultItem(callID string, err error) protocol.HistoryItem {
	ce := AsCallError(err)
	return protocol.ToolResultItem{
		CallID:  callID,
		Output:  ce.Msg,
		Success: false,
	}
}
