package protocol

import "encoding/json"

// ToolCall is one tool invocation extracted from a model output item.
// CallID must be unique within a turn.
type ToolCall struct {
	CallID  string      `json:"call_id"`
	Name    string      `json:"name"`
	Payload ToolPayload `json:"payload"`
}

// ToolPayload is the tagged union of invocation shapes.
type ToolPayload interface {
	// PayloadKind returns the stable name of the variant.
	PayloadKind() string
}

// FunctionPayload is a plain function-style call with JSON arguments.
type FunctionPayload struct {
	Arguments json.RawMessage `json:"arguments"`
}

// McpPayload targets a tool hosted by an MCP server, addressed by the
// qualified server__tool name the model uses.
type McpPayload struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ShellPayload is a command execution request.
type ShellPayload struct {
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

func (FunctionPayload) PayloadKind() string { return "function" }
func (McpPayload) PayloadKind() string      { return "mcp" }
func (ShellPayload) PayloadKind() string    { return "shell" }

// ToolOutput is what a tool handler returns. Success is a tri-state:
// nil means the handler did not report an outcome.
type ToolOutput struct {
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Success    *bool           `json:"success,omitempty"`
}

// Ok reports whether the output counts as successful. Absent means yes.
func (o ToolOutput) Ok() bool {
	return o.Success == nil || *o.Success
}

// Bool returns a pointer for ToolOutput.Success literals.
func Bool(v bool) *bool { return &v }
