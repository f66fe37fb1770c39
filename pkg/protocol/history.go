package protocol

// HistoryItem is one entry in a session's conversation history. History is
// append-only within a turn; compaction replaces a contiguous prefix
// atomically.
type HistoryItem interface {
	// ItemKind returns the stable wire name of the variant.
	ItemKind() string
	// Text returns the rendered text content used for token estimation.
	Text() string
}

// DeveloperMessage is initial system/developer context. Compaction keeps
// the leading run of developer messages verbatim.
type DeveloperMessage struct {
	Content string `json:"content"`
}

// UserMessage is input from the caller.
type UserMessage struct {
	Content string `json:"content"`
}

// AssistantMessage is plain assistant output.
type AssistantMessage struct {
	Content string `json:"content"`
}

// ToolCallItem records a tool invocation requested by the model.
type ToolCallItem struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultItem records what a tool call produced, in the form the model
// sees on the next turn.
type ToolResultItem struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

func (DeveloperMessage) ItemKind() string { return "developer_message" }
func (UserMessage) ItemKind() string      { return "user_message" }
func (AssistantMessage) ItemKind() string { return "assistant_message" }
func (ToolCallItem) ItemKind() string     { return "tool_call" }
func (ToolResultItem) ItemKind() string   { return "tool_result" }

func (m DeveloperMessage) Text() string { return m.Content }
func (m UserMessage) Text() string      { return m.Content }
func (m AssistantMessage) Text() string { return m.Content }
func (i ToolCallItem) Text() string     { return i.Name + " " + i.Arguments }
func (r ToolResultItem) Text() string   { return r.Output }

// CloneHistory returns a copy of the slice. Items themselves are value
// types, so a shallow copy is a deep copy.
func CloneHistory(items []HistoryItem) []HistoryItem {
	if items == nil {
		return nil
	}
	out := make([]HistoryItem, len(items))
	copy(out, items)
	return out
}
