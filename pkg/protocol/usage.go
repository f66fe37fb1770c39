package protocol

// TokenUsage tracks token consumption across model calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates usage from one more model call.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// EstimateTokens gives a rough token count for history items.
// 1 token ≈ 4 characters; close enough for budget decisions.
func EstimateTokens(items []HistoryItem) int {
	total := 0
	for _, item := range items {
		total += EstimateTextTokens(item.Text())
	}
	return total
}

// EstimateTextTokens estimates tokens for a single string.
func EstimateTextTokens(text string) int {
	return (len(text) + 3) / 4
}

// TurnResult summarizes one completed turn and drives the task loop.
type TurnResult struct {
	NeedsFollowUp    bool
	LastAgentMessage string
	Usage            TokenUsage
}
