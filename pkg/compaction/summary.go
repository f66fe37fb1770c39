package compaction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskSummary is the structured handoff produced when history is
// compacted. Each section preserves a kind of continuity the next turns
// would otherwise lose.
type TaskSummary struct {
	// SessionIntent is what the user is trying to accomplish overall.
	SessionIntent string `json:"session_intent,omitempty"`
	// PlayByPlay is a chronological list of the major actions taken.
	PlayByPlay []string `json:"play_by_play,omitempty"`
	// Decisions records choices made during the session with rationale.
	Decisions []Decision `json:"decisions,omitempty"`
	// Breadcrumbs holds file paths, identifiers and error strings needed
	// to reconstruct context.
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
	// PendingTasks lists what remains to be done.
	PendingTasks []string `json:"pending_tasks,omitempty"`
}

// Decision is one recorded decision and why it was made.
type Decision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// Render flattens the summary into the text the model sees after
// compaction.
func (s TaskSummary) Render() string {
	var b strings.Builder
	b.WriteString("# Conversation summary (compacted)\n")
	if s.SessionIntent != "" {
		fmt.Fprintf(&b, "\n## Intent\n%s\n", s.SessionIntent)
	}
	if len(s.PlayByPlay) > 0 {
		b.WriteString("\n## Progress\n")
		for _, step := range s.PlayByPlay {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if len(s.Decisions) > 0 {
		b.WriteString("\n## Decisions\n")
		for _, d := range s.Decisions {
			if d.Rationale != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", d.Decision, d.Rationale)
			} else {
				fmt.Fprintf(&b, "- %s\n", d.Decision)
			}
		}
	}
	if len(s.Breadcrumbs) > 0 {
		b.WriteString("\n## Breadcrumbs\n")
		for _, crumb := range s.Breadcrumbs {
			fmt.Fprintf(&b, "- %s\n", crumb)
		}
	}
	if len(s.PendingTasks) > 0 {
		b.WriteString("\n## Next steps\n")
		for _, task := range s.PendingTasks {
			fmt.Fprintf(&b, "- %s\n", task)
		}
	}
	return b.String()
}

// parseSummary accepts either the requested JSON shape or, as a
// fallback, uses the raw model text as the intent so a sloppy model
// response still produces a usable summary.
func parseSummary(text string) TaskSummary {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var summary TaskSummary
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &summary); err == nil {
		return summary
	}
	return TaskSummary{SessionIntent: text}
}
