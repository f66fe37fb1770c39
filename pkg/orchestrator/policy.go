// Package orchestrator applies approval policy to tool calls, selects an
// execution sandbox, runs the call, and escalates once on sandbox denial.
package orchestrator

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/sandbox"
)

// ApprovalMode decides when a tool call needs the caller's approval.
type ApprovalMode string

const (
	// ApprovalNever executes without asking.
	ApprovalNever ApprovalMode = "never"
	// ApprovalOnMutation asks only for calls that may change state.
	ApprovalOnMutation ApprovalMode = "on-mutation"
	// ApprovalAlways asks for every call.
	ApprovalAlways ApprovalMode = "always"
)

// ToolOverride adjusts the approval requirement for one tool name,
// trumping the session-wide mode.
type ToolOverride string

const (
	// OverrideSkip never asks for this tool.
	OverrideSkip ToolOverride = "skip"
	// OverrideAsk always asks for this tool.
	OverrideAsk ToolOverride = "ask"
	// OverrideForbid rejects this tool outright, no execution attempted.
	OverrideForbid ToolOverride = "forbid"
)

// Policy is the narrowed, read-only view of session configuration the
// orchestrator works from.
type Policy struct {
	Approval  ApprovalMode            `json:"approval"`
	Overrides map[string]ToolOverride `json:"overrides,omitempty"`

	// Sandbox is the initial execution tier.
	Sandbox sandbox.Tier `json:"sandbox"`
	// AllowEscalation permits one approved retry without the sandbox
	// after a sandbox denial.
	AllowEscalation bool `json:"allow_escalation"`

	WorkingDir  string        `json:"working_dir,omitempty"`
	ToolTimeout time.Duration `json:"tool_timeout,omitempty"`

	// DiscardPartialOnDeny controls what happens to already-completed
	// sibling outputs when a later call in the same turn is denied:
	// false (default) folds them into history as-is, true replaces them
	// with a discarded marker. See DESIGN.md.
	DiscardPartialOnDeny bool `json:"discard_partial_on_deny,omitempty"`
}

// Requirement is the computed approval requirement for one call.
type Requirement int

const (
	// RequireSkip executes without asking.
	RequireSkip Requirement = iota
	// RequireApproval suspends the call until the caller decides.
	RequireApproval
	// RequireForbidden rejects the call without executing.
	RequireForbidden
)

// requirement computes the approval requirement from the policy, the
// handler's mutation flag and any per-tool override.
func (p Policy) requirement(toolName string, mutating bool) Requirement {
	switch p.Overrides[toolName] {
	case OverrideSkip:
		return RequireSkip
	case OverrideAsk:
		return RequireApproval
	case OverrideForbid:
		return RequireForbidden
	}

	switch p.Approval {
	case ApprovalAlways:
		return RequireApproval
	case ApprovalOnMutation:
		if mutating {
			return RequireApproval
		}
		return RequireSkip
	default:
		return RequireSkip
	}
}

// normalizeCall renders the call into the stable form used both as the
// session approval cache key and as the proposed action shown to the
// caller.
func normalizeCall(call protocol.ToolCall) string {
	switch payload := call.Payload.(type) {
	case protocol.ShellPayload:
		fields := make([]string, 0, len(payload.Command))
		for _, f := range payload.Command {
			fields = append(fields, strings.TrimSpace(f))
		}
		return strings.Join(fields, " ")
	case protocol.McpPayload:
		return payload.Server + "__" + payload.Tool + " " + compactJSON(payload.Arguments)
	case protocol.FunctionPayload:
		return call.Name + " " + compactJSON(payload.Arguments)
	default:
		return call.Name
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
