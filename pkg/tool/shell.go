package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/sandbox"
)

// ShellHandler executes shell-style calls through the sandbox executor
// carried by the invocation. Shell is always treated as mutating:
// whether a given command writes anything is undecidable up front.
type ShellHandler struct{}

// NewShellHandler returns the stock shell handler.
func NewShellHandler() *ShellHandler { return &ShellHandler{} }

func (h *ShellHandler) Kind() string { return "shell" }

func (h *ShellHandler) Matches(call protocol.ToolCall) bool {
	_, ok := call.Payload.(protocol.ShellPayload)
	return ok
}

func (h *ShellHandler) IsMutating(call protocol.ToolCall) bool { return true }

func (h *ShellHandler) SupportsParallel() bool { return false }

// Handle runs the command and renders its outcome for the model. A
// non-zero exit or timeout is a normal output with success=false; only a
// sandbox denial or an engine defect surfaces as an error.
func (h *ShellHandler) Handle(ctx context.Context, inv Invocation) (protocol.ToolOutput, error) {
	payload, ok := inv.Call.Payload.(protocol.ShellPayload)
	if !ok {
		return protocol.ToolOutput{}, Fatalf("shell handler got %s payload", inv.Call.Payload.PayloadKind())
	}
	if len(payload.Command) == 0 {
		return protocol.ToolOutput{}, RespondToModelf("shell call has empty command")
	}
	if inv.Executor == nil {
		return protocol.ToolOutput{}, Fatalf("no sandbox executor configured")
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd = inv.WorkingDir
	}
	timeout := inv.Timeout
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}

	result, err := inv.Executor.Run(ctx, sandbox.Request{
		Command:       payload.Command,
		Cwd:           cwd,
		Timeout:       timeout,
		WorkspaceRoot: inv.WorkingDir,
	}, inv.Tier)
	if err != nil {
		// Denials and cancellations propagate for the orchestrator.
		return protocol.ToolOutput{}, err
	}

	return renderShellResult(result), nil
}

func renderShellResult(result sandbox.Result) protocol.ToolOutput {
	var b strings.Builder
	b.WriteString(result.Stdout)
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(result.Stderr)
	}
	if result.TimedOut {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("command timed out")
	} else if result.ExitCode != 0 {
		fmt.Fprintf(&b, "\nexit code %d", result.ExitCode)
	}

	return protocol.ToolOutput{
		Content: b.String(),
		Success: protocol.Bool(result.ExitCode == 0 && !result.TimedOut),
	}
}
