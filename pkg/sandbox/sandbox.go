// Package sandbox abstracts command execution behind a small, three-valued
// contract: a command either runs (with exit code, output and duration),
// fails to run, or is denied by the sandbox. The engine never interprets
// OS-specific sandbox mechanics beyond that outcome.
package sandbox

import (
	"context"
	"time"
)

// Tier selects how much the executing command is allowed to touch.
type Tier string

const (
	// TierReadOnly allows no filesystem writes at all.
	TierReadOnly Tier = "read-only"
	// TierWorkspaceWrite allows writes inside the workspace root only.
	TierWorkspaceWrite Tier = "workspace-write"
	// TierNone runs the command without a sandbox.
	TierNone Tier = "none"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierReadOnly, TierWorkspaceWrite, TierNone:
		return true
	}
	return false
}

// Request describes one command execution.
type Request struct {
	Command []string          `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
	// WorkspaceRoot bounds writable paths under TierWorkspaceWrite.
	WorkspaceRoot string `json:"workspace_root,omitempty"`
}

// Result is the outcome of a command that actually ran. A non-zero exit
// code is a normal result, not an error.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Executor runs commands under a sandbox tier. Implementations must return
// an error wrapping ErrDenied when the sandbox itself blocked the
// operation, as opposed to the command failing on its own.
type Executor interface {
	Run(ctx context.Context, req Request, tier Tier) (Result, error)
}
