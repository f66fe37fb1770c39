package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostExecutor runs commands directly on the host via os/exec. Tier
// enforcement is two-layered: a pre-exec path guard denies work outside
// the workspace, and well-known kernel denial messages on a failed run are
// mapped to ErrDenied so the orchestrator can escalate.
type HostExecutor struct {
	// DefaultTimeout applies when the request carries none.
	DefaultTimeout time.Duration
}

// NewHostExecutor returns a host executor with a 30s default timeout.
func NewHostExecutor() *HostExecutor {
	return &HostExecutor{DefaultTimeout: 30 * time.Second}
}

// Run executes req under the given tier.
func (h *HostExecutor) Run(ctx context.Context, req Request, tier Tier) (Result, error) {
	if len(req.Command) == 0 {
		return Result{}, ErrEmptyCommand
	}
	if !tier.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	if err := h.checkWorkspaceAccess(req, tier); err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = h.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command[0], req.Command[1:]...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Env = buildEnv(req.Env, tier)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		result.TimedOut = true
		result.ExitCode = -1
		log.Warn().
			Str("command", req.Command[0]).
			Dur("timeout", timeout).
			Msg("Command timed out")
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Command never ran (not found, not executable, ...).
			return Result{}, fmt.Errorf("start command %q: %w", req.Command[0], err)
		}
		if tier != TierNone && deniedByOS(result.Stderr) {
			log.Warn().
				Str("command", req.Command[0]).
				Str("tier", string(tier)).
				Msg("Execution denied by sandbox")
			return Result{}, fmt.Errorf("%w: %s", ErrDenied, firstLine(result.Stderr))
		}
	}

	log.Debug().
		Str("command", req.Command[0]).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command completed")

	return result, nil
}

// checkWorkspaceAccess denies sandboxed commands whose working directory
// escapes the workspace root.
func (h *HostExecutor) checkWorkspaceAccess(req Request, tier Tier) error {
	if tier == TierNone || req.WorkspaceRoot == "" || req.Cwd == "" {
		return nil
	}
	root, err := filepath.Abs(req.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	cwd, err := filepath.Abs(req.Cwd)
	if err != nil {
		return fmt.Errorf("resolve cwd: %w", err)
	}
	rel, err := filepath.Rel(root, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: cwd %s outside workspace %s", ErrDenied, cwd, root)
	}
	return nil
}

// deniedByOS matches the kernel/profile messages a blocked write produces.
func deniedByOS(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{
		"operation not permitted",
		"read-only file system",
		"seccomp",
		"sandbox: deny",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func buildEnv(extra map[string]string, tier Tier) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	// Lets wrapper scripts and child tooling know they are sandboxed.
	env = append(env, "RELAY_SANDBOX="+string(tier))
	return env
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
