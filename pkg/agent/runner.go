package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/relay/pkg/compaction"
	"github.com/harun/relay/pkg/model"
	"github.com/harun/relay/pkg/orchestrator"
	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/tool"
)

// Host is the narrow surface the runner needs from its session: history
// ownership, pending input, event emission and usage accounting. The
// session implements it; tests use a fake.
type Host interface {
	History() []protocol.HistoryItem
	ReplaceHistory(items []protocol.HistoryItem)
	AppendHistory(items ...protocol.HistoryItem)
	// DrainPending returns and clears input that arrived while the task
	// was running. It is folded into history before the next turn.
	DrainPending() []protocol.InputItem
	Emit(msg protocol.EventMsg)
	Usage() protocol.TokenUsage
	AddUsage(usage protocol.TokenUsage)
	// SetUsage replaces the usage counter, discarding the totals that
	// predate a history rewrite.
	SetUsage(usage protocol.TokenUsage)
}

// Config holds runner configuration.
type Config struct {
	Model        string
	Instructions string
	MaxTokens    int
	// ContextWindow is the model's context size in tokens. Zero disables
	// threshold-based compaction.
	ContextWindow int
	// CompactThreshold is the context fraction that triggers compaction.
	// Defaults to 0.9.
	CompactThreshold float64
	// MaxTurns bounds the tool loop. Defaults to 32.
	MaxTurns int
	// MaxRetries bounds model call attempts per turn. Defaults to 3.
	MaxRetries int
	Policy     orchestrator.Policy
}

// Runner executes tasks. It is stateless across tasks; all per-session
// state lives behind Host.
type Runner struct {
	client    model.Client
	orch      *orchestrator.Orchestrator
	registry  *tool.Registry
	compactor *compaction.Manager
	cfg       Config
	logger    zerolog.Logger

	policyMu sync.RWMutex
	policy   orchestrator.Policy
}

// NewRunner wires a task runner. The compactor may be nil, which
// disables compaction entirely.
func NewRunner(client model.Client, orch *orchestrator.Orchestrator, registry *tool.Registry, compactor *compaction.Manager, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = 0.9
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 32
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Runner{
		client:    client,
		orch:      orch,
		registry:  registry,
		compactor: compactor,
		cfg:       cfg,
		logger:    logger,
		policy:    cfg.Policy,
	}
}

// SetPolicy swaps the approval policy. A task already in flight keeps
// seeing the policy it started with only until its next turn; changes
// are otherwise picked up immediately.
func (r *Runner) SetPolicy(p orchestrator.Policy) {
	r.policyMu.Lock()
	r.policy = p
	r.policyMu.Unlock()
	r.logger.Info().Str("approval", string(p.Approval)).Str("sandbox", string(p.Sandbox)).Msg("Runner policy updated")
}

// Policy returns the current approval policy.
func (r *Runner) Policy() orchestrator.Policy {
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policy
}

// turnResult summarizes one completed turn.
type turnResult struct {
	needsFollowUp bool
	lastMessage   string
	usage         protocol.TokenUsage
}

// RunTask drives the turn loop until the model produces a final message
// with no tool calls. Cancellation aborts between and within turns; an
// aborted task never emits TaskComplete.
func (r *Runner) RunTask(ctx context.Context, host Host, input []protocol.InputItem) error {
	host.Emit(protocol.TaskStartedEvent{})
	appendInput(host, input)

	// A task starting near the window limit compacts before the first
	// model call so the turn has room to respond.
	if r.overThreshold(protocol.EstimateTokens(host.History())) {
		if err := r.compact(ctx, host); err != nil {
			host.Emit(protocol.ErrorEvent{Message: err.Error()})
			return err
		}
	}

	for turns := 0; turns < r.cfg.MaxTurns; {
		appendInput(host, host.DrainPending())

		result, err := r.runTurn(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if model.IsContextOverflow(err) {
				if cerr := r.compact(ctx, host); cerr != nil {
					host.Emit(protocol.ErrorEvent{Message: cerr.Error()})
					return cerr
				}
				// The compacted retry replays the same turn, so it does
				// not spend a turn slot. A history the compactor cannot
				// shrink further fails the compact call and ends the
				// task, so this cannot loop.
				continue
			}
			host.Emit(protocol.ErrorEvent{Message: err.Error()})
			return err
		}
		turns++
		host.AddUsage(result.usage)

		if !result.needsFollowUp {
			// Input that arrived mid-turn extends the task instead of
			// finishing it.
			pending := host.DrainPending()
			if len(pending) == 0 {
				host.Emit(protocol.TaskCompleteEvent{LastMessage: result.lastMessage})
				return nil
			}
			appendInput(host, pending)
			continue
		}

		if r.overThreshold(result.usage.Total()) {
			if err := r.compact(ctx, host); err != nil {
				host.Emit(protocol.ErrorEvent{Message: err.Error()})
				return err
			}
		}
	}

	err := fmt.Errorf("task exceeded %d turns", r.cfg.MaxTurns)
	host.Emit(protocol.ErrorEvent{Message: err.Error()})
	return err
}
