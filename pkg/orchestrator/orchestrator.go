package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/sandbox"
	"github.com/harun/relay/pkg/tool"
)

// Orchestrator gates tool calls behind approval policy and a sandbox.
type Orchestrator struct {
	registry  *tool.Registry
	executor  sandbox.Executor
	approvals Approvals
	cache     *approvalCache
	logger    zerolog.Logger
}

// New wires an orchestrator. approvals may not be nil.
func New(registry *tool.Registry, executor sandbox.Executor, approvals Approvals, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		executor:  executor,
		approvals: approvals,
		cache:     newApprovalCache(),
		logger:    logger,
	}
}

// Outcome pairs one call with its result. Exactly one of Output/Err is
// meaningful; Err carries engine-level failures (denials included), while
// tool-level failures are an Output with success=false.
type Outcome struct {
	Call   protocol.ToolCall
	Output protocol.ToolOutput
	Err    error
}

// escalation state for one call. The explicit state machine is what
// structurally enforces "at most one escalation".
type escState int

const (
	escInitial escState = iota
	escEscalating
	escDone
)

// Run applies approval policy, executes the call under the selected
// sandbox tier, and escalates at most once on sandbox denial.
func (o *Orchestrator) Run(ctx context.Context, call protocol.ToolCall, policy Policy) (protocol.ToolOutput, error) {
	handler, err := o.registry.Lookup(call)
	if err != nil {
		return protocol.ToolOutput{}, err
	}
	mutating := handler.IsMutating(call)
	normalized := normalizeCall(call)

	switch policy.requirement(call.Name, mutating) {
	case RequireForbidden:
		o.logger.Warn().Str("tool", call.Name).Msg("Tool call forbidden by policy")
		return protocol.ToolOutput{}, tool.Deniedf("tool %s is forbidden by policy", call.Name)
	case RequireApproval:
		decision, err := o.requestApproval(ctx, call, normalized, false)
		if err != nil {
			return protocol.ToolOutput{}, err
		}
		if !decision.Approved() {
			return protocol.ToolOutput{}, tool.Deniedf("approval denied for %s", call.Name)
		}
	}

	return o.execute(ctx, call, policy, normalized)
}

// execute runs the call, walking the Initial -> Escalating -> Done state
// machine on sandbox denial.
func (o *Orchestrator) execute(ctx context.Context, call protocol.ToolCall, policy Policy, normalized string) (protocol.ToolOutput, error) {
	tier := policy.Sandbox
	state := escInitial

	for {
		output, err := o.registry.Dispatch(ctx, tool.Invocation{
			Call:       call,
			Executor:   o.executor,
			Tier:       tier,
			WorkingDir: policy.WorkingDir,
			Timeout:    policy.ToolTimeout,
		})
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return protocol.ToolOutput{}, ctx.Err()
		}
		if !sandbox.IsDenied(err) {
			return protocol.ToolOutput{}, err
		}

		// Sandbox denial. One escalation round-trip is permitted; a
		// second denial is terminal for this call.
		if state != escInitial || !policy.AllowEscalation || tier == sandbox.TierNone {
			state = escDone
			return protocol.ToolOutput{}, tool.Deniedf("sandbox denied %s: %v", call.Name, err)
		}

		o.logger.Info().
			Str("tool", call.Name).
			Str("call_id", call.CallID).
			Msg("Sandbox denied call, requesting escalation")

		decision, aerr := o.requestApproval(ctx, call, normalized, true)
		if aerr != nil {
			return protocol.ToolOutput{}, aerr
		}
		if !decision.Approved() {
			// Denied escalation returns the original sandbox error.
			return protocol.ToolOutput{}, tool.Deniedf("sandbox denied %s: %v", call.Name, err)
		}
		state = escEscalating
		tier = sandbox.TierNone
	}
}

func (o *Orchestrator) requestApproval(ctx context.Context, call protocol.ToolCall, normalized string, escalated bool) (protocol.ApprovalDecision, error) {
	key := approvalKey{tool: call.Name, normalized: normalized, escalated: escalated}
	if o.cache.contains(key) {
		o.logger.Debug().Str("tool", call.Name).Msg("Approval satisfied by session cache")
		return protocol.DecisionApprovedForSession, nil
	}

	decision, err := o.approvals.Request(ctx, ApprovalRequest{
		CallID:         call.CallID,
		Tool:           call.Name,
		ProposedAction: normalized,
		Escalated:      escalated,
	})
	if err != nil {
		return protocol.DecisionDenied, err
	}
	if decision == protocol.DecisionApprovedForSession {
		o.cache.put(key)
	}
	return decision, nil
}

// RunAll executes one turn's calls with the shared read/write gate:
// parallel-capable non-mutating calls hold the read lock and may overlap,
// everything else holds the write lock and runs serialized. Outcomes come
// back in request order regardless of completion order.
func (o *Orchestrator) RunAll(ctx context.Context, calls []protocol.ToolCall, policy Policy) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var gate sync.RWMutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		parallel := o.supportsParallel(call)
		g.Go(func() error {
			if parallel {
				gate.RLock()
				defer gate.RUnlock()
			} else {
				gate.Lock()
				defer gate.Unlock()
			}
			output, err := o.Run(gctx, call, policy)
			outcomes[i] = Outcome{Call: call, Output: output, Err: err}
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	if policy.DiscardPartialOnDeny {
		discardPartials(outcomes)
	}
	return outcomes
}

func (o *Orchestrator) supportsParallel(call protocol.ToolCall) bool {
	handler, err := o.registry.Lookup(call)
	if err != nil {
		return false
	}
	return handler.SupportsParallel() && !handler.IsMutating(call)
}

// discardPartials replaces completed sibling outputs when any call in the
// turn was denied, so a deny wipes the whole batch from the model's view.
func discardPartials(outcomes []Outcome) {
	denied := false
	for _, oc := range outcomes {
		if oc.Err != nil && tool.AsCallError(oc.Err).Kind == tool.KindDenied {
			denied = true
			break
		}
	}
	if !denied {
		return
	}
	for i, oc := range outcomes {
		if oc.Err == nil {
			outcomes[i].Output = protocol.ToolOutput{
				Content: "result discarded: a sibling call in this turn was denied",
				Success: protocol.Bool(false),
			}
		}
	}
}
