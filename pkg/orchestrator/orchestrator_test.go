package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relay/pkg/protocol"
	"github.com/harun/relay/pkg/sandbox"
	"github.com/harun/relay/pkg/tool"
)

// scriptedApprovals replays decisions in order and records requests.
type scriptedApprovals struct {
	mu        sync.Mutex
	decisions []protocol.ApprovalDecision
	Requests  []ApprovalRequest
	// Block makes Request wait for ctx cancellation, simulating an
	// unanswered approval.
	Block bool
}

func (s *scriptedApprovals) Request(ctx context.Context, req ApprovalRequest) (protocol.ApprovalDecision, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	block := s.Block
	var decision protocol.ApprovalDecision = protocol.DecisionDenied
	if len(s.decisions) > 0 {
		decision = s.decisions[0]
		s.decisions = s.decisions[1:]
	}
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return protocol.DecisionDenied, ctx.Err()
	}
	return decision, nil
}

func (s *scriptedApprovals) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

func shellCall(id string, command ...string) protocol.ToolCall {
	return protocol.ToolCall{
		CallID:  id,
		Name:    "shell",
		Payload: protocol.ShellPayload{Command: command},
	}
}

func newTestOrchestrator(t *testing.T, exec sandbox.Executor, approvals Approvals) (*Orchestrator, *tool.Registry) {
	t.Helper()
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Spec{Name: "shell", Description: "run a command"}, tool.NewShellHandler()))
	return New(registry, exec, approvals, zerolog.Nop()), registry
}

func TestOrchestrator_Run_SkipPolicyExecutes(t *testing.T) {
	exec := sandbox.NewFakeExecutor(sandbox.FakeOutcome{Result: sandbox.Result{Stdout: "ok\n"}})
	approvals := &scriptedApprovals{}
	o, _ := newTestOrchestrator(t, exec, approvals)

	out, err := o.Run(context.Background(), shellCall("c1", "echo", "ok"), Policy{
		Approval: ApprovalNever,
		Sandbox:  sandbox.TierWorkspaceWrite,
	})

	require.NoError(t, err)
	assert.True(t, out.Ok())
	assert.Zero(t, approvals.requestCount())
	assert.Equal(t, 1, exec.Calls())
}

func TestOrchestrator_Run_ForbiddenNeverExecutes(t *testing.T) {
	exec := sandbox.NewFakeExecutor()
	o, _ := newTestOrchestrator(t, exec, &scriptedApprovals{})

	_, err := o.Run(context.Background(), shellCall("c1", "rm", "-rf", "/"), Policy{
		Approval:  ApprovalNever,
		Sandbox:   sandbox.TierWorkspaceWrite,
		Overrides: map[string]ToolOverride{"shell": OverrideForbid},
	})

	require.Error(t, err)
	assert.Equal(t, tool.KindDenied, tool.AsCallError(err).Kind)
	assert.Zero(t, exec.Calls(), "forbidden call must not execute")
}

func TestOrchestrator_Run_DeniedApprovalNoSideEffect(t *testing.T) {
	exec := sandbox.NewFakeExecutor()
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{protocol.DecisionDenied}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	_, err := o.Run(context.Background(), shellCall("c1", "touch", "x"), Policy{
		Approval: ApprovalOnMutation,
		Sandbox:  sandbox.TierWorkspaceWrite,
	})

	require.Error(t, err)
	assert.Equal(t, tool.KindDenied, tool.AsCallError(err).Kind)
	assert.Zero(t, exec.Calls())
}

func TestOrchestrator_Run_ApprovedForSessionCached(t *testing.T) {
	exec := sandbox.NewFakeExecutor()
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{protocol.DecisionApprovedForSession}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	policy := Policy{Approval: ApprovalAlways, Sandbox: sandbox.TierWorkspaceWrite}

	_, err := o.Run(context.Background(), shellCall("c1", "ls"), policy)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), shellCall("c2", "ls"), policy)
	require.NoError(t, err)

	assert.Equal(t, 1, approvals.requestCount(), "identical call must skip the prompt")
	assert.Equal(t, 2, exec.Calls())
}

func TestOrchestrator_Run_PlainApprovalNotCached(t *testing.T) {
	exec := sandbox.NewFakeExecutor()
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{
		protocol.DecisionApproved,
		protocol.DecisionApproved,
	}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	policy := Policy{Approval: ApprovalAlways, Sandbox: sandbox.TierWorkspaceWrite}

	_, err := o.Run(context.Background(), shellCall("c1", "ls"), policy)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), shellCall("c2", "ls"), policy)
	require.NoError(t, err)

	assert.Equal(t, 2, approvals.requestCount())
}

func TestOrchestrator_Run_EscalationApproved(t *testing.T) {
	exec := sandbox.NewFakeExecutor(
		sandbox.FakeOutcome{Err: sandbox.ErrDenied},
		sandbox.FakeOutcome{Result: sandbox.Result{Stdout: "done\n"}},
	)
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{protocol.DecisionApproved}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	out, err := o.Run(context.Background(), shellCall("c1", "make", "install"), Policy{
		Approval:        ApprovalNever,
		Sandbox:         sandbox.TierWorkspaceWrite,
		AllowEscalation: true,
	})

	require.NoError(t, err)
	assert.True(t, out.Ok())
	require.Equal(t, 1, approvals.requestCount())
	assert.True(t, approvals.Requests[0].Escalated)
	// Second attempt runs without the sandbox.
	assert.Equal(t, []sandbox.Tier{sandbox.TierWorkspaceWrite, sandbox.TierNone}, exec.Tiers)
}

func TestOrchestrator_Run_EscalationDeniedReturnsOriginalError(t *testing.T) {
	exec := sandbox.NewFakeExecutor(sandbox.FakeOutcome{Err: sandbox.ErrDenied})
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{protocol.DecisionDenied}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	_, err := o.Run(context.Background(), shellCall("c1", "make", "install"), Policy{
		Approval:        ApprovalNever,
		Sandbox:         sandbox.TierWorkspaceWrite,
		AllowEscalation: true,
	})

	require.Error(t, err)
	assert.Equal(t, tool.KindDenied, tool.AsCallError(err).Kind)
	assert.Contains(t, err.Error(), "sandbox denied")
	assert.Equal(t, 1, exec.Calls(), "denied escalation must not re-execute")
}

func TestOrchestrator_Run_AtMostOneEscalation(t *testing.T) {
	// Denied twice in a row: initial + escalated. Never a third attempt.
	exec := sandbox.NewFakeExecutor(
		sandbox.FakeOutcome{Err: sandbox.ErrDenied},
		sandbox.FakeOutcome{Err: sandbox.ErrDenied},
	)
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{
		protocol.DecisionApproved,
		protocol.DecisionApproved,
	}}
	o, _ := newTestOrchestrator(t, exec, approvals)

	_, err := o.Run(context.Background(), shellCall("c1", "mount"), Policy{
		Approval:        ApprovalNever,
		Sandbox:         sandbox.TierReadOnly,
		AllowEscalation: true,
	})

	require.Error(t, err)
	assert.Equal(t, tool.KindDenied, tool.AsCallError(err).Kind)
	assert.Equal(t, 2, exec.Calls())
	assert.Equal(t, 1, approvals.requestCount())
}

func TestOrchestrator_Run_NoEscalationWhenDisallowed(t *testing.T) {
	exec := sandbox.NewFakeExecutor(sandbox.FakeOutcome{Err: sandbox.ErrDenied})
	approvals := &scriptedApprovals{}
	o, _ := newTestOrchestrator(t, exec, approvals)

	_, err := o.Run(context.Background(), shellCall("c1", "touch", "/etc/x"), Policy{
		Approval: ApprovalNever,
		Sandbox:  sandbox.TierReadOnly,
	})

	require.Error(t, err)
	assert.Zero(t, approvals.requestCount())
	assert.Equal(t, 1, exec.Calls())
}

func TestOrchestrator_Run_CancelledApprovalAborts(t *testing.T) {
	exec := sandbox.NewFakeExecutor()
	approvals := &scriptedApprovals{Block: true}
	o, _ := newTestOrchestrator(t, exec, approvals)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, shellCall("c1", "touch", "x"), Policy{
			Approval: ApprovalAlways,
			Sandbox:  sandbox.TierWorkspaceWrite,
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, exec.Calls())
	case <-time.After(2 * time.Second):
		t.Fatal("approval wait did not observe cancellation")
	}
}

func TestOrchestrator_RunAll_RequestOrderPreserved(t *testing.T) {
	registry := tool.NewRegistry()
	// slow finishes last but must come back first.
	require.NoError(t, registry.Register(tool.Spec{Name: "slow", Description: "slow probe"},
		tool.NewFuncHandler("slow", func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
			time.Sleep(100 * time.Millisecond)
			return protocol.ToolOutput{Content: "slow"}, nil
		})))
	require.NoError(t, registry.Register(tool.Spec{Name: "fast", Description: "fast probe"},
		tool.NewFuncHandler("fast", func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
			return protocol.ToolOutput{Content: "fast"}, nil
		})))
	o := New(registry, sandbox.NewFakeExecutor(), AutoApprovals{}, zerolog.Nop())

	calls := []protocol.ToolCall{
		{CallID: "c1", Name: "slow", Payload: protocol.FunctionPayload{Arguments: json.RawMessage(`{}`)}},
		{CallID: "c2", Name: "fast", Payload: protocol.FunctionPayload{Arguments: json.RawMessage(`{}`)}},
	}
	outcomes := o.RunAll(context.Background(), calls, Policy{Approval: ApprovalNever})

	require.Len(t, outcomes, 2)
	assert.Equal(t, "slow", outcomes[0].Output.Content)
	assert.Equal(t, "fast", outcomes[1].Output.Content)
}

func TestOrchestrator_RunAll_MutatingSerializedAgainstParallel(t *testing.T) {
	registry := tool.NewRegistry()
	var active, maxActive, mutatingSeen int32

	enter := func() {
		n := atomic.AddInt32(&active, 1)
		for {
			max := atomic.LoadInt32(&maxActive)
			if n <= max || atomic.CompareAndSwapInt32(&maxActive, max, n) {
				break
			}
		}
	}
	leave := func() { atomic.AddInt32(&active, -1) }

	require.NoError(t, registry.Register(tool.Spec{Name: "reader", Description: "read probe"},
		tool.NewFuncHandler("reader", func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
			enter()
			defer leave()
			time.Sleep(30 * time.Millisecond)
			return protocol.ToolOutput{Content: "r"}, nil
		})))
	require.NoError(t, registry.Register(tool.Spec{Name: "writer", Description: "write probe"},
		tool.NewMutatingFuncHandler("writer", func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
			if atomic.LoadInt32(&active) != 0 {
				atomic.StoreInt32(&mutatingSeen, 1)
			}
			time.Sleep(30 * time.Millisecond)
			return protocol.ToolOutput{Content: "w"}, nil
		})))
	o := New(registry, sandbox.NewFakeExecutor(), AutoApprovals{}, zerolog.Nop())

	args := json.RawMessage(`{}`)
	calls := []protocol.ToolCall{
		{CallID: "c1", Name: "reader", Payload: protocol.FunctionPayload{Arguments: args}},
		{CallID: "c2", Name: "reader", Payload: protocol.FunctionPayload{Arguments: args}},
		{CallID: "c3", Name: "writer", Payload: protocol.FunctionPayload{Arguments: args}},
		{CallID: "c4", Name: "reader", Payload: protocol.FunctionPayload{Arguments: args}},
	}
	outcomes := o.RunAll(context.Background(), calls, Policy{Approval: ApprovalNever})

	require.Len(t, outcomes, 4)
	for _, oc := range outcomes {
		require.NoError(t, oc.Err)
	}
	assert.Zero(t, atomic.LoadInt32(&mutatingSeen),
		"mutating call overlapped a parallel call")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&maxActive), int32(2),
		"non-mutating calls should overlap")
}

func TestOrchestrator_RunAll_DiscardPartialOnDeny(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Spec{Name: "probe", Description: "probe"},
		tool.NewFuncHandler("probe", func(ctx context.Context, args json.RawMessage) (protocol.ToolOutput, error) {
			return protocol.ToolOutput{Content: "data", Success: protocol.Bool(true)}, nil
		})))
	require.NoError(t, registry.Register(tool.Spec{Name: "shell", Description: "run"}, tool.NewShellHandler()))
	approvals := &scriptedApprovals{decisions: []protocol.ApprovalDecision{protocol.DecisionDenied}}
	o := New(registry, sandbox.NewFakeExecutor(), approvals, zerolog.Nop())

	calls := []protocol.ToolCall{
		{CallID: "c1", Name: "probe", Payload: protocol.FunctionPayload{Arguments: json.RawMessage(`{}`)}},
		shellCall("c2", "touch", "x"),
	}
	outcomes := o.RunAll(context.Background(), calls, Policy{
		Approval:             ApprovalOnMutation,
		Sandbox:              sandbox.TierWorkspaceWrite,
		DiscardPartialOnDeny: true,
	})

	require.NoError(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Output.Content, "discarded")
	assert.False(t, outcomes[0].Output.Ok())
	assert.Equal(t, tool.KindDenied, tool.AsCallError(outcomes[1].Err).Kind)
}

func TestPolicy_Requirement(t *testing.T) {
	p := Policy{
		Approval: ApprovalOnMutation,
		Overrides: map[string]ToolOverride{
			"free":      OverrideSkip,
			"dangerous": OverrideForbid,
		},
	}

	assert.Equal(t, RequireSkip, p.requirement("free", true))
	assert.Equal(t, RequireForbidden, p.requirement("dangerous", false))
	assert.Equal(t, RequireApproval, p.requirement("shell", true))
	assert.Equal(t, RequireSkip, p.requirement("reader", false))
	assert.Equal(t, RequireApproval, Policy{Approval: ApprovalAlways}.requirement("reader", false))
}

func TestNormalizeCall_Shell(t *testing.T) {
	key := normalizeCall(shellCall("c1", " echo ", "hi"))
	assert.Equal(t, "echo hi", key)
}
