package orchestrator

import (
	"context"
	"sync"

	"github.com/harun/relay/pkg/protocol"
)

// ApprovalRequest is what the caller sees when a call needs a decision.
type ApprovalRequest struct {
	CallID         string
	Tool           string
	ProposedAction string
	// Escalated marks a request to retry a sandbox-denied call without
	// the sandbox.
	Escalated bool
}

// Approvals is the surface that suspends a call until the caller decides.
// Implementations must honor ctx cancellation by returning ctx.Err();
// there is no timeout on approval waits.
type Approvals interface {
	Request(ctx context.Context, req ApprovalRequest) (protocol.ApprovalDecision, error)
}

// approvalCache remembers ApprovedForSession decisions for the lifetime of
// the session, keyed by (tool name, normalized command, escalated).
type approvalCache struct {
	mu      sync.Mutex
	entries map[approvalKey]struct{}
}

type approvalKey struct {
	tool       string
	normalized string
	escalated  bool
}

func newApprovalCache() *approvalCache {
	return &approvalCache{entries: make(map[approvalKey]struct{})}
}

func (c *approvalCache) contains(key approvalKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *approvalCache) put(key approvalKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = struct{}{}
}

// AutoApprovals approves everything without caching. Useful for tests and
// for ApprovalNever sessions that still hit escalation requests.
type AutoApprovals struct{}

// Request implements Approvals.
func (AutoApprovals) Request(ctx context.Context, req ApprovalRequest) (protocol.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return protocol.DecisionDenied, err
	}
	return protocol.DecisionApproved, nil
}

// DenyAllApprovals denies everything. Useful for tests.
type DenyAllApprovals struct{}

// Request implements Approvals.
func (DenyAllApprovals) Request(ctx context.Context, req ApprovalRequest) (protocol.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return protocol.DecisionDenied, err
	}
	return protocol.DecisionDenied, nil
}
