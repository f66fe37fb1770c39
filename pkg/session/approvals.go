package session

import (
	"context"
	"sync"

	"github.com/harun/relay/pkg/orchestrator"
	"github.com/harun/relay/pkg/protocol"
)

// ApprovalBroker turns the orchestrator's synchronous approval requests
// into asynchronous events: the requesting goroutine parks until a
// decision submission resolves it, the context cancels, or the whole
// broker is denied on interrupt.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]chan protocol.ApprovalDecision
	emit    func(protocol.EventMsg)
}

// NewApprovalBroker returns an unbound broker. Bind must be called
// before the first Request.
func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{
		pending: make(map[string]chan protocol.ApprovalDecision),
	}
}

// Bind connects the broker to the session's event stream.
func (b *ApprovalBroker) Bind(emit func(protocol.EventMsg)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit = emit
}

var _ orchestrator.Approvals = (*ApprovalBroker)(nil)

// Request emits an approval event and blocks until resolved. There is no
// timeout; an unanswered request holds its call until the task is
// interrupted.
func (b *ApprovalBroker) Request(ctx context.Context, req orchestrator.ApprovalRequest) (protocol.ApprovalDecision, error) {
	id := protocol.NewID()
	ch := make(chan protocol.ApprovalDecision, 1)

	b.mu.Lock()
	b.pending[id] = ch
	emit := b.emit
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if emit != nil {
		emit(protocol.ApprovalRequestEvent{
			ID:             id,
			CallID:         req.CallID,
			Description:    req.Tool,
			ProposedAction: req.ProposedAction,
			Escalated:      req.Escalated,
		})
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return protocol.DecisionDenied, ctx.Err()
	}
}

// Resolve delivers a decision for a pending request. A stale or unknown
// id returns false and changes nothing.
func (b *ApprovalBroker) Resolve(id string, decision protocol.ApprovalDecision) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- decision
	return true
}

// DenyAll resolves every pending request as denied. Called on interrupt
// so parked tool calls fail fast instead of waiting for cancellation.
func (b *ApprovalBroker) DenyAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan protocol.ApprovalDecision)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- protocol.DecisionDenied
	}
}
