package protocol

// Submission is one operation submitted to a session. Produced by the
// caller, consumed exactly once by the submission loop.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op is the tagged union of operations a caller can submit.
type Op interface {
	// OpKind returns the stable wire name of the variant.
	OpKind() string
}

// InputItem is one piece of user input. Only text input is modeled; richer
// item kinds can be added without touching the loop.
type InputItem struct {
	Text string `json:"text"`
}

// UserInputOp starts a new task, or feeds pending input into the running
// one when a task is already active.
type UserInputOp struct {
	Items []InputItem `json:"items"`
}

// InterruptOp cancels the active task without shutting the session down.
type InterruptOp struct{}

// ApprovalDecisionOp resolves a pending approval request by id. Stale or
// unknown ids are ignored.
type ApprovalDecisionOp struct {
	ID       string           `json:"id"`
	Decision ApprovalDecision `json:"decision"`
}

// ShutdownOp drains in-flight work and terminates the session. Terminal.
type ShutdownOp struct{}

// CompactOp requests an immediate history compaction.
type CompactOp struct{}

func (UserInputOp) OpKind() string        { return "user_input" }
func (InterruptOp) OpKind() string        { return "interrupt" }
func (ApprovalDecisionOp) OpKind() string { return "approval_decision" }
func (ShutdownOp) OpKind() string         { return "shutdown" }
func (CompactOp) OpKind() string          { return "compact" }

// ApprovalDecision is the caller's answer to an approval request.
type ApprovalDecision string

const (
	// DecisionApproved approves this one call.
	DecisionApproved ApprovalDecision = "approved"
	// DecisionApprovedForSession approves this call and any identical
	// call for the remaining lifetime of the session.
	DecisionApprovedForSession ApprovalDecision = "approved_for_session"
	// DecisionDenied rejects the call.
	DecisionDenied ApprovalDecision = "denied"
)

// Approved reports whether the decision permits execution.
func (d ApprovalDecision) Approved() bool {
	return d == DecisionApproved || d == DecisionApprovedForSession
}
