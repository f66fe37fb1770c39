package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeSubmission renders a submission as a self-describing JSON frame,
// the mirror of EncodeEvent for the inbound direction.
func EncodeSubmission(s Submission) ([]byte, error) {
	op, err := json.Marshal(s.Op)
	if err != nil {
		return nil, fmt.Errorf("encode submission %s: %w", s.Op.OpKind(), err)
	}
	return json.Marshal(envelope{ID: s.ID, Kind: s.Op.OpKind(), Msg: op})
}

// DecodeSubmission parses a frame produced by EncodeSubmission.
func DecodeSubmission(data []byte) (Submission, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	op, err := newOp(env.Kind)
	if err != nil {
		return Submission{}, err
	}
	// Payload-free ops (interrupt, shutdown) may omit the msg field.
	if len(env.Msg) > 0 {
		if err := json.Unmarshal(env.Msg, op); err != nil {
			return Submission{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	return Submission{ID: env.ID, Op: derefOp(op)}, nil
}

func newOp(kind string) (Op, error) {
	switch kind {
	case "user_input":
		return &UserInputOp{}, nil
	case "interrupt":
		return &InterruptOp{}, nil
	case "approval_decision":
		return &ApprovalDecisionOp{}, nil
	case "shutdown":
		return &ShutdownOp{}, nil
	case "compact":
		return &CompactOp{}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
}

func derefOp(op Op) Op {
	switch o := op.(type) {
	case *UserInputOp:
		return *o
	case *InterruptOp:
		return *o
	case *ApprovalDecisionOp:
		return *o
	case *ShutdownOp:
		return *o
	case *CompactOp:
		return *o
	default:
		return op
	}
}
