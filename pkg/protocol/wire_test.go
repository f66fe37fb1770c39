package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent_RoundTrip(t *testing.T) {
	cases := []EventMsg{
		TaskStartedEvent{},
		AgentTextDeltaEvent{Delta: "hel"},
		ToolCallBeginEvent{CallID: "c1", Tool: "shell"},
		ApprovalRequestEvent{ID: "a1", CallID: "c1", Description: "shell", ProposedAction: "rm -rf build", Escalated: true},
		ToolCallEndEvent{CallID: "c1", Tool: "shell", Output: ToolOutput{Content: "ok", Success: Bool(true)}},
		TaskCompleteEvent{LastMessage: "done"},
		ContextCompactedEvent{},
		WarningEvent{Message: "careful"},
		ErrorEvent{Message: "boom"},
	}

	for _, msg := range cases {
		t.Run(msg.EventKind(), func(t *testing.T) {
			data, err := EncodeEvent(Event{ID: "sub-1", Msg: msg})
			require.NoError(t, err)

			got, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, "sub-1", got.ID)
			assert.Equal(t, msg, got.Msg)
		})
	}
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"id":"x","kind":"telemetry","msg":{}}`))
	assert.ErrorContains(t, err, "unknown event kind")
}

func TestDecodeEvent_Garbage(t *testing.T) {
	_, err := DecodeEvent([]byte(`{{`))
	assert.ErrorContains(t, err, "decode event")
}

func TestEncodeDecodeSubmission_RoundTrip(t *testing.T) {
	cases := []Op{
		UserInputOp{Items: []InputItem{{Text: "run the tests"}}},
		InterruptOp{},
		ApprovalDecisionOp{ID: "a1", Decision: DecisionApproved},
		ShutdownOp{},
		CompactOp{},
	}

	for _, op := range cases {
		t.Run(op.OpKind(), func(t *testing.T) {
			data, err := EncodeSubmission(Submission{ID: "sub-9", Op: op})
			require.NoError(t, err)

			got, err := DecodeSubmission(data)
			require.NoError(t, err)
			assert.Equal(t, "sub-9", got.ID)
			assert.Equal(t, op, got.Op)
		})
	}
}

func TestDecodeSubmission_OmittedPayload(t *testing.T) {
	// Hand-written frames may skip msg for payload-free operations.
	got, err := DecodeSubmission([]byte(`{"id":"s1","kind":"interrupt"}`))
	require.NoError(t, err)
	assert.Equal(t, InterruptOp{}, got.Op)
}

func TestDecodeSubmission_UnknownKind(t *testing.T) {
	_, err := DecodeSubmission([]byte(`{"id":"s1","kind":"reboot","msg":{}}`))
	assert.ErrorContains(t, err, "unknown operation kind")
}

func TestEncodeEvent_IsValidJSON(t *testing.T) {
	data, err := EncodeEvent(Event{ID: "s", Msg: WarningEvent{Message: "m"}})
	require.NoError(t, err)

	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Contains(t, frame, "kind")
	assert.Contains(t, frame, "msg")
}
