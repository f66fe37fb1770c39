package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/orchestrator"
	"github.com/harun/relay/pkg/protocol"
)

// fakeRunner is a scriptable TaskRunner. The default script emits a
// completed task immediately.
type fakeRunner struct {
	mu           sync.Mutex
	run          func(ctx context.Context, host agent.Host, input []protocol.InputItem) error
	inputs       [][]protocol.InputItem
	compactCalls int
}

func (f *fakeRunner) RunTask(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	run := f.run
	f.mu.Unlock()

	if run != nil {
		return run(ctx, host, input)
	}
	host.Emit(protocol.TaskStartedEvent{})
	host.Emit(protocol.TaskCompleteEvent{LastMessage: "done"})
	return nil
}

func (f *fakeRunner) CompactContext(ctx context.Context, host agent.Host) error {
	f.mu.Lock()
	f.compactCalls++
	f.mu.Unlock()
	host.Emit(protocol.ContextCompactedEvent{})
	return nil
}

func (f *fakeRunner) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func newTestSession(t *testing.T, runner *fakeRunner) *Session {
	t.Helper()
	s, err := New(Config{Runner: runner, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submitInput(t *testing.T, s *Session, id, text string) {
	t.Helper()
	require.NoError(t, s.Submit(protocol.Submission{
		ID: id,
		Op: protocol.UserInputOp{Items: []protocol.InputItem{{Text: text}}},
	}))
}

// waitForEvent reads the stream until an event of the wanted kind
// arrives.
func waitForEvent(t *testing.T, s *Session, kind string) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event stream closed while waiting for %s", kind)
			if ev.Msg.EventKind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestSession_UserInput_RunsTaskAndTagsEvents(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSession(t, runner)

	submitInput(t, s, "sub-1", "hello")

	started := waitForEvent(t, s, "task_started")
	assert.Equal(t, "sub-1", started.ID)
	complete := waitForEvent(t, s, "task_complete")
	assert.Equal(t, "sub-1", complete.ID)
	assert.Equal(t, "done", complete.Msg.(protocol.TaskCompleteEvent).LastMessage)
	assert.Equal(t, 1, runner.taskCount())
}

func TestSession_InputDuringTask_FoldedIntoActiveTask(t *testing.T) {
	release := make(chan struct{})
	var drained []protocol.InputItem
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		<-release
		drained = host.DrainPending()
		host.Emit(protocol.TaskCompleteEvent{LastMessage: "merged"})
		return nil
	}
	s := newTestSession(t, runner)

	submitInput(t, s, "sub-1", "first")
	waitForEvent(t, s, "task_started")
	submitInput(t, s, "sub-2", "second")

	// Give the actor time to queue the second submission.
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitForEvent(t, s, "task_complete")

	assert.Equal(t, 1, runner.taskCount(), "mid-task input must not spawn a task")
	require.Len(t, drained, 1)
	assert.Equal(t, "second", drained[0].Text)
}

func TestSession_Interrupt_CancelsTask(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		<-ctx.Done()
		return ctx.Err()
	}
	s := newTestSession(t, runner)

	submitInput(t, s, "sub-1", "long task")
	waitForEvent(t, s, "task_started")
	require.NoError(t, s.Submit(protocol.Submission{ID: "sub-2", Op: protocol.InterruptOp{}}))

	ev := waitForEvent(t, s, "error")
	assert.Contains(t, ev.Msg.(protocol.ErrorEvent).Message, "interrupted")

	// The session is usable again.
	runner.mu.Lock()
	runner.run = nil
	runner.mu.Unlock()
	submitInput(t, s, "sub-3", "try again")
	complete := waitForEvent(t, s, "task_complete")
	assert.Equal(t, "sub-3", complete.ID)
}

func TestSession_ApprovalApproved(t *testing.T) {
	decisions := make(chan protocol.ApprovalDecision, 1)
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		return nil
	}
	s := newTestSession(t, runner)
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		decision, err := s.Broker().Request(ctx, orchestrator.ApprovalRequest{
			CallID:         "c1",
			Tool:           "shell",
			ProposedAction: "rm -rf build",
		})
		if err != nil {
			return err
		}
		decisions <- decision
		host.Emit(protocol.TaskCompleteEvent{})
		return nil
	}

	submitInput(t, s, "sub-1", "clean up")
	request := waitForEvent(t, s, "approval_request")
	msg := request.Msg.(protocol.ApprovalRequestEvent)
	assert.Equal(t, "c1", msg.CallID)
	assert.Equal(t, "rm -rf build", msg.ProposedAction)

	require.NoError(t, s.Submit(protocol.Submission{
		ID: "sub-2",
		Op: protocol.ApprovalDecisionOp{ID: msg.ID, Decision: protocol.DecisionApproved},
	}))

	waitForEvent(t, s, "task_complete")
	assert.Equal(t, protocol.DecisionApproved, <-decisions)
}

func TestSession_InterruptDuringApproval_DeniesPending(t *testing.T) {
	decisions := make(chan protocol.ApprovalDecision, 1)
	runner := &fakeRunner{}
	s := newTestSession(t, runner)
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		decision, _ := s.Broker().Request(ctx, orchestrator.ApprovalRequest{CallID: "c1", Tool: "shell"})
		decisions <- decision
		return ctx.Err()
	}

	submitInput(t, s, "sub-1", "risky thing")
	waitForEvent(t, s, "approval_request")
	require.NoError(t, s.Submit(protocol.Submission{ID: "sub-2", Op: protocol.InterruptOp{}}))

	select {
	case decision := <-decisions:
		assert.Equal(t, protocol.DecisionDenied, decision)
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never resolved")
	}
}

func TestSession_StaleDecision_Ignored(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSession(t, runner)

	require.NoError(t, s.Submit(protocol.Submission{
		ID: "sub-1",
		Op: protocol.ApprovalDecisionOp{ID: "no-such-approval", Decision: protocol.DecisionApproved},
	}))

	// The session still works normally afterwards.
	submitInput(t, s, "sub-2", "hello")
	complete := waitForEvent(t, s, "task_complete")
	assert.Equal(t, "sub-2", complete.ID)
}

func TestSession_CompactWhileIdle(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSession(t, runner)

	require.NoError(t, s.Submit(protocol.Submission{ID: "sub-1", Op: protocol.CompactOp{}}))

	ev := waitForEvent(t, s, "context_compacted")
	assert.Equal(t, "sub-1", ev.ID)
	assert.Equal(t, 1, runner.compactCalls)
}

func TestSession_CompactWhileRunning_Warns(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		<-release
		host.Emit(protocol.TaskCompleteEvent{})
		return nil
	}
	s := newTestSession(t, runner)

	submitInput(t, s, "sub-1", "work")
	waitForEvent(t, s, "task_started")
	require.NoError(t, s.Submit(protocol.Submission{ID: "sub-2", Op: protocol.CompactOp{}}))

	warning := waitForEvent(t, s, "warning")
	assert.Equal(t, "sub-2", warning.ID)
	assert.Contains(t, warning.Msg.(protocol.WarningEvent).Message, "task is active")
	assert.Equal(t, 0, runner.compactCalls)

	close(release)
	waitForEvent(t, s, "task_complete")
}

func TestSession_Close_RejectsSubmissionsAndClosesEvents(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(Config{Runner: runner, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, s.Close())

	err = s.Submit(protocol.Submission{ID: "sub-1", Op: protocol.UserInputOp{
		Items: []protocol.InputItem{{Text: "too late"}},
	}})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, ok := <-s.Events()
	assert.False(t, ok, "events must close on shutdown")
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_Close_StopsActiveTask(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		<-ctx.Done()
		return ctx.Err()
	}
	s, err := New(Config{Runner: runner, Logger: zerolog.Nop()})
	require.NoError(t, err)

	submitInput(t, s, "sub-1", "forever")
	waitForEvent(t, s, "task_started")

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the active task")
	}
}

func TestSession_FullEventBuffer_DoesNotBlockTask(t *testing.T) {
	done := make(chan struct{})
	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, host agent.Host, input []protocol.InputItem) error {
		host.Emit(protocol.TaskStartedEvent{})
		for i := 0; i < 32; i++ {
			host.Emit(protocol.AgentTextDeltaEvent{Delta: "chunk"})
		}
		host.Emit(protocol.TaskCompleteEvent{LastMessage: "done"})
		close(done)
		return nil
	}
	s, err := New(Config{Runner: runner, Logger: zerolog.Nop(), EventBuffer: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Nobody reads s.Events. Overflow events are dropped, the task
	// still runs to completion.
	submitInput(t, s, "sub-1", "hello")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task blocked on a full event buffer")
	}
}

func TestSession_EmptyInput_Warns(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSession(t, runner)

	require.NoError(t, s.Submit(protocol.Submission{ID: "sub-1", Op: protocol.UserInputOp{}}))

	warning := waitForEvent(t, s, "warning")
	assert.Contains(t, warning.Msg.(protocol.WarningEvent).Message, "empty input")
	assert.Equal(t, 0, runner.taskCount())
}
