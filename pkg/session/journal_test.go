package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relay/pkg/protocol"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(JournalConfig{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// replayEventually polls until the async writer has persisted count
// events.
func replayEventually(t *testing.T, j *Journal, sessionID string, count int) []protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := j.Replay(context.Background(), sessionID)
		require.NoError(t, err)
		if len(events) >= count {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never reached %d events, have %d", count, len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJournal_RecordAndReplay(t *testing.T) {
	j := openTestJournal(t)

	j.Record("s1", protocol.Event{ID: "sub-1", Msg: protocol.TaskStartedEvent{}})
	j.Record("s1", protocol.Event{ID: "sub-1", Msg: protocol.AgentTextDeltaEvent{Delta: "hi"}})
	j.Record("s2", protocol.Event{ID: "sub-9", Msg: protocol.TaskStartedEvent{}})

	events := replayEventually(t, j, "s1", 2)
	require.Len(t, events, 2)
	assert.Equal(t, "task_started", events[0].Msg.EventKind())
	assert.Equal(t, protocol.AgentTextDeltaEvent{Delta: "hi"}, events[1].Msg)
	assert.Equal(t, "sub-1", events[1].ID)

	other := replayEventually(t, j, "s2", 1)
	require.Len(t, other, 1)
}

func TestJournal_ReplayPreservesPayloads(t *testing.T) {
	j := openTestJournal(t)

	original := protocol.Event{ID: "sub-1", Msg: protocol.ToolCallEndEvent{
		CallID: "c1",
		Tool:   "shell",
		Output: protocol.ToolOutput{Content: "exit code 0", Success: protocol.Bool(true)},
	}}
	j.Record("s1", original)

	events := replayEventually(t, j, "s1", 1)
	restored, ok := events[0].Msg.(protocol.ToolCallEndEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", restored.CallID)
	assert.True(t, restored.Output.Ok())
	assert.Equal(t, "exit code 0", restored.Output.Content)
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)

	j.Record("s1", protocol.Event{ID: "sub-1", Msg: protocol.TaskStartedEvent{}})
	replayEventually(t, j, "s1", 1)

	removed, err := j.Prune(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := j.Replay(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJournal_SessionIntegration(t *testing.T) {
	j := openTestJournal(t)
	runner := &fakeRunner{}
	s, err := New(Config{Runner: runner, Journal: j, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	submitInput(t, s, "sub-1", "hello")
	waitForEvent(t, s, "task_complete")

	events := replayEventually(t, j, s.ID(), 2)
	assert.Equal(t, "task_started", events[0].Msg.EventKind())
	assert.Equal(t, "task_complete", events[1].Msg.EventKind())
}
