package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/protocol"
)

// State is the session's lifecycle phase.
type State string

const (
	// StateIdle means no task is running.
	StateIdle State = "idle"
	// StateRunning means a task is executing.
	StateRunning State = "running"
	// StateAborting means the active task was cancelled and has not yet
	// finished unwinding.
	StateAborting State = "aborting"
	// StateClosed means the session shut down; submissions are rejected.
	StateClosed State = "closed"
)

// TaskRunner executes one task against a host. The agent runner
// implements it; tests use a fake.
type TaskRunner interface {
	RunTask(ctx context.Context, host agent.Host, input []protocol.InputItem) error
	CompactContext(ctx context.Context, host agent.Host) error
}

// Config wires a session.
type Config struct {
	Runner TaskRunner
	Broker *ApprovalBroker
	// Journal is optional; when set every emitted event is persisted.
	Journal *Journal
	Logger  zerolog.Logger
	// InitialHistory seeds the conversation, typically with developer
	// instructions or a replayed transcript.
	InitialHistory []protocol.HistoryItem
	// EventBuffer sizes the outbound event channel. Defaults to 256.
	EventBuffer int
}

// ErrSessionClosed rejects submissions after shutdown.
var ErrSessionClosed = fmt.Errorf("session closed")

// Session is the submission loop actor. One goroutine owns all state
// transitions; Submit and Events are the only concurrent surfaces.
type Session struct {
	id     string
	runner TaskRunner
	broker *ApprovalBroker
	jrnl   *Journal
	logger zerolog.Logger

	subs     chan protocol.Submission
	events   chan protocol.Event
	taskDone chan error

	// mu guards the Host surface, shared between the actor goroutine
	// and the task goroutine.
	mu      sync.Mutex
	history []protocol.HistoryItem
	pending []protocol.InputItem
	usage   protocol.TokenUsage

	// Loop-goroutine state, unguarded.
	state      State
	activeSub  string
	cancelTask context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	loopDone  chan struct{}
}

// New starts a session actor. The caller owns the returned session and
// must Close it.
func New(cfg Config) (*Session, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if cfg.Broker == nil {
		cfg.Broker = NewApprovalBroker()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	s := &Session{
		id:       uuid.NewString(),
		runner:   cfg.Runner,
		broker:   cfg.Broker,
		jrnl:     cfg.Journal,
		logger:   cfg.Logger,
		subs:     make(chan protocol.Submission, 64),
		events:   make(chan protocol.Event, cfg.EventBuffer),
		taskDone: make(chan error, 1),
		history:  protocol.CloneHistory(cfg.InitialHistory),
		state:    StateIdle,
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.broker.Bind(s.Emit)

	go s.run()
	s.logger.Info().Str("session_id", s.id).Msg("Session started")
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Broker exposes the approval broker for orchestrator wiring.
func (s *Session) Broker() *ApprovalBroker { return s.broker }

// State returns the current lifecycle phase. Test and introspection
// surface; the loop goroutine is the only writer.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Submit queues one submission. It fails once the session is closed.
func (s *Session) Submit(sub protocol.Submission) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.subs <- sub:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Events is the ordered outbound stream. It closes after shutdown.
func (s *Session) Events() <-chan protocol.Event { return s.events }

// Close shuts the session down and waits for the loop to exit.
func (s *Session) Close() error {
	_ = s.Submit(protocol.Submission{ID: protocol.NewID(), Op: protocol.ShutdownOp{}})
	<-s.loopDone
	return nil
}

// run is the actor loop. It is the only goroutine that transitions
// state; the task goroutine reports back through taskDone.
func (s *Session) run() {
	for {
		select {
		case sub := <-s.subs:
			if shutdown := s.handle(sub); shutdown {
				s.shutdown()
				return
			}
		case err := <-s.taskDone:
			s.finishTask(err)
		}
	}
}

func (s *Session) handle(sub protocol.Submission) (shutdown bool) {
	switch op := sub.Op.(type) {
	case protocol.UserInputOp:
		s.handleUserInput(sub.ID, op)
	case protocol.InterruptOp:
		s.handleInterrupt(sub.ID)
	case protocol.ApprovalDecisionOp:
		s.handleDecision(sub.ID, op)
	case protocol.CompactOp:
		s.handleCompact(sub.ID)
	case protocol.ShutdownOp:
		return true
	default:
		s.emitFor(sub.ID, protocol.ErrorEvent{
			Message: fmt.Sprintf("unsupported operation: %s", sub.Op.OpKind()),
		})
	}
	return false
}

// handleUserInput starts a task when idle, or folds the input into the
// running task so it is picked up before the next turn.
func (s *Session) handleUserInput(subID string, op protocol.UserInputOp) {
	if len(op.Items) == 0 {
		s.emitFor(subID, protocol.WarningEvent{Message: "ignoring empty input"})
		return
	}

	if s.state == StateRunning {
		s.mu.Lock()
		s.pending = append(s.pending, op.Items...)
		s.mu.Unlock()
		s.logger.Debug().Str("submission_id", subID).Msg("Input queued into active task")
		return
	}
	if s.state == StateAborting {
		// The old task is still unwinding; queue behind it.
		s.mu.Lock()
		s.pending = append(s.pending, op.Items...)
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelTask = cancel
	s.mu.Lock()
	s.activeSub = subID
	s.state = StateRunning
	s.mu.Unlock()

	go func() {
		s.taskDone <- s.runner.RunTask(ctx, s, op.Items)
	}()
}

func (s *Session) handleInterrupt(subID string) {
	if s.state != StateRunning {
		s.logger.Debug().Str("submission_id", subID).Msg("Interrupt with no active task")
		return
	}
	s.setState(StateAborting)
	// Deny parked approvals first so suspended calls resolve as denials
	// rather than raw cancellation errors.
	s.broker.DenyAll()
	s.cancelTask()
}

func (s *Session) handleDecision(subID string, op protocol.ApprovalDecisionOp) {
	if !s.broker.Resolve(op.ID, op.Decision) {
		// Stale decisions are expected after interrupts; ignore.
		s.logger.Debug().
			Str("submission_id", subID).
			Str("approval_id", op.ID).
			Msg("Decision for unknown approval ignored")
	}
}

func (s *Session) handleCompact(subID string) {
	if s.state != StateIdle {
		s.emitFor(subID, protocol.WarningEvent{Message: "compaction skipped: a task is active"})
		return
	}
	s.mu.Lock()
	s.activeSub = subID
	s.mu.Unlock()
	if err := s.runner.CompactContext(context.Background(), s); err != nil {
		s.emitFor(subID, protocol.ErrorEvent{Message: err.Error()})
	}
}

func (s *Session) finishTask(err error) {
	aborted := s.state == StateAborting
	s.cancelTask = nil
	s.setState(StateIdle)

	if err != nil {
		if aborted || errors.Is(err, context.Canceled) {
			s.Emit(protocol.ErrorEvent{Message: "task interrupted"})
		}
		// Fatal task errors already emitted their ErrorEvent inside the
		// runner; nothing more to add here.
		s.logger.Info().Err(err).Str("session_id", s.id).Msg("Task finished with error")
	}
	s.mu.Lock()
	s.activeSub = ""
	s.mu.Unlock()

	// A completed task drains its own pending input; anything left here
	// belongs to a task that never got to it and starts the next one.
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) > 0 {
		s.handleUserInput(protocol.NewID(), protocol.UserInputOp{Items: pending})
	}
}

func (s *Session) shutdown() {
	// Closing the gate first rejects new submissions and unblocks any
	// emit stuck on a full event buffer.
	s.closeOnce.Do(func() { close(s.closed) })

	if s.state == StateRunning || s.state == StateAborting {
		s.broker.DenyAll()
		if s.cancelTask != nil {
			s.cancelTask()
		}
		// Wait for the task goroutine so nothing emits after close.
		<-s.taskDone
	}
	s.setState(StateClosed)
	close(s.events)
	close(s.loopDone)
	s.logger.Info().Str("session_id", s.id).Msg("Session closed")
}
