package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/n0rdy/kbq/common"
)

type State string

const (
	IdleState                State = "idle"
	FetchingBatchState       State = "fetching_batch"
	ProcessingBatchState     State = "processing_batch"
	VerifyingCompletionState State = "verifying_completion"
	CompleteState            State = "complete"
	AbortingState            State = "aborting"
	AbortedState             State = "aborted"
)

type TerminalReason string

const (
	CompleteReason TerminalReason = "complete"
	AbortedReason  TerminalReason = "aborted"
)

// ItemFailure is one failed processing attempt seen by this session.
type ItemFailure struct {
	Item  common.QueueItem
	Error string
}

// Progress is emitted after every processed batch.
type Progress struct {
	SessionId  string
	Queue      common.QueueHandle
	Round      int
	BatchItems int
	Completed  int // session tally
	Failed     int // session tally
	Titles     []string
	Failures   []ItemFailure
}

// Outcome is the terminal result of a session.
type Outcome struct {
	SessionId string
	Queue     common.QueueHandle
	Reason    TerminalReason
	// Status is the freshest server snapshot in hand, nil if none could be fetched.
	Status    *common.QueueStatus
	Completed int
	Failed    int
	Rounds    int
	// Verified is false when completion was assumed rather than confirmed by the server counters.
	Verified bool
	Failures []ItemFailure
}

// Session is the client-side state of driving one queue. It exclusively owns the abort flag
// and the cancel func of the in-flight fetch batch.
type Session struct {
	id     string
	handle common.QueueHandle

	mu             sync.Mutex
	state          State
	running        bool
	abortRequested bool
	cancelInFlight context.CancelFunc

	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	outcome   Outcome
}

func newSession(id string, handle common.QueueHandle) *Session {
	return &Session{
		id:      id,
		handle:  handle,
		state:   IdleState,
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) Handle() common.QueueHandle {
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Abort requests a cooperative stop. A fetch batch in flight is cancelled right away,
// items already being processed are allowed to finish and are tallied.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.abortRequested {
		return
	}
	s.abortRequested = true
	s.abortOnce.Do(func() { close(s.abortCh) })

	if s.state == FetchingBatchState && s.cancelInFlight != nil {
		s.cancelInFlight()
	}
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session reached a terminal state and returns its outcome.
func (s *Session) Wait() Outcome {
	<-s.done
	return s.outcome
}

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) isAbortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortRequested
}

// beginFetch registers the cancel func of a fetch batch. Returns false if an abort is already pending,
// in which case nothing may be dispatched.
func (s *Session) beginFetch(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abortRequested {
		return false
	}
	s.state = FetchingBatchState
	s.cancelInFlight = cancel
	return true
}

func (s *Session) endFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelInFlight = nil
}

// sleep waits for d unless the session gets aborted or ctx is done first. Returns false in the latter case.
func (s *Session) sleep(d time.Duration, ctx context.Context) bool {
	if d <= 0 {
		return !s.isAbortRequested() && ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.abortCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) finish(state State, outcome Outcome) {
	s.mu.Lock()
	s.state = state
	s.running = false
	s.cancelInFlight = nil
	s.outcome = outcome
	s.mu.Unlock()

	close(s.done)
}
