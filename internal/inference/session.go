package inference

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/kiln/internal/errs"
)

// State is a session lifecycle state.
type State int

const (
	StateCreated State = iota
	StatePrefilling
	StateDecoding
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateCreated:    "created",
	StatePrefilling: "prefilling",
	StateDecoding:   "decoding",
	StateCompleted:  "completed",
	StateCancelled:  "cancelled",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateCreated:    {StatePrefilling, StateCancelled},
	StatePrefilling: {StateDecoding, StateCancelled, StateFailed},
	StateDecoding:   {StateCompleted, StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

type session struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	lens    []atomic.Int64

	mu    sync.Mutex
	state State

	// emitMu serialises callbacks across candidates.
	emitMu sync.Mutex
}

func newSession(id string, candidates int, cancel context.CancelFunc) *session {
	return &session{
		id:      id,
		started: time.Now(),
		cancel:  cancel,
		lens:    make([]atomic.Int64, candidates),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return errs.State("inference.session", "illegal transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// emit delivers r unless ctx is done. The check and the callback happen
// under one lock so nothing is delivered once cancellation is observed.
func (s *session) emit(ctx context.Context, fn StepFunc, r StepResult) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		fn(r)
	}
	return nil
}

func (s *session) info() SessionInfo {
	lens := make([]int, len(s.lens))
	for i := range s.lens {
		lens[i] = int(s.lens[i].Load())
	}
	return SessionInfo{
		ID:         s.id,
		State:      s.State(),
		Started:    s.started,
		Candidates: len(s.lens),
		CacheLen:   lens,
	}
}
