package run

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a run's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateKilled    State = "killed"
	StateErrored   State = "errored"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateKilled || s == StateErrored
}

// Session is the aggregate state of one execution. It is owned by the
// supervisor goroutine that drives it; the registry only holds a lookup
// reference for the session's active lifetime.
type Session struct {
	ID       string
	FileName string

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	exitCode   *int
	signal     *string
	abort      func()

	// terminal is the check-and-set guard ensuring exactly one
	// terminal transition whichever path (exit observer, watchdog,
	// launch failure) gets there first.
	terminal atomic.Bool
	// killed is set by the watchdog (or Abort) before it signals the
	// process, so the exit observer can tell a kill from a natural
	// exit.
	killed atomic.Bool
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	RunID      string     `json:"run_id"`
	FileName   string     `json:"file_name"`
	State      State      `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Signal     *string    `json:"signal,omitempty"`
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RunID:    s.ID,
		FileName: s.FileName,
		State:    s.state,
		ExitCode: s.exitCode,
		Signal:   s.signal,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Abort forcibly terminates the run early. It reuses the watchdog's kill
// path, so an aborted run surfaces exactly like a timed-out one. Aborting
// a pending or already-terminal run is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (s *Session) setAbort(f func()) {
	s.mu.Lock()
	s.abort = f
	s.mu.Unlock()
}

func (s *Session) markRunning(at time.Time) {
	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = at
	s.mu.Unlock()
}

func (s *Session) markFinished(state State, at time.Time, exitCode *int, signal *string) {
	s.mu.Lock()
	s.state = state
	s.finishedAt = at
	s.exitCode = exitCode
	s.signal = signal
	s.abort = nil
	s.mu.Unlock()
}

// Registry is the process-wide map of active runs. It is the single
// source of truth for whether a runId is currently live. Entries appear
// at submission time, before the process launches, and disappear once
// the run is terminal and cleanup has finished.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Session)}
}

// Create allocates a fresh runId, registers a pending session under it,
// and returns the session. runIds are uniqueness-checked before insert
// so concurrent submissions never collide.
func (r *Registry) Create(fileName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for range 5 {
		id := uuid.New().String()
		if _, taken := r.runs[id]; taken {
			continue
		}
		sess := &Session{ID: id, FileName: fileName, state: StatePending}
		r.runs[id] = sess
		return sess, nil
	}
	return nil, fmt.Errorf("could not allocate a unique run id")
}

// Get returns the active session for a runId, if any.
func (r *Registry) Get(runID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.runs[runID]
	return sess, ok
}

// Remove drops a session from the registry. Called by the supervisor
// once the run is terminal and its channel has been torn down.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Active returns the number of live runs.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
