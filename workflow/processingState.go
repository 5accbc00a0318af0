package workflow

import (
	"sync"
	"time"
)

// ProcessingState is the transient, process-local view of one running
// session. It is the only place pause/cancel INTENT lives; the persisted
// session status reflects the effect once the run loop observes the intent
// at its next checkpoint.
type ProcessingState struct {
	Status         string
	ShouldPause    bool
	ShouldCancel   bool
	CurrentIndex   int
	TotalEmployees int
	LastActivity   time.Time
}

// StateStore is the process-wide registry of per-session ProcessingState.
// Entries are created lazily and cleared when a run reaches a terminal
// state. The registry mutex is held only for lookup and copy, never across
// employee processing.
type StateStore struct {
	mu     sync.Mutex
	states map[uint]*ProcessingState
}

func NewStateStore() *StateStore {
	return &StateStore{states: map[uint]*ProcessingState{}}
}

// Get returns a copy of the session's state. The second result is false when
// no processing is active for the session.
func (s *StateStore) Get(sessionId uint) (ProcessingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sessionId]
	if !ok {
		return ProcessingState{}, false
	}
	return *state, true
}

// Update mutates the session's state under the registry lock, creating the
// entry if this is the first touch.
func (s *StateStore) Update(sessionId uint, fn func(*ProcessingState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sessionId]
	if !ok {
		state = &ProcessingState{}
		s.states[sessionId] = state
	}
	fn(state)
	state.LastActivity = time.Now().UTC()
}

// Clear removes the entry. Called when the run reaches a terminal state or
// the session is explicitly reset.
func (s *StateStore) Clear(sessionId uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionId)
}

func (s *StateStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
