package agent

import "sync"

// Store keeps the summary of the last completed run in memory.
type Store struct {
	mu      sync.RWMutex
	summary Summary
	ready   bool
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{}
}

// Update replaces the stored summary.
func (s *Store) Update(summary Summary) {
	s.mu.Lock()
	s.summary = summary
	s.ready = true
	s.mu.Unlock()
}

// Latest returns the most recent summary, if a run has completed.
func (s *Store) Latest() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return Summary{}, false
	}
	return s.summary, true
}
