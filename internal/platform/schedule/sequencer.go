package schedule

import "sync"

// Sequencer issues monotonically increasing sequence numbers per key.
// A response tagged with a sequence is current only while no newer
// sequence has been issued for the same key.
type Sequencer struct {
	mu     sync.Mutex
	latest map[string]uint64
}

// NewSequencer creates an empty sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{latest: make(map[string]uint64)}
}

// Next issues the next sequence number for key
func (s *Sequencer) Next(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[key]++
	return s.latest[key]
}

// Accept reports whether seq is still the latest issued for key
func (s *Sequencer) Accept(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return seq != 0 && s.latest[key] == seq
}

// Latest returns the latest issued sequence for key (0 if none)
func (s *Sequencer) Latest(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[key]
}
