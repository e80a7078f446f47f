package inventory

import "sync"

// Snapshot is the set of hosts still eligible for a running play. It
// implements engine.HostRegistry; hosts removed from outside the scheduler
// drop out of the next round.
type Snapshot struct {
	mu      sync.RWMutex
	order   []string
	removed map[string]bool
}

// NewSnapshot creates a snapshot over names, keeping their order.
func NewSnapshot(names []string) *Snapshot {
	return &Snapshot{
		order:   append([]string(nil), names...),
		removed: make(map[string]bool),
	}
}

// HostsLeft returns a fresh copy of the remaining host names.
func (s *Snapshot) HostsLeft() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	left := make([]string, 0, len(s.order)-len(s.removed))
	for _, n := range s.order {
		if !s.removed[n] {
			left = append(left, n)
		}
	}
	return left
}

// Remove takes host out of the play. It reports whether the host was present.
func (s *Snapshot) Remove(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.order {
		if n == host && !s.removed[n] {
			s.removed[n] = true
			return true
		}
	}
	return false
}

// Len returns the number of remaining hosts.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order) - len(s.removed)
}
