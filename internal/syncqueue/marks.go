package syncqueue

import "sync"

// Marks remembers, per node, the UpdatedAt of the last write the mirror
// watcher made. A record whose UpdatedAt still equals its mark has not
// been touched by anyone else since.
type Marks struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewMarks returns an empty set.
func NewMarks() *Marks {
	return &Marks{m: make(map[string]int64)}
}

func markKey(accountID, nodeID string) string {
	return accountID + "\x00" + nodeID
}

// Set records updatedAt as the watcher's last write of the node.
func (m *Marks) Set(accountID, nodeID string, updatedAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m[markKey(accountID, nodeID)] = updatedAt
}

// WrittenBy reports whether updatedAt is the watcher's own last write.
func (m *Marks) WrittenBy(accountID, nodeID string, updatedAt int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.m[markKey(accountID, nodeID)]

	return ok && v == updatedAt
}

// Clear forgets the node.
func (m *Marks) Clear(accountID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.m, markKey(accountID, nodeID))
}
