package credstore

import "sync"

// MemoryStore is a thread-safe in-process Store. Records are lost when the
// process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	record Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Read() (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record, nil
}

func (s *MemoryStore) Write(p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.Apply(s.record)
	if err := next.Validate(); err != nil {
		return err
	}
	s.record = next
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.record = Record{}
	s.mu.Unlock()
	return nil
}
