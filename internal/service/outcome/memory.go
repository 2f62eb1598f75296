package outcome

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by dry runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{outcomes: make(map[string]Outcome)}
}

func (s *MemoryStore) Record(_ context.Context, channelID string, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[channelID] = s.outcomes[channelID].Merge(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, channelID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[channelID]
	if !ok {
		return Outcome{}, ErrNoOutcome
	}
	return o, nil
}

func (s *MemoryStore) Delete(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outcomes, channelID)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
