// internal/seckill/infrastructure/memory/status.go
package memory

import (
	"context"
	"sync"

	"flashsale/internal/seckill/domain"
)

// IntentStatusStore 是 port.IntentStatusStore 的进程内实现。
type IntentStatusStore struct {
	mu     sync.RWMutex
	states map[string]string
}

func NewIntentStatusStore() *IntentStatusStore {
	return &IntentStatusStore{states: make(map[string]string)}
}

func (s *IntentStatusStore) MarkAccepted(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[intentID] = string(domain.IntentProcessing)
	return nil
}

func (s *IntentStatusStore) MarkState(_ context.Context, intentID string, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[intentID] = state
	return nil
}

func (s *IntentStatusStore) Get(_ context.Context, intentID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[intentID]
	return state, ok, nil
}
