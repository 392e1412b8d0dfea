package inmemdb

import (
	"context"
	"sync"

	"github.com/trezcool/nexlearn/core"
)

// KVStore is a process-local core.KVStore (storage engine "memory").
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
	err  error
}

var _ core.KVStore = (*KVStore)(nil) // interface compliance check

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

// Fail makes every following call return err (nil restores the store). Simulates unavailable storage.
func (s *KVStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *KVStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return "", s.err
	}
	val, ok := s.data[key]
	if !ok {
		return "", core.ErrKeyNotFound
	}
	return val, nil
}

func (s *KVStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.data[key] = value
	return nil
}

func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	delete(s.data, key)
	return nil
}

// Keys returns the stored keys (unordered).
func (s *KVStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
