package genstore

import (
	"context"
	"sort"
	"sync"
)

// LocalGenStore keeps the registry in-process. It pairs with in-memory providers.
type LocalGenStore struct {
	mu   sync.RWMutex
	seq  uint64
	live map[string]uint64
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore() *LocalGenStore {
	return &LocalGenStore{live: make(map[string]uint64)}
}

func (s *LocalGenStore) Register(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	e, ok := s.live[name]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live[name]; ok { // lost the race to another Register
		return e, nil
	}
	s.seq++
	s.live[name] = s.seq
	return s.seq, nil
}

func (s *LocalGenStore) Snapshot(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	e := s.live[name] // zero value (0) if missing
	s.mu.RUnlock()
	return e, nil
}

func (s *LocalGenStore) Remove(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.live[name]
	delete(s.live, name)
	s.mu.Unlock()
	return ok, nil
}

func (s *LocalGenStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.live))
	for n := range s.live {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *LocalGenStore) Close(context.Context) error { return nil }
