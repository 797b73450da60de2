package genstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/unkn0wn-root/swcache/internal/wire"
	pr "github.com/unkn0wn-root/swcache/provider"
)

// registryKey lives in the provider's "meta:" keyspace, next to the entries.
const registryKey = "meta:generations"

// PersistentGenStore keeps the registry in the same provider as the entries,
// so a durable provider makes generations durable too. All mutations are
// write-through; a failed write leaves the in-memory view unchanged.
// It assumes a single writer process per provider.
type PersistentGenStore struct {
	p pr.Provider

	mu   sync.RWMutex
	seq  uint64
	live map[string]uint64
}

var _ GenStore = (*PersistentGenStore)(nil)

type registry struct {
	Live map[string]uint64 `cbor:"1,keyasint"`
}

// NewPersistentGenStore loads the registry from p. A missing registry starts empty.
func NewPersistentGenStore(ctx context.Context, p pr.Provider) (*PersistentGenStore, error) {
	s := &PersistentGenStore{p: p, live: make(map[string]uint64)}
	raw, ok, err := p.Get(ctx, registryKey)
	if err != nil {
		return nil, fmt.Errorf("load generation registry: %w", err)
	}
	if !ok {
		return s, nil
	}
	seq, payload, err := wire.DecodeMeta(raw)
	if err != nil {
		return nil, fmt.Errorf("load generation registry: %w", err)
	}
	var reg registry
	if err := cbor.Unmarshal(payload, &reg); err != nil {
		return nil, fmt.Errorf("decode generation registry: %w", err)
	}
	s.seq = seq
	for n, e := range reg.Live {
		s.live[n] = e
	}
	return s, nil
}

func (s *PersistentGenStore) Register(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	e, ok := s.live[name]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live[name]; ok {
		return e, nil
	}
	next := cloneLive(s.live)
	next[name] = s.seq + 1
	if err := s.persist(ctx, s.seq+1, next); err != nil {
		return 0, err
	}
	s.seq++
	s.live = next
	return s.seq, nil
}

func (s *PersistentGenStore) Snapshot(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	e := s.live[name]
	s.mu.RUnlock()
	return e, nil
}

func (s *PersistentGenStore) Remove(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[name]; !ok {
		return false, nil
	}
	next := cloneLive(s.live)
	delete(next, name)
	if err := s.persist(ctx, s.seq, next); err != nil {
		return false, err
	}
	s.live = next
	return true, nil
}

func (s *PersistentGenStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.live))
	for n := range s.live {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Close does not close the provider; the store that shares it owns it.
func (s *PersistentGenStore) Close(context.Context) error { return nil }

func (s *PersistentGenStore) persist(ctx context.Context, seq uint64, live map[string]uint64) error {
	payload, err := cbor.Marshal(registry{Live: live})
	if err != nil {
		return fmt.Errorf("encode generation registry: %w", err)
	}
	ok, err := s.p.Set(ctx, registryKey, wire.EncodeMeta(seq, payload), int64(len(payload)), 0)
	if err != nil {
		return fmt.Errorf("persist generation registry: %w", err)
	}
	if !ok {
		return fmt.Errorf("persist generation registry: rejected by provider")
	}
	return nil
}

func cloneLive(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
