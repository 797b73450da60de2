package swcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	c "github.com/unkn0wn-root/swcache/codec"
	gen "github.com/unkn0wn-root/swcache/genstore"
	"github.com/unkn0wn-root/swcache/internal/util"
	"github.com/unkn0wn-root/swcache/internal/wire"
	pr "github.com/unkn0wn-root/swcache/provider"
)

const (
	entryPrefix = "entry"

	// activeKey records the active version next to the generation registry.
	activeKey    = "meta:active"
	activeSchema = 1
)

// SetCostFunc reports the cost passed to Provider.Set for a stored value.
type SetCostFunc func(storageKey string, raw []byte) int64

// StoreOptions configure a Store. Only Provider is required.
type StoreOptions struct {
	Provider pr.Provider
	GenStore gen.GenStore   // nil => LocalGenStore (in-process)
	Codec    c.Codec[Entry] // nil => CBOR
	TTL      time.Duration  // per entry; 0 => no expiry

	ComputeSetCost SetCostFunc // default len(raw)
	Logger         Logger      // if nil, NopLogger is used
	Hooks          Hooks       // if nil, NopHooks is used
}

// Store is a set of named generations over one Provider. Safe for concurrent use.
type Store struct {
	provider pr.Provider
	gens     gen.GenStore
	codec    c.Codec[Entry]
	ttl      time.Duration
	cost     SetCostFunc
	log      Logger
	hooks    Hooks
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Provider == nil {
		return nil, errors.New("swcache: provider is required")
	}
	codec := opts.Codec
	if codec == nil {
		cb, err := c.NewCBOR[Entry](false)
		if err != nil {
			return nil, err
		}
		codec = cb
	}
	var gs gen.GenStore = gen.NewLocalGenStore()
	if opts.GenStore != nil {
		gs = opts.GenStore
	}
	log := WithFields(opts.Logger, Fields{"component": "store"})
	var hooks Hooks = NopHooks{}
	if opts.Hooks != nil {
		hooks = opts.Hooks
	}
	cost := opts.ComputeSetCost
	if cost == nil {
		cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	return &Store{
		provider: opts.Provider,
		gens:     gs,
		codec:    codec,
		ttl:      opts.TTL,
		cost:     cost,
		log:      log,
		hooks:    hooks,
	}, nil
}

// Generation is a handle to one named generation, bound to the epoch it had
// when opened. Writes through a handle are dropped once its generation has
// been deleted, even if the name was opened again since.
type Generation struct {
	s     *Store
	name  string
	epoch uint64
}

// Open makes name live (if needed) and returns a handle to it.
func (s *Store) Open(ctx context.Context, name string) (*Generation, error) {
	if name == "" {
		return nil, errors.New("swcache: empty generation name")
	}
	epoch, err := s.gens.Register(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &Generation{s: s, name: name, epoch: epoch}, nil
}

// Generations lists live generation names in ascending order.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	return s.gens.Names(ctx)
}

// DeleteGeneration drops name. Its entries stop being readable immediately;
// their bytes are reclaimed now when the provider can delete by prefix and on
// read otherwise. Deleting a name that is not live is a no-op.
func (s *Store) DeleteGeneration(ctx context.Context, name string) error {
	live, err := s.gens.Remove(ctx, name)
	if err != nil {
		return fmt.Errorf("delete generation %q: %w", name, err)
	}
	if !live {
		return nil
	}
	if pd, ok := s.provider.(pr.PrefixDeleter); ok {
		n, err := pd.DelPrefix(ctx, util.GenerationPrefix(entryPrefix, name))
		if err != nil {
			// entries are already unreadable; they will be healed on read
			s.log.Warn("reclaim generation failed", Fields{"generation": name, "err": err})
			return nil
		}
		s.log.Debug("generation reclaimed", Fields{"generation": name, "entries": n})
	}
	return nil
}

// Clear deletes every live generation.
func (s *Store) Clear(ctx context.Context) error {
	names, err := s.gens.Names(ctx)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	var errs []error
	for _, n := range names {
		if err := s.DeleteGeneration(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the GenStore and then the Provider.
func (s *Store) Close(ctx context.Context) error {
	return errors.Join(s.gens.Close(ctx), s.provider.Close(ctx))
}

type activeRecord struct {
	Version     string    `cbor:"1,keyasint"`
	Manifest    []string  `cbor:"2,keyasint,omitempty"`
	InstalledAt time.Time `cbor:"3,keyasint"`
	ActivatedAt time.Time `cbor:"4,keyasint"`
}

// saveActive records v as the version to restore on the next start.
func (s *Store) saveActive(ctx context.Context, v Version) error {
	payload, err := cbor.Marshal(activeRecord{
		Version:     v.Version,
		Manifest:    v.Manifest,
		InstalledAt: v.InstalledAt,
		ActivatedAt: v.ActivatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode active version: %w", err)
	}
	ok, err := s.provider.Set(ctx, activeKey, wire.EncodeMeta(activeSchema, payload), int64(len(payload)), 0)
	if err != nil {
		return fmt.Errorf("save active version: %w", err)
	}
	if !ok {
		return fmt.Errorf("save active version: rejected by provider")
	}
	return nil
}

// loadActive returns the recorded active version, if any.
func (s *Store) loadActive(ctx context.Context) (Version, bool, error) {
	raw, ok, err := s.provider.Get(ctx, activeKey)
	if err != nil || !ok {
		return Version{}, false, err
	}
	schema, payload, err := wire.DecodeMeta(raw)
	if err != nil {
		return Version{}, false, fmt.Errorf("load active version: %w", err)
	}
	if schema != activeSchema {
		return Version{}, false, fmt.Errorf("load active version: unknown schema %d", schema)
	}
	var rec activeRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return Version{}, false, fmt.Errorf("decode active version: %w", err)
	}
	return Version{
		Version:     rec.Version,
		State:       Active,
		Manifest:    rec.Manifest,
		InstalledAt: rec.InstalledAt,
		ActivatedAt: rec.ActivatedAt,
	}, true, nil
}

func (g *Generation) Name() string { return g.name }

// Get returns the entry stored under key. Entries that fail validation are
// deleted and reported as a miss.
func (g *Generation) Get(ctx context.Context, key string) (Entry, bool, error) {
	s := g.s
	sk := util.StorageKey(entryPrefix, g.name, key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	epoch, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		s.selfHeal(ctx, sk, "corrupt")
		return Entry{}, false, nil
	}
	cur, err := s.gens.Snapshot(ctx, g.name)
	if err != nil {
		return Entry{}, false, err
	}
	if cur == 0 || epoch != cur {
		s.selfHeal(ctx, sk, "epoch_mismatch")
		return Entry{}, false, nil
	}
	e, err := s.codec.Decode(payload)
	if err != nil {
		s.selfHeal(ctx, sk, "value_decode")
		return Entry{}, false, nil
	}
	if e.Key() != key {
		// digest collision on an over-long key
		s.selfHeal(ctx, sk, "key_mismatch")
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put overwrites key. It fails with ErrGenerationGone when the generation has
// been deleted since the handle was opened; nothing is written in that case.
func (g *Generation) Put(ctx context.Context, key string, e Entry) error {
	s := g.s
	cur, err := s.gens.Snapshot(ctx, g.name)
	if err != nil {
		return err
	}
	if cur != g.epoch {
		s.log.Debug("put skipped: generation changed", Fields{
			"generation": g.name, "opened": g.epoch, "current": cur,
		})
		return fmt.Errorf("%w: %s", ErrGenerationGone, g.name)
	}
	payload, err := s.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	sk := util.StorageKey(entryPrefix, g.name, key)
	raw := wire.EncodeEntry(g.epoch, payload)
	ok, err := s.provider.Set(ctx, sk, raw, s.cost(sk, raw), s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		s.hooks.ProviderSetRejected(sk)
		s.log.Debug("provider rejected set", Fields{"key": sk})
	}
	return nil
}

func (g *Generation) Delete(ctx context.Context, key string) error {
	return g.s.provider.Del(ctx, util.StorageKey(entryPrefix, g.name, key))
}

func (s *Store) selfHeal(ctx context.Context, storageKey, reason string) {
	if err := s.provider.Del(ctx, storageKey); err != nil {
		s.log.Warn("self-heal delete failed", Fields{"key": storageKey, "reason": reason, "err": err})
	}
	s.hooks.SelfHeal(storageKey, reason)
}
