// Package tiered layers a memory provider in front of a durable one.
//
// The back tier is authoritative: writes land there first and a failed back
// write fails the call. The front tier is best-effort: it is filled on write
// and on back hits, and its failures are ignored. Values are validated by the
// store after Get, so a front copy that outlived a prefix delete is rejected
// like any other stale entry.
package tiered

import (
	"context"
	"errors"
	"time"

	pr "github.com/unkn0wn-root/swcache/provider"
)

type Tiered struct {
	front pr.Provider
	back  pr.Provider
}

var (
	_ pr.Provider      = (*Tiered)(nil)
	_ pr.PrefixDeleter = (*Tiered)(nil)
)

func New(front, back pr.Provider) (*Tiered, error) {
	if front == nil || back == nil {
		return nil, errors.New("tiered provider: both tiers are required")
	}
	return &Tiered{front: front, back: back}, nil
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b, ok, err := t.front.Get(ctx, key); err == nil && ok {
		return b, true, nil
	}
	b, ok, err := t.back.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_, _ = t.front.Set(ctx, key, b, int64(len(b)), 0)
	return b, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	ok, err := t.back.Set(ctx, key, value, cost, ttl)
	if err != nil || !ok {
		// keep the tiers from disagreeing
		_ = t.front.Del(ctx, key)
		return ok, err
	}
	_, _ = t.front.Set(ctx, key, value, cost, ttl)
	return true, nil
}

func (t *Tiered) Del(ctx context.Context, key string) error {
	ferr := t.front.Del(ctx, key)
	berr := t.back.Del(ctx, key)
	return errors.Join(berr, ferr)
}

// DelPrefix drops the prefix from the back tier. The front tier is pruned by
// prefix when it can be, and cleared outright otherwise.
func (t *Tiered) DelPrefix(ctx context.Context, prefix string) (int, error) {
	var ferr error
	switch f := t.front.(type) {
	case pr.PrefixDeleter:
		_, ferr = f.DelPrefix(ctx, prefix)
	case pr.Clearer:
		ferr = f.Clear(ctx)
	}
	n := 0
	var berr error
	if b, ok := t.back.(pr.PrefixDeleter); ok {
		n, berr = b.DelPrefix(ctx, prefix)
	}
	return n, errors.Join(berr, ferr)
}

func (t *Tiered) Close(ctx context.Context) error {
	return errors.Join(t.front.Close(ctx), t.back.Close(ctx))
}
