// Package genstore tracks which cache generations are live and the epoch each
// one is bound to.
//
// Epochs are drawn from a monotonic sequence and never reused. Registering a
// name that is not live assigns it a fresh epoch; removing it forgets the
// binding, so Snapshot reports 0 and every entry framed with the old epoch
// fails validation. A deleted-then-recreated generation therefore starts
// empty even when its bytes were not reclaimed.
package genstore

import (
	"context"
)

// GenStore abstracts where the generation registry lives.
// Use LocalGenStore for in-process registries, PersistentGenStore to keep the
// registry next to durable entries, or RedisGenStore for a shared one.
type GenStore interface {
	// Register marks name live and returns its epoch (assigning one if needed).
	Register(ctx context.Context, name string) (uint64, error)
	// Snapshot returns the epoch bound to name; not live => 0.
	Snapshot(ctx context.Context, name string) (uint64, error)
	// Remove unbinds name. Reports whether it was live.
	Remove(ctx context.Context, name string) (bool, error)
	// Names lists live names in ascending order.
	Names(ctx context.Context) ([]string, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
