// Package sloghooks reports layer events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/swcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	RevalidatedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	// URLs can carry tokens in query strings, so keys are redacted by default.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	revalidatedCtr atomic.Uint64
}

var _ swcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("swcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreReadError(generation string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("swcache.store_read_error",
		"generation", generation,
		"err", err)
}

func (h *Hooks) StoreWriteDropped(generation, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("swcache.store_write_dropped",
		"generation", generation,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("swcache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) Revalidated(key string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Info("swcache.revalidate_failed",
			"key", h.redact(key),
			"err", err)
		return
	}
	if !sample(h.opts.RevalidatedEvery, &h.revalidatedCtr) {
		return
	}
	h.l.Debug("swcache.revalidated", "key", h.redact(key))
}

func (h *Hooks) LateWrite(key string, stored bool) {
	if h.l == nil {
		return
	}
	h.l.Debug("swcache.late_write",
		"key", h.redact(key),
		"stored", stored)
}

func (h *Hooks) GenerationsCollected(version string, deleted []string) {
	if h.l == nil || len(deleted) == 0 {
		return
	}
	h.l.Info("swcache.generations_collected",
		"version", version,
		"deleted", deleted)
}

func (h *Hooks) InstallFailed(version string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("swcache.install_failed",
		"version", version,
		"err", err)
}

func (h *Hooks) DeliveryFailed(kind, tag string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("swcache.delivery_failed",
		"kind", kind,
		"tag", tag,
		"err", err)
}
