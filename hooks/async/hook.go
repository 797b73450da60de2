// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	layer, _ := swcache.New(swcache.Options{
//	    Provider: provider,
//	    Origin:   "https://app.example",
//	    Hooks:    hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/swcache"
)

type Hooks struct {
	inner   swcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ swcache.Hooks = (*Hooks)(nil)

func New(inner swcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	defer func() {
		// send on closed queue after Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)               { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreReadError(g string, err error) { h.try(func() { h.inner.StoreReadError(g, err) }) }
func (h *Hooks) ProviderSetRejected(k string)       { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) Revalidated(k string, err error)    { h.try(func() { h.inner.Revalidated(k, err) }) }
func (h *Hooks) LateWrite(k string, stored bool)    { h.try(func() { h.inner.LateWrite(k, stored) }) }
func (h *Hooks) InstallFailed(v string, err error)  { h.try(func() { h.inner.InstallFailed(v, err) }) }
func (h *Hooks) StoreWriteDropped(g, k string, err error) {
	h.try(func() { h.inner.StoreWriteDropped(g, k, err) })
}
func (h *Hooks) GenerationsCollected(v string, deleted []string) {
	cp := append([]string(nil), deleted...)
	h.try(func() { h.inner.GenerationsCollected(v, cp) })
}
func (h *Hooks) DeliveryFailed(kind, tag string, err error) {
	h.try(func() { h.inner.DeliveryFailed(kind, tag, err) })
}
