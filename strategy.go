package swcache

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Strategy is how a request is satisfied from cache and network.
type Strategy int

const (
	NetworkOnly Strategy = iota
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case NetworkOnly:
		return "network-only"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the names printed by String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network-only":
		return NetworkOnly, nil
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return 0, fmt.Errorf("swcache: unknown strategy %q", s)
}

// handoff passes a fetch result to a caller that may have stopped waiting.
// Once abandoned, the fetching side owns the response and closes it.
type handoff struct {
	mu        sync.Mutex
	ch        chan fetchResult
	abandoned bool
}

type fetchResult struct {
	resp   *http.Response
	err    error
	stored bool
}

func newHandoff() *handoff {
	return &handoff{ch: make(chan fetchResult, 1)}
}

// deliver reports false when nobody will read r; the caller must release it.
func (h *handoff) deliver(r fetchResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		return false
	}
	h.ch <- r
	return true
}

// abandon stops the handoff. A result that already arrived is returned.
func (h *handoff) abandon() (fetchResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = true
	select {
	case r := <-h.ch:
		return r, true
	default:
		return fetchResult{}, false
	}
}

func release(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
