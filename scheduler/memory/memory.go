// Package memory is an in-process deferred-sync scheduler. Tasks wait in a
// pending set keyed by tag and are replayed whenever connectivity returns.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/unkn0wn-root/swcache"
)

var ErrNotAttached = errors.New("scheduler: no deliverer attached")

type Options struct {
	MaxAttempts  int            // attempts per registration before the task is dropped; 0 => 3
	StartOffline bool           // default online: scheduled tasks are attempted at once
	Logger       swcache.Logger // if nil, NopLogger is used
}

type task struct {
	attempts int
	inFlight bool
	rearm    bool // scheduled again while in flight
}

type Scheduler struct {
	mu      sync.Mutex
	d       swcache.SyncDeliverer
	pending map[string]*task
	online  bool
	max     int
	log     swcache.Logger
}

var _ swcache.Scheduler = (*Scheduler)(nil)

func New(opts Options) *Scheduler {
	log := swcache.WithFields(opts.Logger, swcache.Fields{"scheduler": "memory"})
	limit := opts.MaxAttempts
	if limit <= 0 {
		limit = 3
	}
	return &Scheduler{
		pending: make(map[string]*task),
		online:  !opts.StartOffline,
		max:     limit,
		log:     log,
	}
}

// Attach sets the deliverer, normally the swcache.Layer the scheduler serves.
func (s *Scheduler) Attach(d swcache.SyncDeliverer) {
	s.mu.Lock()
	s.d = d
	s.mu.Unlock()
}

// Schedule registers tag. A tag that is already pending is not registered twice.
// A tag scheduled while its delivery is in flight stays pending after that
// delivery, with a fresh attempt budget. While online the task is attempted immediately.
func (s *Scheduler) Schedule(ctx context.Context, tag string) error {
	s.mu.Lock()
	if s.d == nil {
		s.mu.Unlock()
		return ErrNotAttached
	}
	switch t, ok := s.pending[tag]; {
	case !ok:
		s.pending[tag] = &task{}
	case t.inFlight:
		t.rearm = true
	}
	online := s.online
	s.mu.Unlock()

	if online {
		s.attempt(ctx, tag)
	}
	return nil
}

func (s *Scheduler) Cancel(_ context.Context, tag string) error {
	s.mu.Lock()
	delete(s.pending, tag)
	s.mu.Unlock()
	return nil
}

// Online marks connectivity as restored and replays every pending task once.
func (s *Scheduler) Online(ctx context.Context) {
	s.mu.Lock()
	s.online = true
	tags := s.tagsLocked()
	s.mu.Unlock()
	for _, tag := range tags {
		s.attempt(ctx, tag)
	}
}

// Offline holds new tasks until the next Online.
func (s *Scheduler) Offline() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
}

// Pending lists registered tags in ascending order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagsLocked()
}

func (s *Scheduler) tagsLocked() []string {
	out := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// attempt delivers tag, again while it is re-registered during delivery.
func (s *Scheduler) attempt(ctx context.Context, tag string) {
	for s.deliver(ctx, tag) && ctx.Err() == nil {
	}
}

// deliver makes one delivery. The task leaves the pending set on success,
// on cancel, or once it runs out of attempts, unless it was scheduled again
// meanwhile. It reports whether another attempt should follow right away.
func (s *Scheduler) deliver(ctx context.Context, tag string) bool {
	s.mu.Lock()
	t, ok := s.pending[tag]
	if !ok || t.inFlight {
		s.mu.Unlock()
		return false
	}
	t.inFlight = true
	t.attempts++
	d := s.d
	s.mu.Unlock()

	err := d.DeliverSync(ctx, tag)

	s.mu.Lock()
	defer s.mu.Unlock()
	t.inFlight = false
	if s.pending[tag] != t {
		return false // cancelled while delivering
	}
	if t.rearm {
		t.rearm = false
		t.attempts = 0
		s.log.Debug("sync scheduled again during delivery", swcache.Fields{"tag": tag, "err": err})
		return err == nil && s.online
	}
	switch {
	case err == nil:
		delete(s.pending, tag)
		s.log.Debug("sync delivered", swcache.Fields{"tag": tag, "attempts": t.attempts})
	case t.attempts >= s.max:
		delete(s.pending, tag)
		s.log.Warn("sync dropped", swcache.Fields{"tag": tag, "attempts": t.attempts, "err": err})
	default:
		s.log.Debug("sync will retry", swcache.Fields{"tag": tag, "attempts": t.attempts, "err": err})
	}
	return false
}
