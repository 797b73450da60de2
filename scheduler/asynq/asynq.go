// Package asynqsched schedules deferred sync on Redis through asynq.
// The task id is derived from the tag, so a tag is registered at most once
// until its task completes; retries and backoff are asynq's.
package asynqsched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/unkn0wn-root/swcache"
)

const TaskDeliverSync = "swcache:deliver_sync"

type Payload struct {
	Tag string `json:"tag"`
}

type Options struct {
	Queue    string         // "" => "sync"
	MaxRetry int            // 0 => 5
	Timeout  time.Duration  // per delivery attempt; 0 => 30s
	Logger   swcache.Logger // if nil, NopLogger is used
}

type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	timeout   time.Duration
	d         swcache.SyncDeliverer
	log       swcache.Logger
}

var _ swcache.Scheduler = (*Scheduler)(nil)

func New(r asynq.RedisConnOpt, opts Options) *Scheduler {
	log := swcache.WithFields(opts.Logger, swcache.Fields{"scheduler": "asynq"})
	s := &Scheduler{
		client:    asynq.NewClient(r),
		inspector: asynq.NewInspector(r),
		queue:     opts.Queue,
		maxRetry:  opts.MaxRetry,
		timeout:   opts.Timeout,
		log:       log,
	}
	if s.queue == "" {
		s.queue = "sync"
	}
	if s.maxRetry <= 0 {
		s.maxRetry = 5
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

// Attach sets the deliverer tasks are handed to.
func (s *Scheduler) Attach(d swcache.SyncDeliverer) { s.d = d }

// Queue is the queue tasks are enqueued on; the asynq server must serve it.
func (s *Scheduler) Queue() string { return s.queue }

func taskID(tag string) string { return "swcache-sync:" + tag }

func (s *Scheduler) Schedule(ctx context.Context, tag string) error {
	b, err := json.Marshal(Payload{Tag: tag})
	if err != nil {
		return err
	}
	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TaskDeliverSync, b),
		asynq.Queue(s.queue),
		asynq.TaskID(taskID(tag)),
		asynq.MaxRetry(s.maxRetry),
		asynq.Timeout(s.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.log.Debug("sync already pending", swcache.Fields{"tag": tag})
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue sync %q: %w", tag, err)
	}
	s.log.Debug("sync enqueued", swcache.Fields{"tag": tag, "id": info.ID, "queue": info.Queue})
	return nil
}

// Cancel deletes the pending task. A task that is not pending is not an error.
func (s *Scheduler) Cancel(_ context.Context, tag string) error {
	err := s.inspector.DeleteTask(s.queue, taskID(tag))
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel sync %q: %w", tag, err)
	}
	return nil
}

// Register installs the delivery handler on mux.
func (s *Scheduler) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskDeliverSync, s)
}

// ProcessTask is one delivery attempt. A returned error makes asynq retry.
func (s *Scheduler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		s.log.Error("bad sync payload", swcache.Fields{"err": err})
		return fmt.Errorf("decode sync payload: %v: %w", err, asynq.SkipRetry)
	}
	if s.d == nil {
		return errors.New("asynqsched: no deliverer attached")
	}
	if err := s.d.DeliverSync(ctx, p.Tag); err != nil {
		s.log.Warn("sync delivery failed; will retry", swcache.Fields{"tag": p.Tag, "err": err})
		return err
	}
	return nil
}

func (s *Scheduler) Close() error {
	return errors.Join(s.client.Close(), s.inspector.Close())
}
