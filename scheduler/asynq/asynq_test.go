package asynqsched

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

type recorder struct {
	tags []string
	err  error
}

func (r *recorder) DeliverSync(_ context.Context, tag string) error {
	r.tags = append(r.tags, tag)
	return r.err
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	// nothing here talks to Redis; the client connects lazily
	s := New(asynq.RedisClientOpt{Addr: "127.0.0.1:1"}, Options{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDefaults(t *testing.T) {
	s := newTestScheduler(t)
	if s.Queue() != "sync" || s.maxRetry != 5 {
		t.Fatalf("queue=%q maxRetry=%d", s.Queue(), s.maxRetry)
	}
	if taskID("outbox") != "swcache-sync:outbox" {
		t.Fatalf("task id = %q", taskID("outbox"))
	}
}

func TestProcessTaskDelivers(t *testing.T) {
	s := newTestScheduler(t)
	r := &recorder{}
	s.Attach(r)

	b, _ := json.Marshal(Payload{Tag: "outbox"})
	if err := s.ProcessTask(context.Background(), asynq.NewTask(TaskDeliverSync, b)); err != nil {
		t.Fatal(err)
	}
	if len(r.tags) != 1 || r.tags[0] != "outbox" {
		t.Fatalf("delivered = %v", r.tags)
	}

	r.err = errors.New("no clients")
	if err := s.ProcessTask(context.Background(), asynq.NewTask(TaskDeliverSync, b)); err == nil {
		t.Fatal("failed delivery must be returned for retry")
	}
}

func TestProcessTaskBadPayloadSkipsRetry(t *testing.T) {
	s := newTestScheduler(t)
	s.Attach(&recorder{})
	err := s.ProcessTask(context.Background(), asynq.NewTask(TaskDeliverSync, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegister(t *testing.T) {
	s := newTestScheduler(t)
	r := &recorder{}
	s.Attach(r)
	mux := asynq.NewServeMux()
	s.Register(mux)

	b, _ := json.Marshal(Payload{Tag: "t"})
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TaskDeliverSync, b)); err != nil {
		t.Fatal(err)
	}
	if len(r.tags) != 1 {
		t.Fatal("mux did not route to the scheduler")
	}
}
