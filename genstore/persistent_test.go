package genstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/swcache/provider/memory"
)

func TestPersistentRegistrySurvivesReload(t *testing.T) {
	ctx := context.Background()
	p := memory.New()

	s, err := NewPersistentGenStore(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.Register(ctx, "static-v1")
	b, _ := s.Register(ctx, "runtime-v1")
	if _, err := s.Remove(ctx, "runtime-v1"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewPersistentGenStore(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if g, _ := reloaded.Snapshot(ctx, "static-v1"); g != a {
		t.Fatalf("static-v1 epoch = %d, want %d", g, a)
	}
	if g, _ := reloaded.Snapshot(ctx, "runtime-v1"); g != 0 {
		t.Fatalf("removed name came back with epoch %d", g)
	}
	c, _ := reloaded.Register(ctx, "runtime-v1")
	if c <= b {
		t.Fatalf("sequence not restored: got %d after %d", c, b)
	}
}

func TestPersistentRejectsCorruptRegistry(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	if _, err := p.Set(ctx, registryKey, []byte("garbage"), 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPersistentGenStore(ctx, p); err == nil {
		t.Fatal("expected error for corrupt registry")
	}
}

type rejectingProvider struct{ *memory.Memory }

func (rejectingProvider) Set(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, errors.New("read-only")
}

func TestPersistentFailedWriteKeepsState(t *testing.T) {
	ctx := context.Background()
	s, err := NewPersistentGenStore(ctx, rejectingProvider{memory.New()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(ctx, "static-v1"); err == nil {
		t.Fatal("expected Register to surface the write error")
	}
	if names, _ := s.Names(ctx); len(names) != 0 {
		t.Fatalf("failed Register leaked into view: %v", names)
	}
}
