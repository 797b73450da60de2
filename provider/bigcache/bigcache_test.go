package bigcache

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelPrefix(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, CleanWindow: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	for _, k := range []string{"entry:static-v1:a", "entry:static-v1:b", "entry:runtime-v1:a"} {
		if ok, err := p.Set(ctx, k, []byte(k), 1, 0); err != nil || !ok {
			t.Fatalf("Set %s: ok=%v err=%v", k, ok, err)
		}
	}
	if got, ok, err := p.Get(ctx, "entry:static-v1:a"); err != nil || !ok || string(got) != "entry:static-v1:a" {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
	n, err := p.DelPrefix(ctx, "entry:static-v1:")
	if err != nil || n != 2 {
		t.Fatalf("DelPrefix: n=%d err=%v", n, err)
	}
	if _, ok, _ := p.Get(ctx, "entry:static-v1:b"); ok {
		t.Fatalf("prefix entry survived")
	}
	if _, ok, _ := p.Get(ctx, "entry:runtime-v1:a"); !ok {
		t.Fatalf("unrelated entry deleted")
	}
	if err := p.Del(ctx, "never-set"); err != nil {
		t.Fatalf("Del on missing key: %v", err)
	}
}
