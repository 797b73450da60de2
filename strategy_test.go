package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/unkn0wn-root/swcache/provider/memory"
)

type engineFixture struct {
	eng   *engine
	tr    *countingTransport
	gen   *Generation
	hooks *recHooks
}

func newEngineFixture(t *testing.T, fn func(*http.Request) (*http.Response, error)) *engineFixture {
	t.Helper()
	hooks := &recHooks{}
	s := newTestStore(t, memory.New(), hooks)
	g, err := s.Open(context.Background(), "runtime-v1")
	if err != nil {
		t.Fatal(err)
	}
	tr := newTransport(fn)
	eng := &engine{
		transport: tr,
		tracer:    noop.NewTracerProvider().Tracer("test"),
		log:       NopLogger{},
		hooks:     hooks,
		lateWrite: 2 * time.Second,
		maxBody:   1 << 20,
		now:       time.Now,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.drain(ctx)
	})
	return &engineFixture{eng: eng, tr: tr, gen: g, hooks: hooks}
}

func (f *engineFixture) run(t *testing.T, req *http.Request, d Decision) (*http.Response, error) {
	t.Helper()
	return f.eng.execute(req, d, f.gen)
}

func (f *engineFixture) cached(t *testing.T, url string) (string, bool) {
	t.Helper()
	e, ok, err := f.gen.Get(context.Background(), "GET "+url)
	if err != nil {
		t.Fatal(err)
	}
	return string(e.Body), ok
}

func (f *engineFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.eng.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

var (
	cacheFirst = Decision{Rule: "static", Strategy: CacheFirst}
	swr        = Decision{Rule: "default", Strategy: StaleWhileRevalidate}
	netOnly    = Decision{Rule: "custom", Strategy: NetworkOnly}
)

func networkFirst(timeout time.Duration) Decision {
	return Decision{Rule: "api", Strategy: NetworkFirst, Timeout: timeout}
}

func TestCacheFirstServesSecondRequestFromCache(t *testing.T) {
	f := newEngineFixture(t, echo)
	url := testOrigin + "/app.css"

	resp, err := f.run(t, get(t, url), cacheFirst)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "body of /app.css" {
		t.Fatalf("first body = %q", body)
	}

	resp, err = f.run(t, get(t, url), cacheFirst)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "body of /app.css" {
		t.Fatalf("second body = %q", body)
	}
	if n := f.tr.calls(); n != 1 {
		t.Fatalf("network calls = %d, want 1", n)
	}
}

func TestCacheFirstOfflineDocumentGetsPlaceholder(t *testing.T) {
	f := newEngineFixture(t, offline)
	d := cacheFirst
	d.Document = true

	resp, err := f.run(t, get(t, testOrigin+"/page.css", "Accept", "text/html"), d)
	if err != nil {
		t.Fatalf("document fallback returned error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	_ = readBody(t, resp)
}

func TestCacheFirstOfflineAssetFails(t *testing.T) {
	f := newEngineFixture(t, offline)
	_, err := f.run(t, get(t, testOrigin+"/app.js"), cacheFirst)
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, errOffline) {
		t.Fatalf("err = %v, want network failure", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Timeout {
		t.Fatalf("err = %#v", err)
	}
}

func TestErrorResponsesAreNotStored(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusNotFound, "missing"))
	url := testOrigin + "/gone.png"
	for i := 0; i < 2; i++ {
		resp, err := f.run(t, get(t, url), cacheFirst)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		_ = readBody(t, resp)
	}
	if n := f.tr.calls(); n != 2 {
		t.Fatalf("404 was cached: %d network calls", n)
	}
	if _, ok := f.cached(t, url); ok {
		t.Fatal("404 stored")
	}
}

func TestPartialContentIsNotStored(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusPartialContent, "par"))
	resp, err := f.run(t, get(t, testOrigin+"/video.webp"), cacheFirst)
	if err != nil {
		t.Fatal(err)
	}
	_ = readBody(t, resp)
	if _, ok := f.cached(t, testOrigin+"/video.webp"); ok {
		t.Fatal("206 stored")
	}
}

func TestNetworkFirstPrefersNetworkAndStores(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "v1"))
	url := testOrigin + "/api/items"
	resp, err := f.run(t, get(t, url), networkFirst(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	_ = readBody(t, resp)

	f.tr.set(status(http.StatusOK, "v2"))
	resp, _ = f.run(t, get(t, url), networkFirst(time.Second))
	if body := readBody(t, resp); body != "v2" {
		t.Fatalf("body = %q, want fresh network copy", body)
	}
	if body, _ := f.cached(t, url); body != "v2" {
		t.Fatalf("cached = %q", body)
	}
}

func TestNetworkFirstFallsBackOnFailure(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "saved"))
	url := testOrigin + "/api/items"
	resp, _ := f.run(t, get(t, url), networkFirst(time.Second))
	_ = readBody(t, resp)

	f.tr.set(offline)
	resp, err := f.run(t, get(t, url), networkFirst(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "saved" {
		t.Fatalf("body = %q", body)
	}

	f.tr.set(status(http.StatusBadGateway, "upstream down"))
	resp, _ = f.run(t, get(t, url), networkFirst(time.Second))
	if body := readBody(t, resp); body != "saved" {
		t.Fatalf("5xx should fall back to cache, got %q", body)
	}
	// a failed fetch never evicts
	if body, ok := f.cached(t, url); !ok || body != "saved" {
		t.Fatalf("cached = %q ok=%v", body, ok)
	}
}

func TestNetworkFirstErrorStatusWithoutCacheIsReturned(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusInternalServerError, "boom"))
	resp, err := f.run(t, get(t, testOrigin+"/api/x"), networkFirst(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError || readBody(t, resp) != "boom" {
		t.Fatalf("upstream response not returned verbatim")
	}
}

func TestNetworkFirstOfflineWithoutCacheFails(t *testing.T) {
	f := newEngineFixture(t, offline)
	if _, err := f.run(t, get(t, testOrigin+"/api/x"), networkFirst(time.Second)); !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
}

func slowly(release <-chan struct{}, body string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		select {
		case <-release:
			return response(req, http.StatusOK, body), nil
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

func TestNetworkFirstTimeoutUsesCacheAndWritesLate(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "old"))
	url := testOrigin + "/api/feed"
	resp, _ := f.run(t, get(t, url), networkFirst(time.Second))
	_ = readBody(t, resp)

	release := make(chan struct{})
	f.tr.set(slowly(release, "new"))

	const bound = 50 * time.Millisecond
	start := time.Now()
	resp, err := f.run(t, get(t, url), networkFirst(bound))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > bound+500*time.Millisecond {
		t.Fatalf("waited %s past a %s bound", elapsed, bound)
	}
	if body := readBody(t, resp); body != "old" {
		t.Fatalf("body = %q, want cached copy", body)
	}

	close(release)
	f.drain(t)
	if body, _ := f.cached(t, url); body != "new" {
		t.Fatalf("late result not stored, cached = %q", body)
	}
	if len(f.hooks.lateWrites) != 1 || !f.hooks.lateWrites[0] {
		t.Fatalf("late writes = %v", f.hooks.lateWrites)
	}
}

func TestNetworkFirstTimeoutWithoutCacheFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newEngineFixture(t, slowly(release, "never"))

	const bound = 50 * time.Millisecond
	start := time.Now()
	_, err := f.run(t, get(t, testOrigin+"/api/slow"), networkFirst(bound))
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > bound+500*time.Millisecond {
		t.Fatalf("hung for %s", elapsed)
	}
}

func TestSWRHitDoesNotWaitForNetwork(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "stale"))
	url := testOrigin + "/feed"
	resp, _ := f.run(t, get(t, url), swr)
	_ = readBody(t, resp)
	f.drain(t)

	release := make(chan struct{})
	f.tr.set(slowly(release, "fresh"))

	req := get(t, url)
	done := make(chan string, 1)
	go func() {
		resp, err := f.eng.execute(req, swr, f.gen)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		done <- string(b)
	}()

	select {
	case body := <-done:
		if body != "stale" {
			t.Fatalf("body = %q, want stale copy", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cache hit waited on the network fetch")
	}

	close(release)
	f.drain(t)
	if body, _ := f.cached(t, url); body != "fresh" {
		t.Fatalf("entry after revalidation = %q, want network response", body)
	}
	if n := len(f.hooks.revalid); n != 1 || f.hooks.revalid[0] != nil {
		t.Fatalf("revalidations = %v", f.hooks.revalid)
	}
}

func TestSWRMissWaitsForNetwork(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "first"))
	url := testOrigin + "/feed"
	resp, err := f.run(t, get(t, url), swr)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "first" {
		t.Fatalf("body = %q", body)
	}
	f.drain(t)
	if body, _ := f.cached(t, url); body != "first" {
		t.Fatalf("cached = %q", body)
	}
}

func TestSWRSurfacesNetworkFailureOnMiss(t *testing.T) {
	f := newEngineFixture(t, offline)
	if _, err := f.run(t, get(t, testOrigin+"/feed"), swr); !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
}

func TestSWROfflineDocumentGetsPlaceholder(t *testing.T) {
	f := newEngineFixture(t, offline)
	d := swr
	d.Document = true

	resp, err := f.run(t, get(t, testOrigin+"/never-seen", "Accept", "text/html"), d)
	if err != nil {
		t.Fatalf("document miss returned error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	_ = readBody(t, resp)
	f.drain(t)
	if _, ok := f.cached(t, testOrigin+"/never-seen"); ok {
		t.Fatal("placeholder was stored")
	}
}

func TestSWRStoreWriteDroppedAfterGenerationDeleted(t *testing.T) {
	f := newEngineFixture(t, echo)
	s := f.gen.s
	f.tr.set(func(req *http.Request) (*http.Response, error) {
		if err := s.DeleteGeneration(context.Background(), f.gen.Name()); err != nil {
			t.Error(err)
		}
		return echo(req)
	})

	resp, err := f.run(t, get(t, testOrigin+"/feed"), swr)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "body of /feed" {
		t.Fatalf("body = %q", body)
	}
	f.drain(t)
	if f.hooks.dropped != 1 {
		t.Fatalf("dropped writes = %d, want 1", f.hooks.dropped)
	}
}

func TestSWRFailedRevalidationKeepsEntry(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "good"))
	url := testOrigin + "/feed"
	resp, _ := f.run(t, get(t, url), swr)
	_ = readBody(t, resp)
	f.drain(t)

	f.tr.set(status(http.StatusServiceUnavailable, "down"))
	resp, _ = f.run(t, get(t, url), swr)
	if body := readBody(t, resp); body != "good" {
		t.Fatalf("body = %q", body)
	}
	f.drain(t)
	if body, _ := f.cached(t, url); body != "good" {
		t.Fatalf("error response evicted entry: %q", body)
	}
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	f := newEngineFixture(t, echo)
	url := testOrigin + "/api/live"
	for i := 0; i < 2; i++ {
		resp, err := f.run(t, get(t, url), netOnly)
		if err != nil {
			t.Fatal(err)
		}
		_ = readBody(t, resp)
	}
	if f.tr.calls() != 2 {
		t.Fatalf("calls = %d", f.tr.calls())
	}
	if _, ok := f.cached(t, url); ok {
		t.Fatal("network-only response stored")
	}
}

func TestStoreFailureDegradesToNetwork(t *testing.T) {
	hooks := &recHooks{}
	s, _ := NewStore(StoreOptions{Provider: brokenProvider{memory.New()}, Hooks: hooks})
	g, _ := s.Open(context.Background(), "static-v1")
	tr := newTransport(echo)
	eng := &engine{
		transport: tr,
		tracer:    noop.NewTracerProvider().Tracer("test"),
		log:       NopLogger{},
		hooks:     hooks,
		lateWrite: time.Second,
		maxBody:   1 << 20,
		now:       time.Now,
	}
	resp, err := eng.execute(get(t, testOrigin+"/app.js"), cacheFirst, g)
	if err != nil {
		t.Fatalf("store failure reached the caller: %v", err)
	}
	if body := readBody(t, resp); body != "body of /app.js" {
		t.Fatalf("body = %q", body)
	}
	if hooks.readErrs != 1 {
		t.Fatalf("read errors = %d", hooks.readErrs)
	}

	resp, err = eng.execute(get(t, testOrigin+"/app.js"), cacheFirst, nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("nil generation: %v", err)
	}
	_ = readBody(t, resp)
}

func TestOversizedBodyStreamsUncached(t *testing.T) {
	f := newEngineFixture(t, status(http.StatusOK, "0123456789"))
	f.eng.maxBody = 4
	resp, err := f.run(t, get(t, testOrigin+"/big.png"), cacheFirst)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "0123456789" {
		t.Fatalf("body = %q", body)
	}
	if _, ok := f.cached(t, testOrigin+"/big.png"); ok {
		t.Fatal("oversized body stored")
	}
}
