package swcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// where a response came from; recorded on the strategy span
const (
	sourceCache   = "cache"
	sourceNetwork = "network"
	sourceOffline = "offline"
	sourceNone    = "none"
)

// engine executes strategies against one Generation and the network.
type engine struct {
	transport http.RoundTripper
	tracer    trace.Tracer
	log       Logger
	hooks     Hooks
	lateWrite time.Duration
	maxBody   int64
	now       func() time.Time

	// fetches that may outlive the request that started them
	pending sync.WaitGroup
}

// execute satisfies req with d.Strategy. g may be nil when the store is
// unavailable; every lookup then misses and nothing is written.
func (e *engine) execute(req *http.Request, d Decision, g *Generation) (*http.Response, error) {
	ctx, span := e.tracer.Start(req.Context(), "swcache.strategy",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("swcache.strategy", d.Strategy.String()),
			attribute.String("swcache.rule", d.Rule),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		))
	defer span.End()
	if g != nil {
		span.SetAttributes(attribute.String("swcache.generation", g.Name()))
	}
	req = req.WithContext(ctx)

	var (
		resp *http.Response
		src  string
		err  error
	)
	switch d.Strategy {
	case CacheFirst:
		resp, src, err = e.cacheFirst(ctx, req, d, g)
	case NetworkFirst:
		resp, src, err = e.networkFirst(ctx, req, d, g)
	case StaleWhileRevalidate:
		resp, src, err = e.staleWhileRevalidate(ctx, req, d, g)
	default:
		resp, err = e.fetch(req)
		src = sourceNetwork
	}

	span.SetAttributes(attribute.String("swcache.source", src))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (e *engine) cacheFirst(ctx context.Context, req *http.Request, d Decision, g *Generation) (*http.Response, string, error) {
	key := Key(req)
	if ent, ok := e.lookup(ctx, g, key); ok {
		return ent.Response(req), sourceCache, nil
	}
	r := e.fetchAndKeep(ctx, req, g, key)
	if r.err != nil {
		if d.Document && ctx.Err() == nil {
			e.log.Info("serving offline placeholder", Fields{"url": req.URL.String(), "err": r.err})
			return offlineResponse(req), sourceOffline, nil
		}
		return nil, sourceNone, r.err
	}
	return r.resp, sourceNetwork, nil
}

func (e *engine) networkFirst(ctx context.Context, req *http.Request, d Decision, g *Generation) (*http.Response, string, error) {
	key := Key(req)

	// Past the bounded wait the fetch keeps going, within the late-write window.
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if d.Timeout > 0 {
		fctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), d.Timeout+e.lateWrite)
	}

	h := newHandoff()
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		r := e.fetchAndKeep(fctx, req.WithContext(fctx), g, key)
		bindCancel(&r, cancel)
		if !h.deliver(r) {
			release(r.resp)
			e.hooks.LateWrite(key, r.stored)
			e.log.Debug("late network result", Fields{"key": key, "stored": r.stored, "err": r.err})
		}
	}()

	var timeout <-chan time.Time
	if d.Timeout > 0 {
		t := time.NewTimer(d.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var r fetchResult
	select {
	case r = <-h.ch:
	case <-timeout:
		var ok bool
		if r, ok = h.abandon(); !ok {
			r = fetchResult{err: &FetchError{
				Method:  req.Method,
				URL:     req.URL.String(),
				Timeout: true,
				Err:     fmt.Errorf("no response within %s", d.Timeout),
			}}
		}
	case <-ctx.Done():
		if got, ok := h.abandon(); ok {
			release(got.resp)
		}
		return nil, sourceNone, ctx.Err()
	}

	if r.err == nil && successful(r.resp) {
		return r.resp, sourceNetwork, nil
	}
	if ent, ok := e.lookup(ctx, g, key); ok {
		release(r.resp)
		return ent.Response(req), sourceCache, nil
	}
	if r.err != nil {
		return nil, sourceNone, r.err
	}
	// nothing cached: the upstream answer is all there is
	return r.resp, sourceNetwork, nil
}

// staleWhileRevalidate runs the lookup and the fetch as two branches of one
// group. The caller joins on the lookup; a hit returns without waiting for the
// fetch, which still refreshes the entry when it lands. A document that misses
// and cannot be fetched gets the offline placeholder.
func (e *engine) staleWhileRevalidate(ctx context.Context, req *http.Request, d Decision, g *Generation) (*http.Response, string, error) {
	key := Key(req)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.lateWrite)

	var (
		grp     errgroup.Group
		cached  Entry
		hit     bool
		fetched fetchResult
		looked  = make(chan struct{})
	)
	grp.Go(func() error {
		defer close(looked)
		cached, hit = e.lookup(ctx, g, key)
		return nil
	})
	grp.Go(func() error {
		fetched = e.fetchAndKeep(fctx, req.WithContext(fctx), g, key)
		return fetched.err
	})

	h := newHandoff()
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		_ = grp.Wait()
		bindCancel(&fetched, cancel)
		if hit {
			release(fetched.resp)
			err := outcome(key, fetched)
			e.hooks.Revalidated(key, err)
			if err != nil {
				e.log.Debug("revalidation failed", Fields{"key": key, "err": err})
			}
			return
		}
		if !h.deliver(fetched) {
			release(fetched.resp)
		}
	}()

	<-looked
	if hit {
		return cached.Response(req), sourceCache, nil
	}

	select {
	case r := <-h.ch:
		if r.err != nil {
			if d.Document && ctx.Err() == nil {
				e.log.Info("serving offline placeholder", Fields{"url": req.URL.String(), "err": r.err})
				return offlineResponse(req), sourceOffline, nil
			}
			return nil, sourceNone, r.err
		}
		return r.resp, sourceNetwork, nil
	case <-ctx.Done():
		if r, ok := h.abandon(); ok {
			release(r.resp)
		}
		return nil, sourceNone, ctx.Err()
	}
}

func (e *engine) fetch(req *http.Request) (*http.Response, error) {
	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return nil, &FetchError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// fetchAndKeep fetches req and, for a successful GET, stores the response in g.
func (e *engine) fetchAndKeep(ctx context.Context, req *http.Request, g *Generation, key string) fetchResult {
	resp, err := e.fetch(req)
	if err != nil {
		return fetchResult{err: err}
	}
	if g == nil || req.Method != http.MethodGet || !successful(resp) {
		return fetchResult{resp: resp}
	}
	body, whole, err := e.capture(resp)
	if err != nil {
		release(resp)
		return fetchResult{err: &FetchError{Method: req.Method, URL: req.URL.String(), Err: err}}
	}
	if !whole {
		e.log.Debug("response too large to cache", Fields{"key": key, "limit": e.maxBody})
		return fetchResult{resp: resp}
	}
	if err := g.Put(ctx, key, newEntry(req, resp, body, e.now())); err != nil {
		e.hooks.StoreWriteDropped(g.Name(), key, err)
		e.log.Warn("cache write dropped", Fields{"generation": g.Name(), "key": key, "err": err})
		return fetchResult{resp: resp}
	}
	return fetchResult{resp: resp, stored: true}
}

// populate fetches rawURL into g and fails unless the entry was stored.
func (e *engine) populate(ctx context.Context, g *Generation, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.fetch(req)
	if err != nil {
		return err
	}
	defer release(resp)
	if !successful(resp) {
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, whole, err := e.capture(resp)
	if err != nil {
		return &FetchError{Method: req.Method, URL: rawURL, Err: err}
	}
	if !whole {
		return fmt.Errorf("%s: body exceeds %d bytes", rawURL, e.maxBody)
	}
	return g.Put(ctx, Key(req), newEntry(req, resp, body, e.now()))
}

func (e *engine) lookup(ctx context.Context, g *Generation, key string) (Entry, bool) {
	if g == nil {
		return Entry{}, false
	}
	ent, ok, err := g.Get(ctx, key)
	if err != nil {
		e.hooks.StoreReadError(g.Name(), err)
		e.log.Warn("cache read failed", Fields{"generation": g.Name(), "key": key, "err": err})
		return Entry{}, false
	}
	return ent, ok
}

// capture buffers resp's body so it can be both stored and returned.
// Bodies over maxBody are left streaming and reported as not whole.
func (e *engine) capture(resp *http.Response) ([]byte, bool, error) {
	if resp.ContentLength > e.maxBody {
		return nil, false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > e.maxBody {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return nil, false, nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	resp.ContentLength = int64(len(buf))
	return buf, true, nil
}

// drain waits for fetches still running on behalf of finished requests.
func (e *engine) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// cancelBody releases the fetch context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func bindCancel(r *fetchResult, cancel context.CancelFunc) {
	if r.resp == nil || r.resp.Body == nil {
		cancel()
		return
	}
	r.resp.Body = cancelBody{ReadCloser: r.resp.Body, cancel: cancel}
}

func outcome(key string, r fetchResult) error {
	if r.err != nil {
		return r.err
	}
	if !successful(r.resp) {
		return &StatusError{URL: key, StatusCode: r.resp.StatusCode}
	}
	return nil
}
