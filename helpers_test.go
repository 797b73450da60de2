package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/swcache/control"
	"github.com/unkn0wn-root/swcache/provider/memory"
)

const testOrigin = "https://app.test"

var errOffline = errors.New("dial tcp: network is unreachable")

// countingTransport is a fake network. It counts calls per URL and answers with fn.
type countingTransport struct {
	mu    sync.Mutex
	total int
	byURL map[string]int
	fn    func(*http.Request) (*http.Response, error)
}

func newTransport(fn func(*http.Request) (*http.Response, error)) *countingTransport {
	return &countingTransport{byURL: make(map[string]int), fn: fn}
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.total++
	t.byURL[req.URL.String()]++
	fn := t.fn
	t.mu.Unlock()
	return fn(req)
}

func (t *countingTransport) set(fn func(*http.Request) (*http.Response, error)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *countingTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *countingTransport) callsTo(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byURL[url]
}

func response(req *http.Request, status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// echo answers 200 with "body of <path>".
func echo(req *http.Request) (*http.Response, error) {
	return response(req, http.StatusOK, "body of "+req.URL.Path), nil
}

func offline(*http.Request) (*http.Response, error) { return nil, errOffline }

func status(code int, body string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) { return response(req, code, body), nil }
}

func get(t *testing.T, url string, header ...string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// recHooks records the events tests assert on.
type recHooks struct {
	NopHooks
	mu         sync.Mutex
	selfHeals  []string
	readErrs   int
	dropped    int
	revalid    []error
	lateWrites []bool
	collected  map[string][]string
	installs   []string
	deliveries []string
}

func (h *recHooks) SelfHeal(_, reason string) {
	h.mu.Lock()
	h.selfHeals = append(h.selfHeals, reason)
	h.mu.Unlock()
}

func (h *recHooks) StoreReadError(string, error) {
	h.mu.Lock()
	h.readErrs++
	h.mu.Unlock()
}

func (h *recHooks) StoreWriteDropped(string, string, error) {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

func (h *recHooks) Revalidated(_ string, err error) {
	h.mu.Lock()
	h.revalid = append(h.revalid, err)
	h.mu.Unlock()
}

func (h *recHooks) LateWrite(_ string, stored bool) {
	h.mu.Lock()
	h.lateWrites = append(h.lateWrites, stored)
	h.mu.Unlock()
}

func (h *recHooks) GenerationsCollected(version string, deleted []string) {
	h.mu.Lock()
	if h.collected == nil {
		h.collected = make(map[string][]string)
	}
	h.collected[version] = append(h.collected[version], deleted...)
	h.mu.Unlock()
}

func (h *recHooks) InstallFailed(version string, _ error) {
	h.mu.Lock()
	h.installs = append(h.installs, version)
	h.mu.Unlock()
}

func (h *recHooks) DeliveryFailed(kind, _ string, _ error) {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, kind)
	h.mu.Unlock()
}

func newTestLayer(t *testing.T, tr http.RoundTripper, mutate ...func(*Options)) *Layer {
	t.Helper()
	opts := Options{
		Provider:        memory.New(),
		Origin:          testOrigin,
		Transport:       tr,
		Hub:             control.NewHub(64),
		APITimeout:      200 * time.Millisecond,
		LateWriteWindow: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

// nextOf reads c until a message of type typ arrives.
func nextOf(t *testing.T, c *control.Client, typ control.Type) control.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("client closed while waiting for %s", typ)
			}
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message", typ)
		}
	}
}

// drainMessages returns everything queued for c without blocking.
func drainMessages(c *control.Client) []control.Message {
	var out []control.Message
	for {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}
