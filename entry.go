package swcache

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a stored response.
type Entry struct {
	Method   string      `json:"method" cbor:"1,keyasint" msgpack:"method"`
	URL      string      `json:"url" cbor:"2,keyasint" msgpack:"url"`
	Status   int         `json:"status" cbor:"3,keyasint" msgpack:"status"`
	Header   http.Header `json:"header,omitempty" cbor:"4,keyasint,omitempty" msgpack:"header,omitempty"`
	Body     []byte      `json:"body,omitempty" cbor:"5,keyasint,omitempty" msgpack:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at" cbor:"6,keyasint" msgpack:"stored_at"`
}

// Key is the request identity entries are stored under:
// method and absolute URL, query kept, fragment dropped.
func Key(req *http.Request) string {
	return req.Method + " " + requestURL(req)
}

// Key returns the identity the entry was stored under.
func (e Entry) Key() string { return e.Method + " " + e.URL }

func requestURL(req *http.Request) string {
	u := *req.URL
	u.Fragment, u.RawFragment = "", ""
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	return u.String()
}

// newEntry copies the parts of resp worth keeping. Hop-by-hop headers are dropped.
func newEntry(req *http.Request, resp *http.Response, body []byte, now time.Time) Entry {
	h := resp.Header.Clone()
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return Entry{
		Method:   req.Method,
		URL:      requestURL(req),
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: now,
	}
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer", "Set-Cookie",
}

// Response rebuilds a response for req. Every call gets its own body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Age reports how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.StoredAt) }

// IsDocument reports whether req expects rendered markup.
func IsDocument(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/html" {
			return true
		}
	}
	return false
}

const offlinePage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>Offline</h1><p>This page is not available offline.</p></body></html>
`

// offlineResponse is served for documents when neither network nor cache can answer.
func offlineResponse(req *http.Request) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(offlinePage)))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(offlinePage)),
		ContentLength: int64(len(offlinePage)),
		Request:       req,
	}
}

// successful is the only condition under which a response is stored.
// Partial content is excluded: it is not the full resource.
func successful(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusPartialContent
}
