package swcache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Logical generation names. Versioned names are built with GenerationName.
const (
	StaticGeneration  = "static"
	RuntimeGeneration = "runtime"
)

// DefaultStaticExtensions are the script, style, image and font types served Cache-First.
var DefaultStaticExtensions = []string{
	".js", ".mjs", ".css",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico",
	".woff", ".woff2", ".ttf", ".otf",
}

// Rule is one classification entry. Rules are evaluated in order; the first
// whose Match returns true decides.
type Rule struct {
	Name       string
	Match      func(*http.Request) bool
	Strategy   Strategy
	Generation string        // logical name, e.g. "runtime"
	Timeout    time.Duration // Network-First bounded wait; 0 => unbounded
}

// Decision is the outcome of classifying one request.
type Decision struct {
	Rule       string
	Strategy   Strategy
	Generation string
	Timeout    time.Duration
	// Document is set when the request expects rendered markup.
	Document bool
}

type RouterOptions struct {
	// Origin is the application's own origin. Empty treats every request as same-origin.
	Origin           string
	APIPrefix        string        // default "/api/"
	APITimeout       time.Duration // default 10s
	StaticExtensions []string      // default DefaultStaticExtensions
	// Rules are evaluated before the built-in ones.
	Rules []Rule
}

// Router maps requests to a strategy and a target generation.
type Router struct {
	origin    *url.URL
	apiPrefix string
	api       Rule
	rules     []Rule
	fallback  Rule
}

func NewRouter(opts RouterOptions) (*Router, error) {
	r := &Router{apiPrefix: coalesce(opts.APIPrefix, defaultAPIPrefix)}
	if opts.Origin != "" {
		u, err := url.Parse(opts.Origin)
		if err != nil {
			return nil, err
		}
		r.origin = u
	}

	exts := make(map[string]struct{})
	for _, e := range coalesceSlice(opts.StaticExtensions, DefaultStaticExtensions) {
		exts[strings.ToLower(e)] = struct{}{}
	}

	r.api = Rule{
		Name:       "api",
		Match:      r.isAPI,
		Strategy:   NetworkFirst,
		Generation: RuntimeGeneration,
		Timeout:    coalesce(opts.APITimeout, defaultAPITimeout),
	}
	r.fallback = Rule{
		Name:       "default",
		Match:      func(*http.Request) bool { return true },
		Strategy:   StaleWhileRevalidate,
		Generation: RuntimeGeneration,
	}

	r.rules = append(r.rules, opts.Rules...)
	r.rules = append(r.rules,
		Rule{
			Name:       "document",
			Match:      IsDocument,
			Strategy:   StaleWhileRevalidate,
			Generation: RuntimeGeneration,
		},
		Rule{
			Name: "static",
			Match: func(req *http.Request) bool {
				_, ok := exts[strings.ToLower(path.Ext(req.URL.Path))]
				return ok
			},
			Strategy:   CacheFirst,
			Generation: StaticGeneration,
		},
		r.api,
		r.fallback,
	)
	return r, nil
}

// Classify returns the decision of the first matching rule. The last rule
// matches everything, so every request gets a decision.
func (r *Router) Classify(req *http.Request) Decision {
	for _, rule := range r.rules {
		if rule.Match(req) {
			return decide(rule, req)
		}
	}
	return decide(r.fallback, req)
}

// Route is Classify for requests the layer intercepts. ok is false for
// requests that go straight to the network: non-GET methods, and cross-origin
// requests outside the API prefix.
func (r *Router) Route(req *http.Request) (d Decision, ok bool) {
	if req.Method != http.MethodGet {
		return Decision{}, false
	}
	if !r.sameOrigin(req.URL) {
		if !r.isAPI(req) {
			return Decision{}, false
		}
		return decide(r.api, req), true
	}
	return r.Classify(req), true
}

// Resolve turns a path from a manifest or CACHE_URLS into an absolute URL.
func (r *Router) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if r.origin == nil || u.IsAbs() {
		return u.String(), nil
	}
	return r.origin.ResolveReference(u).String(), nil
}

func (r *Router) isAPI(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, r.apiPrefix)
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if r.origin == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

func decide(rule Rule, req *http.Request) Decision {
	return Decision{
		Rule:       rule.Name,
		Strategy:   rule.Strategy,
		Generation: rule.Generation,
		Timeout:    rule.Timeout,
		Document:   IsDocument(req),
	}
}

func coalesceSlice[T any](v, def []T) []T {
	if len(v) == 0 {
		return def
	}
	return v
}
