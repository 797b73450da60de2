package swcache

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	c "github.com/unkn0wn-root/swcache/codec"
	"github.com/unkn0wn-root/swcache/control"
	gen "github.com/unkn0wn-root/swcache/genstore"
	pr "github.com/unkn0wn-root/swcache/provider"
)

// Options configure a Layer.
// Only Provider is required; others have sensible defaults.
type Options struct {
	// Required
	Provider pr.Provider

	// Origin is the application's own origin, e.g. "https://app.example".
	// Manifest and CACHE_URLS paths resolve against it.
	Origin    string
	Transport http.RoundTripper // network; nil => http.DefaultTransport

	GenStore     gen.GenStore   // nil => LocalGenStore (in-process)
	Codec        c.Codec[Entry] // nil => CBOR
	EntryTTL     time.Duration  // 0 => entries never expire
	MaxBodyBytes int64          // larger responses are not cached; 0 => 10MiB
	SetCost      SetCostFunc    // default len(raw)

	APIPrefix        string        // "" => "/api/"
	APITimeout       time.Duration // Network-First bounded wait; 0 => 10s
	LateWriteWindow  time.Duration // how long a fetch may outlive its request; 0 => 1m
	StaticExtensions []string      // nil => DefaultStaticExtensions
	Rules            []Rule        // evaluated before the built-in rules

	Scheduler Scheduler    // nil => sync is delivered immediately
	Notifier  Notifier     // nil => notifications are broadcast on Hub
	Hub       *control.Hub // nil => a hub with 16-message inboxes

	InstallConcurrency int // parallel manifest fetches; 0 => 4
	MaxNotifications   int // clickable notifications remembered; 0 => 256

	Logger         Logger               // if nil, NopLogger is used
	Hooks          Hooks                // if nil, NopHooks is used
	TracerProvider trace.TracerProvider // nil => otel global
	Clock          func() time.Time     // nil => time.Now
}
