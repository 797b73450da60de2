// Package swcache implements an intercepting, offline-capable HTTP cache layer.
//
// A Layer is an http.RoundTripper placed between an application and the
// network. Each GET it intercepts is classified by the Router into one of four
// strategies (Cache-First, Network-First, Stale-While-Revalidate, Network-Only)
// and a target cache generation. Responses are kept in a Store of named,
// versioned generations on top of a pluggable byte Provider.
//
// Components:
//   - Provider: byte store with TTL (bbolt, SQLite, Redis, Ristretto, BigCache).
//   - Codec[Entry]: (de)serializes stored responses <-> []byte.
//   - GenStore: which generations are live and the epoch each is bound to.
//   - Router: ordered classification rules, first match wins.
//   - Lifecycle: Installing -> Waiting -> Active -> Redundant per version.
//   - control.Hub: messages between the layer and attached host clients.
//
// Keys:
//
//	entry:<generation>:<METHOD> <absolute url>  - stored responses
//	meta:generations                            - registry (provider-backed GenStore)
//
// Generations are named <logical>-<version>, e.g. static-v1 and runtime-v1.
// Activating a version deletes every generation of a known logical name whose
// version differs.
//
// Typical wiring:
//
//	layer, _ := swcache.New(swcache.Options{
//	    Origin:   "https://app.example",
//	    Provider: boltProvider,
//	})
//	_, _ = layer.Install(ctx, swcache.Build{Version: "v1", Manifest: []string{"/", "/app.css"}})
//	client := &http.Client{Transport: layer}
package swcache
