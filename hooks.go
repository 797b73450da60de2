package swcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The layer calls them on request paths.
type Hooks interface {
	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "epoch_mismatch", "value_decode", "key_mismatch"}
	SelfHeal(storageKey, reason string)

	// The store failed on read; the request was served as a miss.
	StoreReadError(generation string, err error)

	// A write was dropped; the network result was still returned.
	StoreWriteDropped(generation, key string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A Stale-While-Revalidate fetch finished after a cache hit was served.
	// err is nil when the entry was refreshed.
	Revalidated(key string, err error)

	// A Network-First fetch completed after its bounded wait had expired.
	LateWrite(key string, stored bool)

	// Stale generations deleted while activating version.
	GenerationsCollected(version string, deleted []string)

	InstallFailed(version string, err error)

	// A sync or push delivery attempt failed. kind ∈ {"sync", "push", "click"}
	DeliveryFailed(kind, tag string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                 {}
func (NopHooks) StoreReadError(string, error)            {}
func (NopHooks) StoreWriteDropped(string, string, error) {}
func (NopHooks) ProviderSetRejected(string)              {}
func (NopHooks) Revalidated(string, error)               {}
func (NopHooks) LateWrite(string, bool)                  {}
func (NopHooks) GenerationsCollected(string, []string)   {}
func (NopHooks) InstallFailed(string, error)             {}
func (NopHooks) DeliveryFailed(string, string, error)    {}
