package swcache

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State of one layer version. Transitions only move forward.
type State int

const (
	Installing State = iota
	Waiting
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifecycle events as reported to the host in STATE_CHANGE.
const (
	EventInstalling = "installing"
	EventInstalled  = "installed"
	EventActivating = "activating"
	EventActivated  = "activated"
	EventRedundant  = "redundant"
)

// Build is one deployable version of the layer.
type Build struct {
	Version string
	// Manifest is the ordered list of critical assets, as absolute paths.
	Manifest []string
}

// Version is a snapshot of one build's lifecycle.
type Version struct {
	Version     string
	State       State
	Manifest    []string
	InstalledAt time.Time
	ActivatedAt time.Time
}

// KnownGenerations are the logical names garbage-collected on activation.
var KnownGenerations = []string{StaticGeneration, RuntimeGeneration}

// GenerationName joins a logical name and a version: static-v1.
func GenerationName(logical, version string) string {
	return logical + "-" + version
}

// ParseGeneration splits a generation name at its first '-'.
func ParseGeneration(name string) (logical, version string, ok bool) {
	logical, version, ok = strings.Cut(name, "-")
	if !ok || logical == "" || version == "" {
		return "", "", false
	}
	return logical, version, true
}

func validVersion(v string) error {
	if v == "" || strings.ContainsAny(v, ": \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return nil
}

// staleGenerations returns the names a newly active version makes obsolete:
// known logical names at any other version. Unknown names are left alone.
func staleGenerations(names []string, version string) []string {
	var out []string
	for _, n := range names {
		logical, v, ok := ParseGeneration(n)
		if !ok || v == version {
			continue
		}
		for _, k := range KnownGenerations {
			if logical == k {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// registration holds the versions the layer knows about.
// At most one version is Active and at most one is Waiting.
type registration struct {
	mu      sync.RWMutex
	active  *Version
	waiting *Version
}

func (r *registration) current() (Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Version{}, false
	}
	return *r.active, true
}

func (r *registration) pending() (Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.waiting == nil {
		return Version{}, false
	}
	return *r.waiting, true
}
