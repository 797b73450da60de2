package swcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork matches every fetch that produced no response.
	ErrNetwork = errors.New("swcache: network failure")
	// ErrTimeout matches a Network-First fetch that exceeded its bounded wait.
	ErrTimeout = errors.New("swcache: network timeout")

	ErrNoActiveVersion     = errors.New("swcache: no active version")
	ErrNotWaiting          = errors.New("swcache: version is not waiting")
	ErrUnknownNotification = errors.New("swcache: unknown notification")
	ErrInvalidPayload      = errors.New("swcache: invalid payload")
	ErrNoClients           = errors.New("swcache: no attached clients")
	ErrInvalidVersion      = errors.New("swcache: invalid version")

	// ErrGenerationGone is returned by writes through a handle whose
	// generation was deleted after the handle was opened.
	ErrGenerationGone = errors.New("swcache: generation deleted")
)

// FetchError is returned when the network could not produce a response.
// It matches ErrNetwork, and ErrTimeout when Timeout is set.
type FetchError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s %s: timed out: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrNetwork || (e.Timeout && target == ErrTimeout)
}

// InstallError reports why a version could not reach Waiting.
// URL is empty when the failure was not tied to a manifest asset.
type InstallError struct {
	Version string
	URL     string
	Err     error
}

func (e *InstallError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("install %q: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("install %q: asset %s: %v", e.Version, e.URL, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// StatusError is a fetch that produced a response that must not be cached.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}
