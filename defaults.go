package swcache

import "time"

const (
	defaultAPIPrefix        = "/api/"
	defaultAPITimeout       = 10 * time.Second
	defaultLateWriteWindow  = time.Minute
	defaultMaxBodyBytes     = 10 << 20
	defaultHubBuffer        = 16
	defaultFetchLimit       = 4
	defaultMaxNotifications = 256
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
