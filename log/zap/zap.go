package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/swcache"
)

var _ swcache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f swcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f swcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f swcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f swcache.Fields) { z.L.Error(msg, zf(f)...) }

// zf emits fields in key order; errors become zap.NamedError so they render as strings.
func zf(f swcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case nil:
			// a nil error interface arrives here; skip it
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
