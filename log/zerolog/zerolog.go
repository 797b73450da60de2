package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/swcache"
)

var _ swcache.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func (z Logger) Debug(msg string, f swcache.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f swcache.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f swcache.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f swcache.Fields) { emit(z.L.Error(), msg, f) }

// emit is a no-op when the level is disabled (zerolog returns a nil event).
func emit(e *zerolog.Event, msg string, f swcache.Fields) {
	if e == nil {
		return
	}
	for k, v := range f {
		switch v := v.(type) {
		case error:
			e = e.AnErr(k, v)
		case nil:
		default:
			e = e.Interface(k, v)
		}
	}
	e.Msg(msg)
}
