package app

import (
	"fmt"
	"io"
	stdslog "log/slog"
	"os"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/swcache"
	logruslog "github.com/unkn0wn-root/swcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/swcache/log/slog"
	zaplog "github.com/unkn0wn-root/swcache/log/zap"
	zerologlog "github.com/unkn0wn-root/swcache/log/zerolog"
)

// NewLogger builds the swcache.Logger for backend at level, writing to w.
// The returned sync flushes buffered output (zap) and is safe to call once.
func NewLogger(backend, level string, w io.Writer) (swcache.Logger, func() error, error) {
	if w == nil {
		w = os.Stderr
	}
	nop := func() error { return nil }
	switch backend {
	case "zerolog", "":
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, nop, err
		}
		l := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "swcache").Logger()
		return zerologlog.Logger{L: l}, nop, nil

	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nop, err
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
		l := zap.New(core).Named("swcache")
		return zaplog.ZapLogger{L: l}, l.Sync, nil

	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nop, err
		}
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.JSONFormatter{})
		return logruslog.LogrusLogger{E: logrus.NewEntry(l).WithField("component", "swcache")}, nop, nil

	case "slog":
		l, err := newSlog(level, w)
		if err != nil {
			return nil, nop, err
		}
		return slogadapter.Logger{L: l}, nop, nil
	}
	return nil, nop, fmt.Errorf("unknown log backend %q", backend)
}

// newSlog backs the slog adapter and the event hooks.
func newSlog(level string, w io.Writer) (*stdslog.Logger, error) {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	h := stdslog.NewJSONHandler(w, &stdslog.HandlerOptions{Level: lvl})
	return stdslog.New(h).With("component", "swcache"), nil
}
