// Package app assembles a swcache Layer and its backends from Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/swcache"
	"github.com/unkn0wn-root/swcache/codec"
	"github.com/unkn0wn-root/swcache/genstore"
	asynchook "github.com/unkn0wn-root/swcache/hooks/async"
	"github.com/unkn0wn-root/swcache/internal/config"
	pr "github.com/unkn0wn-root/swcache/provider"
	bigcachep "github.com/unkn0wn-root/swcache/provider/bigcache"
	boltp "github.com/unkn0wn-root/swcache/provider/bolt"
	memoryp "github.com/unkn0wn-root/swcache/provider/memory"
	redisp "github.com/unkn0wn-root/swcache/provider/redis"
	ristrettop "github.com/unkn0wn-root/swcache/provider/ristretto"
	sqlitep "github.com/unkn0wn-root/swcache/provider/sqlite"
	"github.com/unkn0wn-root/swcache/provider/tiered"
	asynqsched "github.com/unkn0wn-root/swcache/scheduler/asynq"
	memsched "github.com/unkn0wn-root/swcache/scheduler/memory"
	"github.com/unkn0wn-root/swcache/sloghooks"
)

const (
	redisNamespace = "swcache"
	// frame and header overhead allowed on top of MaxBodyBytes when decoding
	decodeSlack = 64 << 10
	// rough mean entry size used to size the ristretto admission counters
	meanEntryBytes = 8 << 10
)

// App is a built Layer plus the resources it owns.
type App struct {
	Config config.Config
	Layer  *swcache.Layer
	Log    swcache.Logger
	// Memory is set when the in-process scheduler is used; the server exposes
	// its connectivity trigger.
	Memory *memsched.Scheduler

	asynqSched *asynqsched.Scheduler
	worker     *asynq.Server
	hooks      *asynchook.Hooks
	syncLog    func() error
}

// Options override pieces New would otherwise build from Config.
type Options struct {
	LogWriter      io.Writer
	Transport      http.RoundTripper // network; nil => http.DefaultTransport
	TracerProvider trace.TracerProvider
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	log, syncLog, err := NewLogger(cfg.Log, cfg.LogLevel, w)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	hl, err := newSlog(cfg.LogLevel, w)
	if err != nil {
		return nil, fmt.Errorf("hooks logger: %w", err)
	}
	hooks := asynchook.New(sloghooks.New(hl, sloghooks.Options{SelfHealEvery: 10, RevalidatedEvery: 100}), 1, 1024)

	a := &App{Config: cfg, Log: log, hooks: hooks, syncLog: syncLog}
	fail := func(err error) (*App, error) {
		hooks.Close()
		_ = syncLog()
		return nil, err
	}

	var rdb goredis.UniversalClient
	if cfg.Provider == "redis" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("redis %s: %w", cfg.RedisAddr, err))
		}
	}

	back, err := openBack(ctx, cfg, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return fail(err)
	}
	gens, err := openGenStore(ctx, cfg, back, rdb)
	if err != nil {
		_ = back.Close(ctx)
		return fail(err)
	}
	provider := back
	front, err := openFront(ctx, cfg)
	if err != nil {
		_ = gens.Close(ctx)
		_ = back.Close(ctx)
		return fail(err)
	}
	if front != nil {
		if provider, err = tiered.New(front, back); err != nil {
			_ = gens.Close(ctx)
			_ = back.Close(ctx)
			return fail(err)
		}
	}
	entries, err := entryCodec(cfg)
	if err != nil {
		_ = gens.Close(ctx)
		_ = provider.Close(ctx)
		return fail(err)
	}

	transport, err := upstream(cfg, opts.Transport)
	if err != nil {
		_ = gens.Close(ctx)
		_ = provider.Close(ctx)
		return fail(err)
	}

	var sched swcache.Scheduler
	switch cfg.Scheduler {
	case "memory":
		a.Memory = memsched.New(memsched.Options{MaxAttempts: cfg.SyncRetries, Logger: log})
		sched = a.Memory
	case "asynq":
		ro := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
		a.asynqSched = asynqsched.New(ro, asynqsched.Options{MaxRetry: cfg.SyncRetries, Logger: log})
		a.worker = asynq.NewServer(ro, asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{a.asynqSched.Queue(): 1},
		})
		sched = a.asynqSched
	}

	layer, err := swcache.New(swcache.Options{
		Provider:        provider,
		Origin:          cfg.Origin,
		Transport:       transport,
		GenStore:        gens,
		Codec:           entries,
		EntryTTL:        cfg.EntryTTL,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		APIPrefix:       cfg.APIPrefix,
		APITimeout:      cfg.APITimeout,
		LateWriteWindow: cfg.LateWrite,
		Scheduler:       sched,
		Logger:          log,
		Hooks:           hooks,
		TracerProvider:  opts.TracerProvider,
	})
	if err != nil {
		if a.asynqSched != nil {
			_ = a.asynqSched.Close()
		}
		_ = gens.Close(ctx)
		_ = provider.Close(ctx)
		return fail(err)
	}
	a.Layer = layer
	if a.Memory != nil {
		a.Memory.Attach(layer)
	}
	if a.asynqSched != nil {
		a.asynqSched.Attach(layer)
	}
	return a, nil
}

// Start runs the asynq worker, if any, and installs the configured build.
// A failed install is logged and the layer keeps passing requests through.
func (a *App) Start(ctx context.Context) error {
	if a.worker != nil {
		mux := asynq.NewServeMux()
		a.asynqSched.Register(mux)
		if err := a.worker.Start(mux); err != nil {
			return fmt.Errorf("start sync worker: %w", err)
		}
	}
	if a.Config.Version == "" {
		return nil
	}
	v, err := a.Layer.Install(ctx, swcache.Build{Version: a.Config.Version, Manifest: a.Config.Manifest})
	if err != nil {
		a.Log.Error("install failed", swcache.Fields{"version": a.Config.Version, "err": err})
		return nil
	}
	a.Log.Info("installed", swcache.Fields{"version": v.Version, "state": v.State.String(), "assets": len(v.Manifest)})
	return nil
}

// Close stops the worker, drains the layer and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.worker != nil {
		a.worker.Shutdown()
	}
	if a.asynqSched != nil {
		errs = append(errs, a.asynqSched.Close())
	}
	errs = append(errs, a.Layer.Close(ctx))
	a.hooks.Close()
	errs = append(errs, a.syncLog())
	return errors.Join(errs...)
}

func openBack(ctx context.Context, cfg config.Config, rdb goredis.UniversalClient) (pr.Provider, error) {
	switch cfg.Provider {
	case "bolt":
		return boltp.Open(boltp.Config{Path: cfg.DataPath})
	case "sqlite":
		return sqlitep.Open(ctx, sqlitep.Config{Path: cfg.DataPath})
	case "redis":
		// the redis genstore owns the client
		return redisp.New(redisp.Config{Client: rdb})
	case "memory":
		return memoryp.New(), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// openGenStore keeps the registry next to the entries so both survive a restart.
func openGenStore(ctx context.Context, cfg config.Config, back pr.Provider, rdb goredis.UniversalClient) (genstore.GenStore, error) {
	switch cfg.Provider {
	case "redis":
		return genstore.NewRedisGenStore(rdb, redisNamespace), nil
	case "memory":
		return genstore.NewLocalGenStore(), nil
	}
	gs, err := genstore.NewPersistentGenStore(ctx, back)
	if err != nil {
		return nil, fmt.Errorf("load generation registry: %w", err)
	}
	return gs, nil
}

func openFront(ctx context.Context, cfg config.Config) (pr.Provider, error) {
	bytes := int64(cfg.MemoryMB) << 20
	switch cfg.MemoryTier {
	case "ristretto":
		return ristrettop.New(ristrettop.Config{
			NumCounters: 10 * (bytes / meanEntryBytes),
			MaxCost:     bytes,
			BufferItems: 64,
		})
	case "bigcache":
		life := cfg.EntryTTL
		if life <= 0 {
			life = time.Hour
		}
		return bigcachep.New(ctx, bigcachep.Config{
			LifeWindow:         life,
			MaxEntrySize:       meanEntryBytes,
			HardMaxCacheSizeMB: cfg.MemoryMB,
		})
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown memory tier %q", cfg.MemoryTier)
}

func entryCodec(cfg config.Config) (codec.Codec[swcache.Entry], error) {
	var inner codec.Codec[swcache.Entry]
	switch cfg.Codec {
	case "cbor":
		c, err := codec.NewCBOR[swcache.Entry](false)
		if err != nil {
			return nil, err
		}
		inner = c
	case "msgpack":
		inner = codec.Msgpack[swcache.Entry]{}
	case "json":
		inner = codec.JSON[swcache.Entry]{}
	case "proto":
		inner = swcache.EntryProto{}
	default:
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	return codec.LimitCodec[swcache.Entry]{Inner: inner, Max: int(cfg.MaxBodyBytes) + decodeSlack}, nil
}

// upstream sends network fetches for the origin to cfg.Upstream, so cache keys
// keep the public origin while bytes come from wherever the app really runs.
func upstream(cfg config.Config, base http.RoundTripper) (http.RoundTripper, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Upstream == "" || cfg.Upstream == cfg.Origin {
		return base, nil
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	return &rewriteTransport{base: base, origin: origin, target: target}, nil
}

type rewriteTransport struct {
	base   http.RoundTripper
	origin *url.URL
	target *url.URL
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != t.origin.Scheme || req.URL.Host != t.origin.Host {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.Host = t.origin.Host
	return t.base.RoundTrip(out)
}
