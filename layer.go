package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/swcache/control"
)

const tracerName = "github.com/unkn0wn-root/swcache"

type handler func(ctx context.Context, m control.Message) error

// Layer is the interception layer. It owns the Store, the strategy engine,
// the Router, the lifecycle registration and the control Hub, and dispatches
// control commands through a fixed handler table. Use it as the Transport of
// an http.Client or a reverse proxy.
type Layer struct {
	store     *Store
	engine    *engine
	router    *Router
	hub       *control.Hub
	scheduler Scheduler
	notifier  Notifier
	shown     *shown
	handlers  map[control.Type]handler

	reg        registration
	installMu  sync.Mutex // one install at a time
	transition sync.Mutex // guards Waiting -> Active
	fetchLimit int

	log   Logger
	hooks Hooks
	now   func() time.Time
}

var _ http.RoundTripper = (*Layer)(nil)

func New(opts Options) (*Layer, error) {
	var log Logger = NopLogger{}
	if opts.Logger != nil {
		log = opts.Logger
	}
	var hooks Hooks = NopHooks{}
	if opts.Hooks != nil {
		hooks = opts.Hooks
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	store, err := NewStore(StoreOptions{
		Provider:       opts.Provider,
		GenStore:       opts.GenStore,
		Codec:          opts.Codec,
		TTL:            opts.EntryTTL,
		ComputeSetCost: opts.SetCost,
		Logger:         log,
		Hooks:          hooks,
	})
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(RouterOptions{
		Origin:           opts.Origin,
		APIPrefix:        opts.APIPrefix,
		APITimeout:       opts.APITimeout,
		StaticExtensions: opts.StaticExtensions,
		Rules:            opts.Rules,
	})
	if err != nil {
		return nil, fmt.Errorf("swcache: origin: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	hub := opts.Hub
	if hub == nil {
		hub = control.NewHub(defaultHubBuffer)
	}
	var notifier Notifier = hubNotifier{hub: hub}
	if opts.Notifier != nil {
		notifier = opts.Notifier
	}

	l := &Layer{
		store:  store,
		router: router,
		engine: &engine{
			transport: transport,
			tracer:    tp.Tracer(tracerName),
			log:       log,
			hooks:     hooks,
			lateWrite: coalesce(opts.LateWriteWindow, defaultLateWriteWindow),
			maxBody:   coalesce(opts.MaxBodyBytes, int64(defaultMaxBodyBytes)),
			now:       now,
		},
		hub:        hub,
		scheduler:  opts.Scheduler,
		notifier:   notifier,
		shown:      newShown(coalesce(opts.MaxNotifications, defaultMaxNotifications)),
		fetchLimit: coalesce(opts.InstallConcurrency, defaultFetchLimit),
		log:        log,
		hooks:      hooks,
		now:        now,
	}
	l.handlers = map[control.Type]handler{
		control.SkipWaiting: l.handleSkipWaiting,
		control.CacheURLs:   l.handleCacheURLs,
		control.ClearCache:  l.handleClearCache,
	}
	l.restore(context.Background())
	return l, nil
}

// restore reinstates the version that was active when the layer last ran,
// as long as its static generation is still live.
func (l *Layer) restore(ctx context.Context) {
	v, ok, err := l.store.loadActive(ctx)
	if err != nil {
		l.log.Warn("restore active version failed", Fields{"err": err})
		return
	}
	if !ok {
		return
	}
	if err := validVersion(v.Version); err != nil {
		l.log.Warn("restore active version failed", Fields{"err": err})
		return
	}
	names, err := l.store.Generations(ctx)
	if err != nil {
		l.log.Warn("restore active version failed", Fields{"version": v.Version, "err": err})
		return
	}
	if !slices.Contains(names, GenerationName(StaticGeneration, v.Version)) {
		l.log.Info("active version not restored: generation missing", Fields{"version": v.Version})
		return
	}
	l.reg.active = &v
	l.log.Info("active version restored", Fields{"version": v.Version})
}

// RoundTrip routes req through the active version. With no active version,
// and for requests the Router does not intercept, it goes straight to the network.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	v, ok := l.reg.current()
	if !ok {
		return l.engine.fetch(req)
	}
	d, ok := l.router.Route(req)
	if !ok {
		return l.engine.fetch(req)
	}

	var g *Generation
	if d.Strategy != NetworkOnly {
		name := GenerationName(coalesce(d.Generation, RuntimeGeneration), v.Version)
		var err error
		if g, err = l.store.Open(req.Context(), name); err != nil {
			// store failure degrades to network-only
			l.hooks.StoreReadError(name, err)
			l.log.Warn("open generation failed", Fields{"generation": name, "err": err})
			g = nil
		}
	}
	return l.engine.execute(req, d, g)
}

// Install takes b through Installing to Waiting, filling static-<version>
// with the manifest. The first version installed is activated at once;
// later ones wait for SKIP_WAITING and the host is told an update is available.
// Installing the active or waiting version again returns it unchanged.
// A failed install drops static-<version> only if this attempt created it.
func (l *Layer) Install(ctx context.Context, b Build) (Version, error) {
	if err := validVersion(b.Version); err != nil {
		return Version{}, err
	}
	l.installMu.Lock()
	defer l.installMu.Unlock()

	if v, ok := l.reg.current(); ok && v.Version == b.Version {
		return v, nil
	}
	if v, ok := l.reg.pending(); ok && v.Version == b.Version {
		return v, nil
	}

	name := GenerationName(StaticGeneration, b.Version)
	names, err := l.store.Generations(ctx)
	if err != nil {
		return Version{}, &InstallError{Version: b.Version, Err: err}
	}
	existed := slices.Contains(names, name)

	l.notifyState(b.Version, EventInstalling)
	l.log.Info("installing version", Fields{"version": b.Version, "assets": len(b.Manifest)})
	if err := l.fill(ctx, b); err != nil {
		if !existed {
			if derr := l.store.DeleteGeneration(context.WithoutCancel(ctx), name); derr != nil {
				l.log.Warn("drop partial generation failed", Fields{"generation": name, "err": derr})
			}
		}
		l.hooks.InstallFailed(b.Version, err)
		l.log.Error("install failed", Fields{"version": b.Version, "err": err})
		l.notifyState(b.Version, EventRedundant)
		return Version{Version: b.Version, State: Redundant, Manifest: slices.Clone(b.Manifest)}, err
	}

	l.transition.Lock()
	defer l.transition.Unlock()

	v := &Version{
		Version:     b.Version,
		State:       Waiting,
		Manifest:    slices.Clone(b.Manifest),
		InstalledAt: l.now(),
	}
	l.reg.mu.Lock()
	replaced := l.reg.waiting
	l.reg.waiting = v
	hasActive := l.reg.active != nil
	l.reg.mu.Unlock()

	if replaced != nil {
		l.notifyState(replaced.Version, EventRedundant)
	}
	l.notifyState(v.Version, EventInstalled)
	l.log.Info("version installed", Fields{"version": v.Version})

	if !hasActive {
		return l.activateLocked(ctx, v.Version)
	}
	l.notify(control.UpdateAvailable, control.UpdateData{Version: v.Version})
	return *v, nil
}

func (l *Layer) fill(ctx context.Context, b Build) error {
	g, err := l.store.Open(ctx, GenerationName(StaticGeneration, b.Version))
	if err != nil {
		return &InstallError{Version: b.Version, Err: err}
	}
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(l.fetchLimit)
	for _, p := range b.Manifest {
		grp.Go(func() error {
			u, err := l.router.Resolve(p)
			if err != nil {
				return &InstallError{Version: b.Version, URL: p, Err: err}
			}
			if err := l.engine.populate(gctx, g, u); err != nil {
				return &InstallError{Version: b.Version, URL: u, Err: err}
			}
			return nil
		})
	}
	return grp.Wait()
}

// Activate moves the waiting version to Active. Activating the version that
// is already Active does nothing.
func (l *Layer) Activate(ctx context.Context, version string) (Version, error) {
	l.transition.Lock()
	defer l.transition.Unlock()
	return l.activateLocked(ctx, version)
}

// SkipWaiting activates whichever version is waiting. Without one it returns
// the active version, or ErrNotWaiting when there is none.
func (l *Layer) SkipWaiting(ctx context.Context) (Version, error) {
	l.transition.Lock()
	defer l.transition.Unlock()
	w, ok := l.reg.pending()
	if !ok {
		if v, ok := l.reg.current(); ok {
			return v, nil
		}
		return Version{}, ErrNotWaiting
	}
	return l.activateLocked(ctx, w.Version)
}

// activateLocked collects stale generations and only then claims: requests
// arriving after the swap use the new version. Must hold l.transition.
func (l *Layer) activateLocked(ctx context.Context, version string) (Version, error) {
	if v, ok := l.reg.current(); ok && v.Version == version {
		return v, nil
	}
	w, ok := l.reg.pending()
	if !ok || w.Version != version {
		return Version{}, fmt.Errorf("%w: %q", ErrNotWaiting, version)
	}

	l.notifyState(version, EventActivating)
	deleted, err := l.collect(ctx, version)
	if len(deleted) > 0 {
		l.hooks.GenerationsCollected(version, deleted)
	}
	if err != nil {
		l.log.Error("generation cleanup failed", Fields{"version": version, "deleted": deleted, "err": err})
		return w, fmt.Errorf("activate %q: %w", version, err)
	}

	l.reg.mu.Lock()
	old := l.reg.active
	next := *l.reg.waiting
	next.State = Active
	next.ActivatedAt = l.now()
	l.reg.active = &next
	l.reg.waiting = nil
	l.reg.mu.Unlock()

	if old != nil {
		l.notifyState(old.Version, EventRedundant)
	}
	l.notifyState(version, EventActivated)
	l.log.Info("version activated", Fields{"version": version, "collected": deleted})
	if err := l.store.saveActive(ctx, next); err != nil {
		l.log.Warn("persist active version failed", Fields{"version": version, "err": err})
	}

	// requests still on the old version may have reopened one of its generations
	if late, err := l.collect(ctx, version); err != nil || len(late) > 0 {
		l.log.Debug("post-claim sweep", Fields{"version": version, "deleted": late, "err": err})
	}
	return next, nil
}

func (l *Layer) collect(ctx context.Context, version string) ([]string, error) {
	names, err := l.store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, n := range staleGenerations(names, version) {
		if err := l.store.DeleteGeneration(ctx, n); err != nil {
			return deleted, err
		}
		deleted = append(deleted, n)
	}
	return deleted, nil
}

// Active returns the version currently serving requests.
func (l *Layer) Active() (Version, bool) { return l.reg.current() }

// Waiting returns the installed version waiting to be activated.
func (l *Layer) Waiting() (Version, bool) { return l.reg.pending() }

// Handle executes one host command.
func (l *Layer) Handle(ctx context.Context, m control.Message) error {
	h, ok := l.handlers[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", control.ErrUnknownType, m.Type)
	}
	return h(ctx, m)
}

func (l *Layer) handleSkipWaiting(ctx context.Context, _ control.Message) error {
	_, err := l.SkipWaiting(ctx)
	return err
}

func (l *Layer) handleCacheURLs(ctx context.Context, m control.Message) error {
	var data control.CacheURLsData
	if err := m.Bind(&data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return l.CacheURLs(ctx, data.URLs...)
}

func (l *Layer) handleClearCache(ctx context.Context, _ control.Message) error {
	return l.ClearCache(ctx)
}

// CacheURLs pre-warms the active version's runtime generation. Every URL is
// attempted; failures are joined.
func (l *Layer) CacheURLs(ctx context.Context, urls ...string) error {
	v, ok := l.reg.current()
	if !ok {
		return ErrNoActiveVersion
	}
	g, err := l.store.Open(ctx, GenerationName(RuntimeGeneration, v.Version))
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
		grp  errgroup.Group
	)
	grp.SetLimit(l.fetchLimit)
	for _, raw := range urls {
		grp.Go(func() error {
			u, err := l.router.Resolve(raw)
			if err == nil {
				err = l.engine.populate(ctx, g, u)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("cache %s: %w", raw, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()
	l.log.Debug("urls cached", Fields{"generation": g.Name(), "requested": len(urls), "failed": len(errs)})
	return errors.Join(errs...)
}

// ClearCache deletes every generation. Unlike activation cleanup nothing is kept.
func (l *Layer) ClearCache(ctx context.Context) error {
	if err := l.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	l.log.Info("cache cleared", nil)
	return nil
}

// RequestSync registers the deferred-sync task tag with the scheduler, or
// delivers it at once when there is none. An empty tag means DefaultSyncTag.
func (l *Layer) RequestSync(ctx context.Context, tag string) error {
	tag = coalesce(tag, DefaultSyncTag)
	if l.scheduler == nil {
		return l.DeliverSync(ctx, tag)
	}
	if err := l.scheduler.Schedule(ctx, tag); err != nil {
		return fmt.Errorf("schedule sync %q: %w", tag, err)
	}
	return nil
}

// CancelSync drops a pending task.
func (l *Layer) CancelSync(ctx context.Context, tag string) error {
	if l.scheduler == nil {
		return nil
	}
	return l.scheduler.Cancel(ctx, coalesce(tag, DefaultSyncTag))
}

// DeliverSync is one delivery attempt: attached clients are told a sync was
// requested. It fails when no client took the message, so the scheduler retries.
func (l *Layer) DeliverSync(_ context.Context, tag string) error {
	if err := broadcast(l.hub, control.SyncRequested, control.SyncData{Tag: tag}); err != nil {
		l.hooks.DeliveryFailed("sync", tag, err)
		l.log.Warn("sync delivery failed", Fields{"tag": tag, "err": err})
		return fmt.Errorf("deliver sync %q: %w", tag, err)
	}
	l.log.Debug("sync delivered", Fields{"tag": tag})
	return nil
}

// Push shows a notification built from an inbound push payload.
func (l *Layer) Push(ctx context.Context, payload []byte) (Notification, error) {
	n, err := ParsePush(payload)
	if err != nil {
		l.hooks.DeliveryFailed("push", "", err)
		return Notification{}, err
	}
	n = l.shown.add(n)
	if err := l.notifier.Show(ctx, n); err != nil {
		l.shown.take(n.ID)
		l.hooks.DeliveryFailed("push", n.ID, err)
		l.log.Warn("show notification failed", Fields{"id": n.ID, "err": err})
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// ClickNotification closes notification id and routes the host to its URL.
func (l *Layer) ClickNotification(ctx context.Context, id string) (Notification, error) {
	n, ok := l.shown.take(id)
	if !ok {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownNotification, id)
	}
	if err := l.notifier.Close(ctx, id); err != nil {
		l.log.Warn("close notification failed", Fields{"id": id, "err": err})
	}
	if err := broadcast(l.hub, control.Navigate, control.NavigateData{URL: n.URL}); err != nil {
		l.hooks.DeliveryFailed("click", id, err)
		return n, fmt.Errorf("navigate to %s: %w", n.URL, err)
	}
	return n, nil
}

// Attach connects a host client to the layer's notifications.
func (l *Layer) Attach() *control.Client { return l.hub.Attach() }

func (l *Layer) Hub() *control.Hub { return l.hub }
func (l *Layer) Store() *Store     { return l.store }
func (l *Layer) Router() *Router   { return l.router }

// Drain waits for fetches that outlived their requests (revalidations and
// late Network-First results). Call it once traffic has stopped.
func (l *Layer) Drain(ctx context.Context) error { return l.engine.drain(ctx) }

// Close drains, detaches every client and closes the store.
func (l *Layer) Close(ctx context.Context) error {
	derr := l.Drain(ctx)
	l.hub.Close()
	return errors.Join(derr, l.store.Close(ctx))
}

func (l *Layer) notifyState(version, event string) {
	l.notify(control.StateChange, control.StateChangeData{Version: version, State: event})
}

// notify is fire-and-forget; nobody listening is not an error.
func (l *Layer) notify(t control.Type, data any) {
	if err := broadcast(l.hub, t, data); err != nil && !errors.Is(err, ErrNoClients) {
		l.log.Debug("notification not delivered", Fields{"type": string(t), "err": err})
	}
}
