// Package server exposes a Layer over HTTP: control endpoints under /_sw and
// a reverse proxy for everything else, with the Layer as its transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unkn0wn-root/swcache"
)

// Connectivity is implemented by schedulers that replay pending sync when
// the host comes back online.
type Connectivity interface {
	Online(ctx context.Context)
	Offline()
}

type Options struct {
	Layer  *swcache.Layer
	Origin string
	// Connectivity, if set, enables POST /_sw/connectivity.
	Connectivity Connectivity
	Logger       swcache.Logger
	// Heartbeat is the SSE keep-alive interval; 0 => 25s.
	Heartbeat time.Duration
}

type Server struct {
	Router *chi.Mux

	layer     *swcache.Layer
	conn      Connectivity
	log       swcache.Logger
	heartbeat time.Duration
}

func New(opts Options) (*Server, error) {
	if opts.Layer == nil {
		return nil, errors.New("server: nil layer")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("server: invalid origin %q", opts.Origin)
	}
	log := swcache.WithFields(opts.Logger, swcache.Fields{"component": "http"})
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 25 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, layer: opts.Layer, conn: opts.Connectivity, log: log, heartbeat: hb}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Debug("write health check", swcache.Fields{"err": err})
		}
	})
	r.Route("/_sw", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Get("/events", s.handleEvents)
		r.Post("/install", s.handleInstall)
		r.Get("/state", s.handleState)
		r.Post("/sync", s.handleSync)
		r.Delete("/sync/{tag}", s.handleCancelSync)
		r.Post("/connectivity", s.handleConnectivity)
		r.Post("/push", s.handlePush)
		r.Post("/notifications/{id}/click", s.handleClick)
	})
	r.Handle("/*", s.proxy(origin))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

// proxy forwards to the origin through the layer, so the layer sees the
// same absolute URLs it would see from the app itself.
func (s *Server) proxy(origin *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
			pr.SetXForwarded()
		},
		Transport: s.layer,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			if errors.Is(err, swcache.ErrTimeout) {
				status = http.StatusGatewayTimeout
			}
			s.log.Warn("proxy failed", swcache.Fields{"path": r.URL.Path, "err": err})
			w.WriteHeader(status)
		},
	}
}

func requestLogger(log swcache.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request", swcache.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": chimw.GetReqID(r.Context()),
			})
		})
	}
}
