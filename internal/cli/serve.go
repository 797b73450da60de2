package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/swcache"
	"github.com/unkn0wn-root/swcache/internal/app"
	"github.com/unkn0wn-root/swcache/internal/config"
	"github.com/unkn0wn-root/swcache/internal/server"
	"github.com/unkn0wn-root/swcache/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long:  "Installs SWCACHE_VERSION from SWCACHE_MANIFEST, then proxies SWCACHE_ORIGIN through the cache until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			exitCode = ExitUsageError
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName, cfg.Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, app.Options{TracerProvider: tp})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(cctx); err != nil {
			a.Log.Error("close", swcache.Fields{"err": err})
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}

	opts := server.Options{Layer: a.Layer, Origin: cfg.Origin, Logger: a.Log}
	if a.Memory != nil {
		opts.Connectivity = a.Memory
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.Log.Info("listening", swcache.Fields{"addr": cfg.Listen, "origin": cfg.Origin, "upstream": cfg.Upstream})
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Log.Info("shutting down", nil)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// SSE streams never finish on their own; detach them first
	a.Layer.Hub().Close()
	if err := hs.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
