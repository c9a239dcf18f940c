// Command edgegw runs the edge gateway server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	edgegateway "github.com/ferro-labs/edge-gateway"
	"github.com/ferro-labs/edge-gateway/internal/logging"
	"github.com/ferro-labs/edge-gateway/internal/requestlog"
	"github.com/ferro-labs/edge-gateway/internal/tracing"
	"github.com/ferro-labs/edge-gateway/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("edge gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, source, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	shutdownTracing, err := tracing.Setup(tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Service,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	var gwOpts []edgegateway.Option
	closeJournal := func(context.Context) error { return nil }
	if rl := cfg.RequestLog; rl.Driver != "" {
		w, err := requestlog.Open(rl.Driver, rl.DSN)
		if err != nil {
			return fmt.Errorf("opening request log: %w", err)
		}
		journal := requestlog.NewAsync(w, rl.BufferSize, logging.Logger)
		gwOpts = append(gwOpts, edgegateway.WithRequestLog(journal))
		closeJournal = func(ctx context.Context) error {
			err := journal.Close(ctx)
			if n := journal.Dropped(); n > 0 {
				logging.Logger.Warn("request log entries dropped", "count", n)
			}
			return errors.Join(err, w.Close())
		}
	}

	gw, err := edgegateway.New(cfg, gwOpts...)
	if err != nil {
		_ = closeJournal(context.Background())
		return err
	}

	srv := newServer(cfg, gw.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Logger.Info("edge gateway listening",
			"addr", srv.Addr,
			"version", version.Short(),
			"config", source,
			"routes", len(gw.Routes()),
			"breaker_engine", cfg.CircuitBreaker.Engine,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			closeJournal(shutdownCtx),
			shutdownTracing(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Logger.Info("server stopped")
	return nil
}

// loadConfig reads GATEWAY_CONFIG when set, falls back to the built-in
// routes otherwise, and applies environment overrides on top. It reports
// where the config came from.
func loadConfig(getenv func(string) string) (edgegateway.Config, string, error) {
	cfg := edgegateway.DefaultConfig()
	source := "defaults"
	if path := getenv("GATEWAY_CONFIG"); path != "" {
		loaded, err := edgegateway.LoadConfig(path)
		if err != nil {
			return edgegateway.Config{}, "", fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
		source = path
	}

	if p := getenv("PORT"); p != "" {
		cfg.Listen = ":" + p
	}
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := getenv("LOG_FORMAT"); f != "" {
		cfg.Logging.Format = f
	}
	if origins := getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = strings.Split(origins, ",")
	}

	edgegateway.ApplyDefaults(&cfg)
	if err := edgegateway.ValidateConfig(cfg); err != nil {
		return edgegateway.Config{}, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, source, nil
}

func newServer(cfg edgegateway.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		IdleTimeout:       cfg.Server.IdleTimeout.Std(),
	}
}
