package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"undelete/internal/backend"
	"undelete/internal/gateway"
	"undelete/internal/store"
	"undelete/internal/undelete"
)

// FileConfig is the TOML configuration file layout.
type FileConfig struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`

	// Origin selects what the filter fronts: "embedded" (bundled store),
	// "gateway" (S3-compatible store), or "proxy" (remote v1 API).
	Origin string `toml:"origin"`

	Undelete undelete.Config `toml:"undelete"`

	Store struct {
		DataDir  string `toml:"data_dir"`
		MaxBytes int64  `toml:"max_bytes"`
	} `toml:"store"`

	Gateway gateway.Config `toml:"gateway"`

	Proxy struct {
		Upstream string `toml:"upstream"`

		// CrossAccountCopy declares whether the upstream supports the
		// Destination-Account copy header. There is no way to probe it,
		// so the operator states it and config validation trusts them.
		CrossAccountCopy bool `toml:"cross_account_copy"`
	} `toml:"proxy"`
}

func defaultFileConfig() FileConfig {
	cfg := FileConfig{
		Listen:        ":8080",
		MetricsListen: ":9090",
		Origin:        "embedded",
		Undelete:      undelete.DefaultConfig(),
	}
	cfg.Store.DataDir = "./data"
	return cfg
}

// buildOrigin constructs the origin handler and reports its capabilities.
func buildOrigin(ctx context.Context, cfg FileConfig) (http.Handler, backend.Capabilities, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Origin {
	case "embedded":
		absDataDir, err := filepath.Abs(cfg.Store.DataDir)
		if err != nil {
			return nil, backend.Capabilities{}, noop, fmt.Errorf("resolve data directory: %w", err)
		}

		srv, err := store.NewServer(ctx, store.Config{DataDir: absDataDir, MaxBytes: cfg.Store.MaxBytes})
		if err != nil {
			return nil, backend.Capabilities{}, noop, fmt.Errorf("create embedded store: %w", err)
		}
		return srv.Handler(), srv.Capabilities(), srv.Close, nil

	case "gateway":
		srv, err := gateway.NewServer(ctx, cfg.Gateway)
		if err != nil {
			return nil, backend.Capabilities{}, noop, fmt.Errorf("create S3 gateway: %w", err)
		}
		if cfg.Undelete.TrashLifetime > 0 {
			slog.Warn("S3 gateway ignores X-Delete-After; trash_lifetime needs a lifecycle rule on the backing bucket",
				"trash_lifetime", cfg.Undelete.TrashLifetime, "bucket", cfg.Gateway.Bucket)
		}
		return srv.Handler(), srv.Capabilities(), noop, nil

	case "proxy":
		upstream, err := url.Parse(cfg.Proxy.Upstream)
		if err != nil || upstream.Host == "" {
			return nil, backend.Capabilities{}, noop, fmt.Errorf("invalid proxy upstream %q", cfg.Proxy.Upstream)
		}
		return httputil.NewSingleHostReverseProxy(upstream),
			backend.Capabilities{CrossAccountCopy: cfg.Proxy.CrossAccountCopy}, noop, nil

	default:
		return nil, backend.Capabilities{}, noop, fmt.Errorf("unknown origin %q", cfg.Origin)
	}
}

func Run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "embedded store data directory (overrides config)")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	cfg := defaultFileConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return fmt.Errorf("load config %s: %w", *configPath, err)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	origin, caps, closeOrigin, err := buildOrigin(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOrigin(); err != nil {
			slog.Warn("Closing origin", "error", err)
		}
	}()

	if err := cfg.Undelete.Validate(caps); err != nil {
		return fmt.Errorf("undelete configuration: %w", err)
	}

	deletesBlocked := func() bool { return cfg.Undelete.DisableDeletes }

	chain := undelete.AllowFilter(deletesBlocked)(undelete.Interceptor(cfg.Undelete)(origin))
	router := undelete.LogRequest(undelete.RequestID(undelete.Recoverer(chain)))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metricsMux,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting undelete proxy", "addr", cfg.Listen, "origin", cfg.Origin,
			"block_trash_deletes", cfg.Undelete.BlockTrashDeletes)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting metrics server", "addr", cfg.MetricsListen)
		err := metricsServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("undelete exited with error", "error", err)
		os.Exit(1)
	}
}
