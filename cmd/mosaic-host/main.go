// mosaic-host runs a composition host: it loads the remote registration
// table, bootstraps the shared singleton registry, mounts one region per
// registered remote, and serves status and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosaicfe/mosaic/internal/config"
	"github.com/mosaicfe/mosaic/internal/container"
	"github.com/mosaicfe/mosaic/internal/descriptor"
	"github.com/mosaicfe/mosaic/internal/eventbus"
	"github.com/mosaicfe/mosaic/internal/fetch"
	"github.com/mosaicfe/mosaic/internal/health"
	"github.com/mosaicfe/mosaic/internal/host"
	"github.com/mosaicfe/mosaic/internal/loader"
	"github.com/mosaicfe/mosaic/internal/metrics"
	"github.com/mosaicfe/mosaic/internal/platformctx"
	"github.com/mosaicfe/mosaic/internal/shared"
	"github.com/mosaicfe/mosaic/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mosaic-host exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := fetch.New(fetch.Config{
		Timeout:      cfg.FetchTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
	})

	entries, err := loadEntries(ctx, cfg, fetcher)
	if err != nil {
		return err
	}
	resolver, err := descriptor.NewResolver(descriptor.Config{
		Environment: descriptor.Environment(cfg.Environment),
		CDNHost:     cfg.CDNHost,
		DevBasePort: cfg.DevBasePort,
	}, entries)
	if err != nil {
		return err
	}

	events := telemetry.NewRingLog(cfg.EventLogSize)
	collector := metrics.NewCollector("mosaic")

	registry := shared.New(shared.Options{Events: events, Metrics: collector})
	if err := declareHostLibraries(registry); err != nil {
		return err
	}

	runtime := container.NewRuntime(registry, container.Options{Events: events})

	var monitor *health.Monitor
	if cfg.ProbeSchedule != "" {
		monitor = health.New(resolver, fetcher, health.Options{
			Schedule: cfg.ProbeSchedule,
			Events:   events,
			Metrics:  collector,
			Logger:   telemetry.NewLogger("health"),
		})
	}

	loaderOpts := loader.Options{
		MaxAttempts:     cfg.MaxLoadAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		Events:          events,
		Metrics:         collector,
		Logger:          telemetry.NewLogger("loader"),
	}
	if monitor != nil {
		loaderOpts.Availability = monitor
	}
	ld := loader.New(resolver, fetcher, runtime, loaderOpts)

	bus := eventbus.New(eventbus.Options{Events: events, Metrics: collector})
	platform := platformctx.NewRoot(platformctx.Identity{
		ID:          "host",
		Name:        "composition host",
		Permissions: []string{"context:read", "context:write"},
	}, platformctx.Options{Events: events, Metrics: collector})

	h, err := host.New(host.Options{
		Resolver: resolver,
		Loader:   ld,
		Registry: registry,
		Bus:      bus,
		Platform: platform,
		Monitor:  monitor,
		Events:   events,
		Metrics:  collector,
		Logger:   telemetry.NewLogger("host"),
	})
	if err != nil {
		return err
	}

	// One region per registered remote, named after its scope.
	for _, scope := range resolver.Scopes() {
		if err := h.RegisterRegion(host.RegionDefinition{Name: scope, Scope: scope}); err != nil {
			return err
		}
	}

	if err := h.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(h, collector),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = h.Stop(context.Background())
			return err
		}
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return h.Stop(shutdownCtx)
}

// loadEntries reads the remote registration table, preferring a runtime
// configuration document when one is configured.
func loadEntries(ctx context.Context, cfg config.Config, fetcher *fetch.Fetcher) ([]descriptor.Entry, error) {
	if cfg.RemoteConfigURL != "" {
		u, err := url.Parse(cfg.RemoteConfigURL)
		if err != nil {
			return nil, fmt.Errorf("remote config URL: %w", err)
		}
		data, err := fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("fetch remote config: %w", err)
		}
		return descriptor.ParseDocument(data)
	}
	return config.LoadRemotes(cfg.RemotesFile)
}

// declareHostLibraries registers the singletons the shell provides to every
// remote. The instances here stand in for the host's actual framework
// objects; remotes resolve them through the share scope.
func declareHostLibraries(registry *shared.Registry) error {
	libraries := []struct {
		name    string
		rng     string
		version string
	}{
		{"render-kit", "^18.0.0", "18.2.0"},
		{"state-kit", "^5.0.0", "5.1.4"},
	}
	for _, lib := range libraries {
		err := registry.Declare(lib.name, lib.rng, shared.DeclareOptions{
			Eager:   true,
			Version: lib.version,
			Origin:  "host",
			Provider: func() (any, error) {
				return map[string]any{"library": lib.name, "version": lib.version}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newRouter(h *host.Runtime, collector *metrics.Collector) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := h.Health()
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, h.Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/regions/{name}/retry", func(w http.ResponseWriter, req *http.Request) {
		name := mux.Vars(req)["name"]
		if err := h.RetryRegion(req.Context(), name); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"region": name, "result": "mounted"})
	}).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
