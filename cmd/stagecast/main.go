package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/keystore"
	"github.com/stagecast/stagecast/internal/layer"
	"github.com/stagecast/stagecast/internal/preview"
	"github.com/stagecast/stagecast/internal/stream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	keys, err := openKeyStore(cfg)
	if err != nil {
		slog.Error("failed to open key store", "error", err)
		os.Exit(1)
	}
	defer keys.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	layers := layer.NewMemoryManager()
	dist := preview.NewDistributor(
		time.Duration(cfg.BatchWindowMs)*time.Millisecond, cfg.BatchMaxFrames, nil)
	exporter := stream.NewExporter()
	mgr := stream.New(cfg, keys, layers, dist, nil, exporter, nil)

	slog.Info("stagecast starting",
		"version", version,
		"rtmp", cfg.RTMPAddr,
		"http", cfg.HTTPAddr,
		"canvas", fmt.Sprintf("%dx%d", cfg.CanvasWidth, cfg.CanvasHeight),
		"fps", cfg.TargetFPS,
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws/preview", dist.HandleWS)
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.Metrics())
	})
	r.Handle("/metrics", exporter.Handler(func() {
		exporter.SetSnapshot(mgr.Metrics())
	}))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.Run(ctx)
	})

	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		dist.Close()
		shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("stagecast exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("stagecast stopped")
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openKeyStore(cfg config.Config) (keystore.Store, error) {
	if cfg.KeyStoreBackend == "memory" {
		return keystore.NewMemoryStore(), nil
	}
	return keystore.NewSQLiteStore(cfg.KeyStorePath)
}
