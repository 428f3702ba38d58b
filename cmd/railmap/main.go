package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/akl-rail-map/railmap/internal/api"
	"github.com/akl-rail-map/railmap/internal/config"
	"github.com/akl-rail-map/railmap/internal/metrics"
	"github.com/akl-rail-map/railmap/internal/store"
)

// cacheRetention bounds how long unused dissolve runs stay in SQLite.
const cacheRetention = 30 * 24 * time.Hour

func main() {
	log.Println("Starting rail map server...")

	// Load base .env first, then .env.local (which overrides for local development)
	config.LoadEnvFiles(".")
	cfg := config.Load()

	opts, err := cfg.DissolveOptions()
	if err != nil {
		log.Fatalf("Invalid dissolve configuration: %v", err)
	}
	styles, err := cfg.Styles()
	if err != nil {
		log.Fatalf("Failed to load route styles: %v", err)
	}
	mapCfg, err := cfg.MapConfig(styles)
	if err != nil {
		log.Fatalf("Invalid map configuration: %v", err)
	}
	log.Printf("Config loaded: strategy=%s, key=%s, breath=%v, idle=%v",
		opts.Strategy, opts.KeyProperty, cfg.BreathPeriod, cfg.SessionIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := openCache(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open dissolve cache: %v", err)
	}
	defer cache.Close()

	if sqlite, ok := cache.(*store.SQLite); ok {
		if _, err := sqlite.Prune(ctx, cacheRetention); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	dwell := metrics.NewDwell()
	if err := dwell.Load(ctx, cache); err != nil {
		log.Printf("Warning: failed to load dwell stats: %v", err)
	}
	mapCfg.Dwell = dwell

	catalog := api.NewCatalog()
	sources := api.Sources{
		Datasets:     cfg.DatasetSources(),
		Stations:     cfg.StationsSource,
		StationLabel: cfg.StationLabelProperty,
	}
	if err := catalog.Load(ctx, sources, cache, opts); err != nil {
		log.Fatalf("Failed to load route data: %v", err)
	}

	managerOpts := []api.ManagerOption{api.WithIdleTimeout(cfg.SessionIdleTimeout)}
	if cfg.RandomSeed != 0 {
		managerOpts = append(managerOpts, api.WithSeed(uint64(cfg.RandomSeed)))
	}
	sessions := api.NewSessionManager(catalog, mapCfg, managerOpts...)

	// Reap idle sessions and persist dwell stats
	go sessions.Run(ctx, reapInterval(cfg.SessionIdleTimeout))
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := dwell.Flush(ctx, cache); err != nil {
					log.Printf("Warning: failed to save dwell stats: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	handler := api.NewHandler(catalog, sessions, styles, cfg.RouteKeyProperty)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		api.LogEndpoints(cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}
	cancel()
	sessions.CloseAll()

	if err := dwell.Flush(shutdownCtx, cache); err != nil {
		log.Printf("Warning: failed to save dwell stats: %v", err)
	}
	log.Println("Goodbye!")
}

// openCache uses Postgres when DATABASE_URL is set and SQLite otherwise.
func openCache(ctx context.Context, cfg *config.Config) (store.Cache, error) {
	if cfg.DatabaseURL != "" {
		log.Println("Connecting to Postgres dissolve cache")
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	log.Printf("Connecting to SQLite database: %s", cfg.DatabasePath)
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, err
	}
	db, err := store.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func reapInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
