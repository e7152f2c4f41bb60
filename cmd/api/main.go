package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chronicle/studio/internal/app"
	"chronicle/studio/internal/blobstore"
	"chronicle/studio/internal/cache"
	"chronicle/studio/internal/config"
	"chronicle/studio/internal/gitrepo"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/logging"
	"chronicle/studio/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("STUDIO_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatal().Err(err).Msg("configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		backend app.Backend
		opts    []app.Option
	)
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.Database.Migrations); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		backend = app.NewPostgresBackend(store.NewPostgresStore(db), cfg.DiffOptions()...)
		opts = append(opts, app.WithReadinessCheck("database", func(ctx context.Context) error {
			return store.CheckSchema(ctx, db)
		}))
	default:
		if err := os.MkdirAll(cfg.Git.Dir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create repos dir")
		}
		backend = app.NewGitBackend(gitrepo.New(cfg.Git.Dir))
	}

	var snapshots history.DocumentStore = backend
	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		objects, err := blobstore.NewMinioStore(ctx, blobstore.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.Access,
			SecretKey: cfg.Archive.Secret,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.SSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot archive unavailable")
		}
		log.Info().Str("endpoint", cfg.Archive.Endpoint).Str("bucket", cfg.Archive.Bucket).Msg("archiving chunk snapshots")
		snapshots = blobstore.NewArchive(objects, snapshots)
	}
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		client, err := cache.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		snapshotCache := cache.NewSnapshotCache(client, snapshots, cfg.Redis.TTL)
		defer snapshotCache.Close()
		log.Info().Dur("ttl", cfg.Redis.TTL).Msg("caching chunk snapshots in redis")
		snapshots = snapshotCache
		opts = append(opts, app.WithReadinessCheck("redis", snapshotCache.Ping))
	}
	opts = append(opts, app.WithSnapshotStore(snapshots))

	service := app.New(cfg, backend, opts...)
	defer service.Shutdown()
	go service.RunViewJanitor(ctx, time.Minute)

	httpServer := app.NewHTTPServer(service, cfg.Server.Origin)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Store.Backend).Msg("studio api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
