package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shard/internal/access"
	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/config"
	"github.com/ssd-technologies/shard/internal/coordinator"
	"github.com/ssd-technologies/shard/internal/crypto"
	"github.com/ssd-technologies/shard/internal/mesh"
	"github.com/ssd-technologies/shard/internal/mimetype"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/ratelimit"
	"github.com/ssd-technologies/shard/internal/sandbox"
	"github.com/ssd-technologies/shard/internal/server"
	"github.com/ssd-technologies/shard/internal/storage"
	"github.com/ssd-technologies/shard/internal/stream"
	"github.com/ssd-technologies/shard/internal/upload"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	root := flag.String("root", "", "storage root (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, config.Config{Listen: *listen, Root: *root})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shard: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("shard stopped")
	}
}

// loadConfig applies defaults, then the file, then the environment, then the
// non-empty fields of flags.
func loadConfig(path string, flags config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	cfg = cfg.Merge(flags)
	return cfg, cfg.Validate()
}

func newLogger(c config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "shard").Logger()
}

func run(cfg config.Config, logger zerolog.Logger) error {
	root, err := sandbox.New(cfg.Root)
	if err != nil {
		return err
	}
	signer, err := crypto.NewSigner(cfg.SigningSecret)
	if err != nil {
		return err
	}
	db, err := storage.NewDB(cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	copts := coordinator.DefaultOptions()
	copts.BaseURL = cfg.Coordinator.URL
	copts.ServerID = cfg.Coordinator.ServerID
	copts.APIKey = cfg.Coordinator.APIKey
	copts.RetryAttempts = cfg.Coordinator.Retry.Attempts
	copts.RetryBackoff = cfg.Coordinator.Retry.Backoff
	copts.RetryMaxBackoff = cfg.Coordinator.Retry.MaxBackoff
	coord := coordinator.NewClient(copts)

	mime := mimetype.New()
	objs := objects.NewStore(root)
	cs := chunks.New(root, objs)
	cs.SetLogger(logger.With().Str("component", "chunks").Logger())

	limits := upload.Limits{
		MaxChunkSize: cfg.Upload.MaxChunkSize,
		MaxChunks:    cfg.Upload.MaxChunks,
		MaxAnonSize:  cfg.Upload.MaxAnonSize,
		VerifyHashes: cfg.Upload.VerifyHashes,
		LeaseTTL:     cfg.Upload.LeaseTTL,
	}
	uopts := []upload.Option{
		upload.WithIndex(db),
		upload.WithMime(mime),
		upload.WithLogger(logger.With().Str("component", "upload").Logger()),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet; finalize will fail until it is")
		}
		cancel()
		uopts = append(uopts, upload.WithLease(upload.NewRedisLease(rdb, "")))
	}
	svc := upload.NewService(cs, objs, coord, limits, uopts...)

	var auth server.Authenticator = server.NewCoordinatorAuthenticator(coord)
	if !cfg.AuthEnabled {
		auth = server.NoOpAuthenticator{}
		logger.Warn().Msg("authentication is disabled; all requests will be accepted")
	}

	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	limiter.TrustProxy(cfg.RateLimit.TrustProxy)

	deps := server.Deps{
		Uploads:  svc,
		Chunks:   cs,
		Resolver: access.NewResolver(objs, signer, cfg.PublicURL, cfg.Presign.DefaultTTL, cfg.Presign.MaxTTL),
		Streamer: stream.New(mime),
		Auth:     auth,
		Index:    db,
		Limiter:  limiter,
		Pinger:   coord,
		Limits:   limits,
		Root:     root.Dir(),
		Logger:   logger.With().Str("component", "http").Logger(),
	}
	if cfg.Sweeper.Enabled {
		deps.Sweep = server.SweepConfig{Interval: cfg.Sweeper.Interval, MaxAge: cfg.Sweeper.MaxAge}
	}
	if cfg.Coordinator.WSURL != "" {
		mopts := mesh.DefaultOptions()
		mopts.URL = cfg.Coordinator.WSURL
		mopts.ID = cfg.Coordinator.ServerID
		mopts.APIKey = cfg.Coordinator.APIKey
		mopts.Address = cfg.PublicURL
		mopts.Version = version
		mopts.Interval = cfg.Coordinator.Heartbeat
		reporter := mesh.NewReporter(mopts, mesh.NewCollector(root.Dir(), db, cs))
		reporter.SetLogger(logger.With().Str("component", "mesh").Logger())
		deps.Reporter = reporter
	}
	srv := server.New(deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.StartWorkers(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("root", root.Dir()).
			Str("version", version).
			Bool("auth", cfg.AuthEnabled).
			Msg("shard listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
