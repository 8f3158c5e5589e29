package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuselabs/fuseline/internal/api"
	"github.com/fuselabs/fuseline/internal/auth"
	"github.com/fuselabs/fuseline/internal/config"
	"github.com/fuselabs/fuseline/internal/queue"
	"github.com/fuselabs/fuseline/internal/ratelimit"
	"github.com/fuselabs/fuseline/internal/storage"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/fuselabs/fuseline/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "fuseline-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("store setup failed: %v", err)
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("blob store setup failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.TaskTimeout, cfg.Queue.TaskRetention)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatalf("token manager setup failed: %v", err)
	}

	app := api.NewServer(logger, st, blobs, queueClient, auth.NewPasswordHasher(cfg.Auth.BcryptCost), tokens)
	app.SetMaxUploadBytes(cfg.API.MaxUploadBytes)
	app.EnableTracing()

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(
			redis.NewClient(&redis.Options{
				Addr:     cfg.Queue.RedisAddr,
				Password: cfg.Queue.RedisPassword,
				DB:       cfg.Queue.RedisDB,
			}),
			cfg.RateLimit.Capacity,
			cfg.RateLimit.Window,
			"",
		)
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		app.SetRateLimiter(limiter, cfg.API.UserIDHeader)
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Printf("POSTGRES_DSN not set, using in-memory store; data will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database.DSN)
}

func buildBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	if cfg.Storage.Backend == config.StorageBackendMinio {
		objects, err := storage.NewObjectStore(storage.ObjectStoreConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return objects, nil
	}
	return storage.NewLocalStore(cfg.Storage.Root)
}
