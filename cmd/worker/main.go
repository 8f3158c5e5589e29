package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fuselabs/fuseline/internal/compose"
	"github.com/fuselabs/fuseline/internal/config"
	"github.com/fuselabs/fuseline/internal/storage"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/fuselabs/fuseline/internal/telemetry"
	"github.com/fuselabs/fuseline/internal/webhook"
	"github.com/fuselabs/fuseline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "fuseline-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown failed: %v", err)
		}
	}()

	// The worker is the writer of record for job outcomes; running it
	// against the in-memory store would strand every transition it makes.
	if cfg.Database.DSN == "" {
		logger.Fatal("POSTGRES_DSN is required for the worker")
	}
	jobs, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("store setup failed: %v", err)
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("blob store setup failed: %v", err)
	}

	if err := compose.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer compose.Shutdown()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, blobs, jobs, webhookClient)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s fuse=%dx%d",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Worker.FuseWidth,
		cfg.Worker.FuseHeight,
	)

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
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
