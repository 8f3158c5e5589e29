package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/fuselabs/fuseline/internal/compose"
	"github.com/fuselabs/fuseline/internal/config"
	"github.com/fuselabs/fuseline/internal/domain"
	"github.com/fuselabs/fuseline/internal/id"
	"github.com/fuselabs/fuseline/internal/queue"
	"github.com/fuselabs/fuseline/internal/storage"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server consumes fuse tasks. The job store and blob store are injected;
// the worker never owns process-wide connections of its own.
type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	fuser         compose.Fuser
	blobs         storage.BlobStore
	jobs          store.JobStore
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	blobs storage.BlobStore,
	jobs store.JobStore,
	webhookClient webhookSender,
) (*Server, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}

	fuser, err := compose.New(workerCfg.FuseWidth, workerCfg.FuseHeight)
	if err != nil {
		return nil, fmt.Errorf("initialize fuser: %w", err)
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					logger.Printf("task failed type=%s err=%v", task.Type(), err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		fuser:         fuser,
		blobs:         blobs,
		jobs:          jobs,
		webhookClient: webhookClient,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("fuseline/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeFuseJob, s.handleFuseJob)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleFuseJob(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailure

	payload, err := queue.ParseFuseJobPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.fuse_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.reference_key", payload.ReferenceKey),
		attribute.String("job.target_key", payload.TargetKey),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	// Claim the job. A redelivered task finds the row already PROCESSING
	// or terminal; the conditional update reports that and the task is
	// acknowledged without re-running the fuse.
	claimed, err := s.jobs.TransitionJob(ctx, payload.JobID, domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	if !claimed {
		s.logger.Printf("skipping redelivered task job_id=%s", payload.JobID)
		outcome = outcomeSkipped
		span.SetStatus(codes.Ok, "skipped")
		return nil
	}

	s.logger.Printf("Working... job_id=%s reference=%s target=%s", payload.JobID, payload.ReferenceKey, payload.TargetKey)

	resultURL, err := s.fuseAndPersist(ctx, payload)
	if err != nil {
		s.failJob(ctx, payload.JobID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fuse failed")
		s.dispatchWebhook(ctx, payload, "job.failed", map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailure,
			"submitted_at": payload.SubmittedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		return fmt.Errorf("fuse job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	ok, err := s.jobs.TransitionJob(ctx, payload.JobID, domain.JobStatusProcessing, domain.JobStatusSuccess)
	if err != nil || !ok {
		s.logger.Printf("success transition failed job_id=%s ok=%v err=%v", payload.JobID, ok, err)
		// A result row must not outlive a job that never reached SUCCESS,
		// and the job must not sit in PROCESSING forever.
		if delErr := s.jobs.DeleteResult(ctx, payload.JobID); delErr != nil {
			s.logger.Printf("result cleanup failed job_id=%s err=%v", payload.JobID, delErr)
		}
		s.failJob(ctx, payload.JobID)
		span.SetStatus(codes.Error, "success transition failed")
		return fmt.Errorf("finish job %s: transition did not apply: %w", payload.JobID, asynq.SkipRetry)
	}

	s.logger.Printf("Fused job_id=%s result=%s", payload.JobID, resultURL)
	s.metrics.fusedOutputsTotal.Inc()

	s.dispatchWebhook(ctx, payload, "job.succeeded", map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSuccess,
		"result_url":   resultURL,
		"submitted_at": payload.SubmittedAt,
		"completed_at": time.Now().UTC(),
	})

	outcome = domain.JobStatusSuccess
	span.SetStatus(codes.Ok, "fused")
	return nil
}

// fuseAndPersist runs decode/fuse/persist and returns the result URL. The
// result row is written only after its blob, so a failure can never leave
// a row pointing at a missing file.
func (s *Server) fuseAndPersist(ctx context.Context, payload queue.FuseJobPayload) (string, error) {
	reference, err := s.blobs.Read(ctx, payload.ReferenceKey)
	if err != nil {
		return "", fmt.Errorf("fetch reference: %w", err)
	}
	target, err := s.blobs.Read(ctx, payload.TargetKey)
	if err != nil {
		return "", fmt.Errorf("fetch target: %w", err)
	}

	out, err := s.fuser.Fuse(ctx, reference, target)
	if err != nil {
		return "", fmt.Errorf("fuse pair: %w", err)
	}

	resultKey := path.Join("jobs", payload.JobID, "result."+out.Format)
	resultURL, err := s.blobs.Write(ctx, resultKey, out.Data, "image/"+out.Format)
	if err != nil {
		return "", fmt.Errorf("persist result artifact: %w", err)
	}

	result := domain.Result{
		ID:        id.New(),
		JobID:     payload.JobID,
		URL:       resultURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.CreateResult(ctx, result); err != nil {
		return "", fmt.Errorf("persist result row: %w", err)
	}

	s.metrics.fusedPixelsTotal.Add(float64(out.Width * out.Height))
	return resultURL, nil
}

func (s *Server) failJob(ctx context.Context, jobID string) {
	ok, err := s.jobs.TransitionJob(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusFailure)
	if err != nil || !ok {
		s.logger.Printf("failure transition did not apply job_id=%s ok=%v err=%v", jobID, ok, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.FuseJobPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}
