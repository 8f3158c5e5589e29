package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/fuselabs/fuseline/internal/compose"
	"github.com/fuselabs/fuseline/internal/domain"
	"github.com/fuselabs/fuseline/internal/queue"
	"github.com/fuselabs/fuseline/internal/storage"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *storage.LocalStore) {
	t.Helper()

	jobs := store.NewMemoryStore()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	fuser, err := compose.New(512, 512)
	if err != nil {
		t.Fatalf("new fuser: %v", err)
	}

	s := &Server{
		logger:  log.New(io.Discard, "", 0),
		sem:     make(chan struct{}, 1),
		fuser:   fuser,
		blobs:   blobs,
		jobs:    jobs,
		metrics: newMetrics(),
		tracer:  otel.Tracer("fuseline/worker-test"),
	}
	return s, jobs, blobs
}

func seedJobWithInputs(t *testing.T, jobs *store.MemoryStore, blobs *storage.LocalStore, jobID string, reference, target []byte) queue.FuseJobPayload {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC()
	if err := jobs.CreateJob(ctx, domain.Job{
		ID:        jobID,
		OwnerID:   "u1",
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	refKey := "jobs/" + jobID + "/reference.png"
	tgtKey := "jobs/" + jobID + "/target.png"
	if _, err := blobs.Write(ctx, refKey, reference, "image/png"); err != nil {
		t.Fatalf("write reference blob: %v", err)
	}
	if _, err := blobs.Write(ctx, tgtKey, target, "image/png"); err != nil {
		t.Fatalf("write target blob: %v", err)
	}

	return queue.FuseJobPayload{
		JobID:        jobID,
		ReferenceKey: refKey,
		TargetKey:    tgtKey,
		SubmittedAt:  now,
	}
}

func fuseTask(t *testing.T, payload queue.FuseJobPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewFuseJobTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func TestHandleFuseJobSuccess(t *testing.T) {
	s, jobs, blobs := newTestServer(t)
	ctx := context.Background()

	payload := seedJobWithInputs(t, jobs, blobs, "job-1",
		testPNG(t, 10, 10), testPNG(t, 20, 20))

	if err := s.handleFuseJob(ctx, fuseTask(t, payload)); err != nil {
		t.Fatalf("handle fuse job: %v", err)
	}

	job, err := jobs.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", job.Status)
	}

	result, err := jobs.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("expected result row: %v", err)
	}
	raw, err := os.ReadFile(result.URL)
	if err != nil {
		t.Fatalf("result URL must resolve to an existing file: %v", err)
	}
	fused, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if fused.Bounds().Dx() != 1024 || fused.Bounds().Dy() != 512 {
		t.Fatalf("expected 1024x512 result, got %dx%d", fused.Bounds().Dx(), fused.Bounds().Dy())
	}
}

func TestHandleFuseJobCorruptReference(t *testing.T) {
	s, jobs, blobs := newTestServer(t)
	ctx := context.Background()

	payload := seedJobWithInputs(t, jobs, blobs, "job-1",
		[]byte("not an image"), testPNG(t, 20, 20))

	err := s.handleFuseJob(ctx, fuseTask(t, payload))
	if err == nil {
		t.Fatal("expected error for corrupt reference")
	}
	// The task is never re-driven by the queue; the failure lives on the
	// job row instead.
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry error, got %v", err)
	}

	job, err := jobs.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusFailure {
		t.Fatalf("expected FAILURE, got %s", job.Status)
	}
	if _, err := jobs.GetResult(ctx, "job-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed job must not have a result row, got %v", err)
	}
}

func TestHandleFuseJobMissingInputBlob(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := jobs.CreateJob(ctx, domain.Job{ID: "job-1", OwnerID: "u1", Status: domain.JobStatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	payload := queue.FuseJobPayload{
		JobID:        "job-1",
		ReferenceKey: "jobs/job-1/reference.png",
		TargetKey:    "jobs/job-1/target.png",
		SubmittedAt:  now,
	}

	if err := s.handleFuseJob(ctx, fuseTask(t, payload)); err == nil {
		t.Fatal("expected error for missing input blob")
	}

	job, _ := jobs.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusFailure {
		t.Fatalf("expected FAILURE, got %s", job.Status)
	}
}

func TestHandleFuseJobRedeliveryIsNoOp(t *testing.T) {
	s, jobs, blobs := newTestServer(t)
	ctx := context.Background()

	payload := seedJobWithInputs(t, jobs, blobs, "job-1",
		testPNG(t, 10, 10), testPNG(t, 20, 20))
	task := fuseTask(t, payload)

	if err := s.handleFuseJob(ctx, task); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Redelivery after completion must ack without producing a second
	// result or touching the terminal status.
	if err := s.handleFuseJob(ctx, task); err != nil {
		t.Fatalf("redelivery must be acknowledged as a no-op, got %v", err)
	}

	job, _ := jobs.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusSuccess {
		t.Fatalf("terminal status must not regress, got %s", job.Status)
	}
	if _, err := jobs.GetResult(ctx, "job-1"); err != nil {
		t.Fatalf("get result: %v", err)
	}
}

// flakySuccessStore refuses the PROCESSING->SUCCESS transition so the
// handler's finish branch can be exercised.
type flakySuccessStore struct {
	*store.MemoryStore
}

func (s *flakySuccessStore) TransitionJob(ctx context.Context, id, from, to string) (bool, error) {
	if from == domain.JobStatusProcessing && to == domain.JobStatusSuccess {
		return false, errors.New("connection reset")
	}
	return s.MemoryStore.TransitionJob(ctx, id, from, to)
}

func TestHandleFuseJobSuccessTransitionFailureReconciles(t *testing.T) {
	s, jobs, blobs := newTestServer(t)
	s.jobs = &flakySuccessStore{MemoryStore: jobs}
	ctx := context.Background()

	payload := seedJobWithInputs(t, jobs, blobs, "job-1",
		testPNG(t, 10, 10), testPNG(t, 20, 20))

	err := s.handleFuseJob(ctx, fuseTask(t, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry error, got %v", err)
	}

	// The fuse ran and a result row was written, but the job never reached
	// SUCCESS: the row must be gone and the job must not stay PROCESSING.
	job, getErr := jobs.GetJob(ctx, "job-1")
	if getErr != nil {
		t.Fatalf("get job: %v", getErr)
	}
	if job.Status != domain.JobStatusFailure {
		t.Fatalf("expected FAILURE after reconciliation, got %s", job.Status)
	}
	if _, resErr := jobs.GetResult(ctx, "job-1"); !errors.Is(resErr, store.ErrNotFound) {
		t.Fatalf("result row must be removed when the job did not succeed, got %v", resErr)
	}
}

func TestHandleFuseJobRejectsGarbagePayload(t *testing.T) {
	s, _, _ := newTestServer(t)

	err := s.handleFuseJob(context.Background(), asynq.NewTask(queue.TypeFuseJob, []byte("junk")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestDispatchWebhookOnSuccess(t *testing.T) {
	s, jobs, blobs := newTestServer(t)
	sender := &captureSender{}
	s.webhookClient = sender

	payload := seedJobWithInputs(t, jobs, blobs, "job-1",
		testPNG(t, 10, 10), testPNG(t, 20, 20))
	payload.WebhookURL = "https://example.test/hook"

	if err := s.handleFuseJob(context.Background(), fuseTask(t, payload)); err != nil {
		t.Fatalf("handle fuse job: %v", err)
	}

	if sender.event != "job.succeeded" {
		t.Fatalf("expected job.succeeded webhook, got %q", sender.event)
	}
	if sender.endpoint != "https://example.test/hook" {
		t.Fatalf("unexpected webhook endpoint %q", sender.endpoint)
	}
}

type captureSender struct {
	endpoint string
	event    string
}

func (c *captureSender) Send(_ context.Context, endpoint, event string, _ any) error {
	c.endpoint = endpoint
	c.event = event
	return nil
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8((x * 255) / w), G: uint8((y * 255) / h), B: 120, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}
