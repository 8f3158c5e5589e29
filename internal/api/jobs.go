package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/fuselabs/fuseline/internal/domain"
	"github.com/fuselabs/fuseline/internal/id"
	"github.com/fuselabs/fuseline/internal/queue"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

type imageUpload struct {
	data   []byte
	format string
}

// handleSubmitJob validates the pair, persists both input artifacts and
// rows, and enqueues a fuse task carrying storage references only. The
// caller gets both identifiers back: the task id for immediate queue
// polling, the job id for durable status once queue history expires.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
			return
		}
		s.logger.Printf("submit lookup failed for user %s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to submit job"})
		return
	}

	reference, err := readImageUpload(r, "reference")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	target, err := readImageUpload(r, "target")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))

	now := time.Now().UTC()
	jobID := id.New()
	refKey := artifactKey(jobID, "reference", reference.format)
	tgtKey := artifactKey(jobID, "target", target.format)

	refURL, err := s.blobs.Write(r.Context(), refKey, reference.data, "image/"+reference.format)
	if err != nil {
		s.logger.Printf("persist reference failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
		return
	}
	tgtURL, err := s.blobs.Write(r.Context(), tgtKey, target.data, "image/"+target.format)
	if err != nil {
		s.logger.Printf("persist target failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
		return
	}

	job := domain.Job{
		ID:         jobID,
		OwnerID:    userID,
		Status:     domain.JobStatusPending,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Printf("create job failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	images := []domain.Image{
		{ID: id.New(), JobID: jobID, URL: refURL, IsReference: true, CreatedAt: now},
		{ID: id.New(), JobID: jobID, URL: tgtURL, IsReference: false, CreatedAt: now},
	}
	for _, img := range images {
		if err := s.store.CreateImage(r.Context(), img); err != nil {
			s.logger.Printf("create image failed for job %s: %v", jobID, err)
			s.reconcileFailedSubmission(r, jobID)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
			return
		}
	}

	payload := queue.FuseJobPayload{
		JobID:        jobID,
		ReferenceKey: refKey,
		TargetKey:    tgtKey,
		WebhookURL:   webhookURL,
		SubmittedAt:  now,
	}
	taskInfo, err := s.jobs.EnqueueFuseJob(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed for job %s: %v", jobID, err)
		s.reconcileFailedSubmission(r, jobID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}

	s.metrics.jobsEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.logger.Printf("job submitted job_id=%s task_id=%s user_id=%s", jobID, taskInfo.ID, userID)

	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskInfo.ID,
		"job_id":  jobID,
	})
}

// reconcileFailedSubmission makes sure a half-created job is not left
// PENDING forever when the submission path fails after the job row exists.
// The repair write runs detached from request cancellation: a client that
// disconnects mid-submission must not strand the job.
func (s *Server) reconcileFailedSubmission(r *http.Request, jobID string) {
	ctx := context.WithoutCancel(r.Context())
	ok, err := s.store.TransitionJob(ctx, jobID, domain.JobStatusPending, domain.JobStatusFailure)
	if err != nil || !ok {
		s.logger.Printf("failure reconciliation did not apply job_id=%s ok=%v err=%v", jobID, ok, err)
	}
}

func readImageUpload(r *http.Request, field string) (imageUpload, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return imageUpload{}, fmt.Errorf("%s file is required", field)
	}
	defer closeQuietly(file)

	data, err := io.ReadAll(file)
	if err != nil {
		return imageUpload{}, fmt.Errorf("read %s upload: %w", field, err)
	}
	if len(data) == 0 {
		return imageUpload{}, fmt.Errorf("%s file is empty", field)
	}

	// Fail fast on undecodable payloads before anything is persisted or
	// enqueued.
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return imageUpload{}, fmt.Errorf("%s file is not a decodable image", field)
	}

	return imageUpload{data: data, format: format}, nil
}

func closeQuietly(c multipart.File) {
	_ = c.Close()
}

func artifactKey(jobID, role, format string) string {
	return path.Join("jobs", jobID, fmt.Sprintf("%s-%s.%s", uuid.NewString(), role, format))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		s.logger.Printf("fetch job failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	images, err := s.store.ListImages(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("list images failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	body := map[string]any{
		"id":         job.ID,
		"user_id":    job.OwnerID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
		"images":     presentImages(images),
	}

	result, err := s.store.GetResult(r.Context(), jobID)
	switch {
	case err == nil:
		body["result"] = map[string]any{
			"id":         result.ID,
			"url":        result.URL,
			"created_at": result.CreatedAt,
		}
	case errors.Is(err, store.ErrNotFound):
		// No result yet; the job is still in flight or failed.
	default:
		s.logger.Printf("fetch result failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	writeJSON(w, http.StatusOK, body)
}

func presentImages(images []domain.Image) []map[string]any {
	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		out = append(out, map[string]any{
			"id":           img.ID,
			"url":          img.URL,
			"is_reference": img.IsReference,
			"created_at":   img.CreatedAt,
		})
	}
	return out
}

// handleGetTask answers from the queue's transient task state. UNKNOWN
// means the id aged out of retention; clients then fall back to the job id.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	state, err := s.jobs.TaskState(r.Context(), taskID)
	if err != nil {
		s.logger.Printf("task state lookup failed for task %s: %v", taskID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load task state"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  state,
	})
}
