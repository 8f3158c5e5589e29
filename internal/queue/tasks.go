package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeFuseJob = "job:fuse"

// FuseJobPayload carries storage references, not image bytes: the worker
// reads inputs back from the blob store so the broker message stays small.
type FuseJobPayload struct {
	JobID        string    `json:"job_id"`
	ReferenceKey string    `json:"reference_key"`
	TargetKey    string    `json:"target_key"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

func NewFuseJobTask(payload FuseJobPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal fuse payload: %w", err)
	}
	return asynq.NewTask(TypeFuseJob, body), nil
}

func ParseFuseJobPayload(task *asynq.Task) (FuseJobPayload, error) {
	var payload FuseJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FuseJobPayload{}, fmt.Errorf("unmarshal fuse payload: %w", err)
	}
	return payload, nil
}
