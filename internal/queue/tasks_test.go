package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestFuseJobTaskRoundTrip(t *testing.T) {
	payload := FuseJobPayload{
		JobID:        "job-123",
		ReferenceKey: "jobs/job-123/ref.png",
		TargetKey:    "jobs/job-123/target.png",
		SubmittedAt:  time.Now().UTC(),
	}

	task, err := NewFuseJobTask(payload)
	if err != nil {
		t.Fatalf("NewFuseJobTask returned error: %v", err)
	}
	if task.Type() != TypeFuseJob {
		t.Fatalf("expected task type %q, got %q", TypeFuseJob, task.Type())
	}

	parsed, err := ParseFuseJobPayload(task)
	if err != nil {
		t.Fatalf("ParseFuseJobPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if parsed.ReferenceKey != payload.ReferenceKey || parsed.TargetKey != payload.TargetKey {
		t.Fatalf("expected storage keys to round-trip, got %+v", parsed)
	}
}

func TestParseFuseJobPayloadRejectsGarbage(t *testing.T) {
	task := asynq.NewTask(TypeFuseJob, []byte("not json"))
	if _, err := ParseFuseJobPayload(task); err == nil {
		t.Fatal("expected parse error for malformed payload")
	}
}

func TestMapTaskState(t *testing.T) {
	cases := map[asynq.TaskState]string{
		asynq.TaskStatePending:     TaskPending,
		asynq.TaskStateScheduled:   TaskPending,
		asynq.TaskStateRetry:       TaskPending,
		asynq.TaskStateAggregating: TaskPending,
		asynq.TaskStateActive:      TaskStarted,
		asynq.TaskStateCompleted:   TaskSucceeded,
		asynq.TaskStateArchived:    TaskFailed,
	}
	for state, want := range cases {
		if got := mapTaskState(state); got != want {
			t.Fatalf("mapTaskState(%v) = %q, want %q", state, got, want)
		}
	}
}
