package domain

import "time"

// Job status values as persisted in the job row. A job moves
// PENDING -> PROCESSING -> {SUCCESS, FAILURE}; terminal states absorb.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusSuccess    = "SUCCESS"
	JobStatusFailure    = "FAILURE"
)

type Job struct {
	ID         string
	OwnerID    string
	Status     string
	WebhookURL string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Image is one of the two submitted inputs for a job. Rows are written at
// submission time and never mutated afterwards.
type Image struct {
	ID          string
	JobID       string
	URL         string
	IsReference bool
	CreatedAt   time.Time
}

// Result is the fused output artifact. At most one per job, written by the
// worker only after the fuse completed.
type Result struct {
	ID        string
	JobID     string
	URL       string
	CreatedAt time.Time
}

func IsTerminalStatus(status string) bool {
	return status == JobStatusSuccess || status == JobStatusFailure
}

// CanTransition reports whether a job status change is allowed by the
// lifecycle machine. Every status write goes through a conditional update
// guarded by this relation, so a redelivered task can never regress a
// terminal state.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailure
	case JobStatusProcessing:
		return to == JobStatusSuccess || to == JobStatusFailure
	default:
		return false
	}
}
