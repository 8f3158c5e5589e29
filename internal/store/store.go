package store

import (
	"context"
	"errors"

	"github.com/fuselabs/fuseline/internal/domain"
)

var (
	// ErrNotFound reports a lookup miss by primary or unique key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a constraint violation, e.g. a duplicate
	// username or an image row pointing at a missing job.
	ErrConflict = errors.New("constraint violation")
)

type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByName(ctx context.Context, username string) (domain.User, error)
	ListUsers(ctx context.Context, limit int) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, skills, passwordHash *string) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	// TransitionJob applies a conditional status update: the row changes
	// only if its current status equals from. It returns false when the
	// condition did not hold, which callers treat as "already claimed or
	// already terminal".
	TransitionJob(ctx context.Context, id, from, to string) (bool, error)
	CreateImage(ctx context.Context, img domain.Image) error
	ListImages(ctx context.Context, jobID string) ([]domain.Image, error)
	CreateResult(ctx context.Context, res domain.Result) error
	GetResult(ctx context.Context, jobID string) (domain.Result, error)
	// DeleteResult removes a job's result row. Deleting a missing row is
	// not an error; the caller only cares that no row remains.
	DeleteResult(ctx context.Context, jobID string) error
}

type Store interface {
	UserStore
	JobStore
}
