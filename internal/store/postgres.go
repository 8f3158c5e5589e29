package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fuselabs/fuseline/internal/domain"
	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	skills TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	is_reference BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Postgres error classes: unique_violation and foreign_key_violation both
// surface as ErrConflict, everything else passes through wrapped.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func classifyPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation, pqForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Detail)
		}
	}
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user domain.User) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, username, skills, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID,
		user.Username,
		user.Skills,
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", classifyPQError(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(
		ctx,
		`SELECT id, username, skills, password_hash, created_at FROM users WHERE id = $1`,
		id,
	))
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(
		ctx,
		`SELECT id, username, skills, password_hash, created_at FROM users WHERE username = $1`,
		username,
	))
}

func (s *PostgresStore) scanUser(row *sql.Row) (domain.User, error) {
	var user domain.User
	err := row.Scan(&user.ID, &user.Username, &user.Skills, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, limit int) ([]domain.User, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, username, skills, password_hash, created_at
		 FROM users ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Skills, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, skills, passwordHash *string) (domain.User, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE users
		 SET skills = COALESCE($1, skills), password_hash = COALESCE($2, password_hash)
		 WHERE id = $3`,
		skills,
		passwordHash,
		id,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.User{}, fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return domain.User{}, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, owner_id, status, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID,
		job.OwnerID,
		job.Status,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", classifyPQError(err))
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, owner_id, status, webhook_url, created_at, updated_at FROM jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.OwnerID, &job.Status, &job.WebhookURL, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id, from, to string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to,
		time.Now().UTC(),
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("transition job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img domain.Image) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO images (id, job_id, url, is_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		img.ID,
		img.JobID,
		img.URL,
		img.IsReference,
		img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", classifyPQError(err))
	}
	return nil
}

func (s *PostgresStore) ListImages(ctx context.Context, jobID string) ([]domain.Image, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, url, is_reference, created_at
		 FROM images WHERE job_id = $1 ORDER BY is_reference DESC, created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := make([]domain.Image, 0, 2)
	for rows.Next() {
		var img domain.Image
		if err := rows.Scan(&img.ID, &img.JobID, &img.URL, &img.IsReference, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) CreateResult(ctx context.Context, res domain.Result) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO results (id, job_id, url, created_at) VALUES ($1, $2, $3, $4)`,
		res.ID,
		res.JobID,
		res.URL,
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", classifyPQError(err))
	}
	return nil
}

func (s *PostgresStore) DeleteResult(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (domain.Result, error) {
	var res domain.Result
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, job_id, url, created_at FROM results WHERE job_id = $1`,
		jobID,
	).Scan(&res.ID, &res.JobID, &res.URL, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Result{}, ErrNotFound
	}
	if err != nil {
		return domain.Result{}, fmt.Errorf("query result: %w", err)
	}
	return res, nil
}
