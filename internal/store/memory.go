package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fuselabs/fuseline/internal/domain"
)

// MemoryStore mirrors the Postgres semantics, including uniqueness and
// referential checks, for tests and single-process development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	byName  map[string]string
	jobs    map[string]domain.Job
	images  map[string][]domain.Image
	results map[string]domain.Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		byName:  make(map[string]string),
		jobs:    make(map[string]domain.Job),
		images:  make(map[string][]domain.Image),
		results: make(map[string]domain.Result),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[user.Username]; taken {
		return fmt.Errorf("%w: username %s", ErrConflict, user.Username)
	}
	s.users[user.ID] = user
	s.byName[user.Username] = user.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, username string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[username]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) ListUsers(_ context.Context, limit int) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, skills, passwordHash *string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if skills != nil {
		user.Skills = *skills
	}
	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}
	s.users[id] = user
	return user, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	delete(s.byName, user.Username)
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s", ErrConflict, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id, from, to string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return true, nil
}

func (s *MemoryStore) CreateImage(_ context.Context, img domain.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[img.JobID]; !ok {
		return fmt.Errorf("%w: image references missing job %s", ErrConflict, img.JobID)
	}
	s.images[img.JobID] = append(s.images[img.JobID], img)
	return nil
}

func (s *MemoryStore) ListImages(_ context.Context, jobID string) ([]domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	images := make([]domain.Image, len(s.images[jobID]))
	copy(images, s.images[jobID])
	sort.Slice(images, func(i, j int) bool {
		if images[i].IsReference != images[j].IsReference {
			return images[i].IsReference
		}
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
	return images, nil
}

func (s *MemoryStore) CreateResult(_ context.Context, res domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[res.JobID]; !ok {
		return fmt.Errorf("%w: result references missing job %s", ErrConflict, res.JobID)
	}
	if _, exists := s.results[res.JobID]; exists {
		return fmt.Errorf("%w: job %s already has a result", ErrConflict, res.JobID)
	}
	s.results[res.JobID] = res
	return nil
}

func (s *MemoryStore) DeleteResult(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.results, jobID)
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, jobID string) (domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[jobID]
	if !ok {
		return domain.Result{}, ErrNotFound
	}
	return res, nil
}
