package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fuselabs/fuseline/internal/auth"
	"github.com/fuselabs/fuseline/internal/domain"
	"github.com/fuselabs/fuseline/internal/id"
	"github.com/fuselabs/fuseline/internal/queue"
	"github.com/fuselabs/fuseline/internal/storage"
	"github.com/fuselabs/fuseline/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultListLimit      = 100
	maxListLimit          = 1000
)

type Server struct {
	logger         *log.Logger
	store          store.Store
	blobs          storage.BlobStore
	jobs           jobQueue
	hasher         auth.PasswordHasher
	tokens         *auth.TokenManager
	rateLimiter    RateLimiter
	userIDHeader   string
	maxUploadBytes int64
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type jobQueue interface {
	EnqueueFuseJob(ctx context.Context, payload queue.FuseJobPayload) (*asynq.TaskInfo, error)
	TaskState(ctx context.Context, taskID string) (string, error)
}

func NewServer(
	logger *log.Logger,
	st store.Store,
	blobs storage.BlobStore,
	jobs jobQueue,
	hasher auth.PasswordHasher,
	tokens *auth.TokenManager,
) *Server {
	s := &Server{
		logger:         logger,
		store:          st,
		blobs:          blobs,
		jobs:           jobs,
		hasher:         hasher,
		tokens:         tokens,
		maxUploadBytes: defaultMaxUploadBytes,
		metrics:        newMetrics(),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) SetMaxUploadBytes(n int64) {
	if n > 0 {
		s.maxUploadBytes = n
	}
}

func (s *Server) SetRateLimiter(rl RateLimiter, userIDHeader string) {
	s.rateLimiter = rl
	s.userIDHeader = userIDHeader
}

func (s *Server) EnableTracing() {
	s.tracer = otel.Tracer("fuseline/api")
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/users", s.handleCreateUser)
	s.mux.HandleFunc("GET /v1/users", s.handleListUsers)
	s.mux.HandleFunc("GET /v1/users/{id}", s.handleGetUser)
	s.mux.HandleFunc("GET /v1/users/by-name/{name}", s.handleGetUserByName)
	s.mux.HandleFunc("PUT /v1/users/{id}", s.handleUpdateUser)
	s.mux.HandleFunc("DELETE /v1/users/{id}", s.handleDeleteUser)

	s.mux.HandleFunc("POST /v1/token", s.handleToken)
	s.mux.HandleFunc("GET /v1/me", s.handleMe)

	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userOut struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Skills    string    `json:"skills,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func presentUser(user domain.User) userOut {
	return userOut{
		ID:        user.ID,
		Username:  user.Username,
		Skills:    user.Skills,
		CreatedAt: user.CreatedAt,
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.logger.Printf("hash password failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create user"})
		return
	}

	user := domain.User{
		ID:           id.New(),
		Username:     req.Username,
		Skills:       req.Skills,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "username already taken"})
			return
		}
		s.logger.Printf("create user failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create user"})
		return
	}

	writeJSON(w, http.StatusCreated, presentUser(user))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	users, err := s.store.ListUsers(r.Context(), limit)
	if err != nil {
		s.logger.Printf("list users failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list users"})
		return
	}

	out := make([]userOut, 0, len(users))
	for _, user := range users {
		out = append(out, presentUser(user))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondUserLookup(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(user))
}

func (s *Server) handleGetUserByName(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUserByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondUserLookup(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(user))
}

func (s *Server) respondUserLookup(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	s.logger.Printf("user lookup failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load user"})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var passwordHash *string
	if req.Password != nil {
		hash, err := s.hasher.Hash(*req.Password)
		if err != nil {
			s.logger.Printf("hash password failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update user"})
			return
		}
		passwordHash = &hash
	}

	user, err := s.store.UpdateUser(r.Context(), r.PathValue("id"), req.Skills, passwordHash)
	if err != nil {
		s.respondUserLookup(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		s.respondUserLookup(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Unknown username and wrong password produce the same answer.
	user, err := s.store.GetUserByName(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid credentials"})
			return
		}
		s.logger.Printf("token lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
		return
	}
	if !s.hasher.Verify(user.PasswordHash, req.Password) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Printf("issue token failed for user %s: %v", user.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":       claims.Subject,
		"username": claims.Username,
		"skills":   claims.Skills,
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
