package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/llm"
	"mathviz/internal/models"
	"mathviz/internal/storage"
	"mathviz/internal/telemetry"
)

// MetaStore is the slice of the metadata store the HTTP layer reads. Every
// method is user-scoped; there is no unscoped path from a handler.
type MetaStore interface {
	EnsureUser(ctx context.Context, userID string) error
	CreateJob(ctx context.Context, userID, prompt string) (models.Job, error)
	GetJob(ctx context.Context, userID, jobID string) (models.Job, error)
	ListVideos(ctx context.Context, userID string, f models.VideoFilter) ([]models.Video, error)
	GetVideo(ctx context.Context, userID, videoID string) (models.Video, error)
	DeleteVideo(ctx context.Context, userID, videoID string) (string, error)
}

// Queue is the admission surface.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Limiter is the per-user submission rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Config bounds admission.
type Config struct {
	JWTSecret string
	QueueMax  int
}

// Server wires the HTTP contract: submission, status, listings, delete,
// and streaming. Auth produces a verified user id; everything below trusts
// it and nothing else.
type Server struct {
	cfg       Config
	store     MetaStore
	queue     Queue
	artifacts storage.Store
	limiter   Limiter
	logger    *slog.Logger
}

func New(cfg Config, st MetaStore, q Queue, artifacts storage.Store, limiter Limiter, logger *slog.Logger) *Server {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, store: st, queue: q, artifacts: artifacts, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.JWTSecret))
		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{job_id}", s.handleStatus)
		r.Get("/videos", s.handleListVideos)
		r.Delete("/videos/{video_id}", s.handleDeleteVideo)
		r.Get("/videos/{video_id}/stream", s.handleStream)
	})
	return r
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, apperr.KindInvalidPrompt, "invalid json body", nil)
		return
	}
	if req.Prompt == "" || !utf8.ValidString(req.Prompt) || len(req.Prompt) > animspec.MaxPromptChars {
		writeProblem(w, http.StatusBadRequest, apperr.KindInvalidPrompt,
			fmt.Sprintf("prompt must be 1..%d bytes of UTF-8", animspec.MaxPromptChars), nil)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+uid)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, apperr.KindInternal, "rate limit error", nil)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeProblem(w, http.StatusTooManyRequests, apperr.KindBusy, "too many submissions", nil)
			return
		}
	}

	// Admission: the queue is the only buffering point. Beyond the cap the
	// submission is refused outright.
	depth, err := s.queue.ReadyDepth(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, apperr.KindInternal, "queue unavailable", nil)
		return
	}
	if depth >= int64(s.cfg.QueueMax) {
		telemetry.JobsRefusedBusy.Inc()
		writeProblem(w, http.StatusServiceUnavailable, apperr.KindBusy, "generation queue is full", nil)
		return
	}

	if err := s.store.EnsureUser(r.Context(), uid); err != nil {
		writeError(w, err)
		return
	}
	// Secret-looking tokens never reach a persisted row.
	job, err := s.store.CreateJob(r.Context(), uid, llm.Redact(req.Prompt))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		s.logger.Error("enqueue failed", "job_id", job.ID, "error", err)
		writeProblem(w, http.StatusInternalServerError, apperr.KindInternal, "enqueue failed", nil)
		return
	}
	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, generateResponse{JobID: job.ID})
}

type statusResponse struct {
	State   string         `json:"state"`
	Attempt int            `json:"attempt"`
	URL     *string        `json:"url,omitempty"`
	Error   *statusError   `json:"error,omitempty"`
}

type statusError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), userID(r), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{State: job.State, Attempt: job.Attempt, URL: job.ResultURL}
	if job.State == models.StateFailed && job.ErrorKind != nil {
		msg := ""
		if job.ErrorMsg != nil {
			msg = *job.ErrorMsg
		}
		resp.Error = &statusError{Kind: *job.ErrorKind, Message: msg}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	f := models.VideoFilter{
		Status: r.URL.Query().Get("status"),
		Tag:    r.URL.Query().Get("tag"),
	}
	videos, err := s.store.ListVideos(r.Context(), userID(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	objectKey, err := s.store.DeleteVideo(r.Context(), uid, chi.URLParam(r, "video_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if objectKey != "" {
		if err := s.artifacts.Delete(r.Context(), uid, objectKey); err != nil &&
			apperr.KindOf(err) != apperr.KindNotFound {
			s.logger.Warn("artifact delete failed", "object_key", objectKey, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	video, err := s.store.GetVideo(r.Context(), uid, chi.URLParam(r, "video_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if video.Status != models.VideoCompleted || video.ObjectKey == "" {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "video is not ready", nil)
		return
	}
	body, size, err := s.artifacts.Get(r.Context(), uid, video.ObjectKey)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "video/mp4")
	if size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	}
	_, _ = io.Copy(w, body)
}
