package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"mathviz/internal/apperr"
	"mathviz/internal/models"
	"mathviz/internal/storage"
)

const testSecret = "test-secret"

func signToken(t *testing.T, sub string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeMeta struct {
	videos map[string]models.Video // id -> video
	jobs   map[string]models.Job
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{videos: map[string]models.Video{}, jobs: map[string]models.Job{}}
}

func (m *fakeMeta) EnsureUser(context.Context, string) error { return nil }

func (m *fakeMeta) CreateJob(_ context.Context, userID, prompt string) (models.Job, error) {
	job := models.Job{ID: "job-1", UserID: userID, Prompt: prompt, State: models.StateQueued}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *fakeMeta) GetJob(_ context.Context, userID, jobID string) (models.Job, error) {
	job, ok := m.jobs[jobID]
	if !ok || job.UserID != userID {
		return models.Job{}, apperr.New(apperr.KindNotFound, "job not found")
	}
	return job, nil
}

func (m *fakeMeta) ListVideos(_ context.Context, userID string, _ models.VideoFilter) ([]models.Video, error) {
	var out []models.Video
	for _, v := range m.videos {
		if v.UserID == userID && v.Status != models.VideoDeleted {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *fakeMeta) GetVideo(_ context.Context, userID, videoID string) (models.Video, error) {
	v, ok := m.videos[videoID]
	if !ok || v.UserID != userID || v.Status == models.VideoDeleted {
		return models.Video{}, apperr.New(apperr.KindNotFound, "video not found")
	}
	return v, nil
}

func (m *fakeMeta) DeleteVideo(_ context.Context, userID, videoID string) (string, error) {
	v, ok := m.videos[videoID]
	if !ok || v.UserID != userID || v.Status == models.VideoDeleted {
		return "", apperr.New(apperr.KindNotFound, "video not found")
	}
	v.Status = models.VideoDeleted
	m.videos[videoID] = v
	return v.ObjectKey, nil
}

type fakeQueue struct {
	depth    int64
	enqueued []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) ReadyDepth(context.Context) (int64, error) { return q.depth, nil }

type fakeArtifacts struct {
	deleted []string
}

func (f *fakeArtifacts) Put(context.Context, string, string, string) (storage.PutResult, error) {
	return storage.PutResult{}, nil
}

func (f *fakeArtifacts) Get(_ context.Context, userID, key string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(key, userID+"/") {
		return nil, 0, apperr.New(apperr.KindForbidden, "key prefix mismatch")
	}
	return io.NopCloser(bytes.NewReader([]byte("mp4-bytes"))), 9, nil
}

func (f *fakeArtifacts) Delete(_ context.Context, userID, key string) error {
	if !strings.HasPrefix(key, userID+"/") {
		return apperr.New(apperr.KindForbidden, "key prefix mismatch")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestServer(meta *fakeMeta, q *fakeQueue) (*Server, *fakeArtifacts) {
	artifacts := &fakeArtifacts{}
	return New(Config{JWTSecret: testSecret, QueueMax: 16}, meta, q, artifacts, nil, nil), artifacts
}

func do(t *testing.T, srv *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestGenerateRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(newFakeMeta(), &fakeQueue{})
	rec := do(t, srv, http.MethodPost, "/api/generate", "", `{"prompt":"a circle"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExpiredTokenRequiresRefresh(t *testing.T) {
	srv, _ := newTestServer(newFakeMeta(), &fakeQueue{})
	token := signToken(t, "user1", -time.Hour)
	rec := do(t, srv, http.MethodPost, "/api/generate", token, `{"prompt":"a circle"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var problem Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if refresh, _ := problem.Meta["requires_refresh"].(bool); !refresh {
		t.Fatalf("requires_refresh not set: %+v", problem)
	}
}

func TestGenerateAcceptsAndEnqueues(t *testing.T) {
	meta := newFakeMeta()
	q := &fakeQueue{}
	srv, _ := newTestServer(meta, q)
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodPost, "/api/generate", token, `{"prompt":"Create a blue circle that fades in"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp generateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.JobID == "" || len(q.enqueued) != 1 || q.enqueued[0] != resp.JobID {
		t.Fatalf("job not enqueued: %+v %v", resp, q.enqueued)
	}
}

func TestGeneratePromptBounds(t *testing.T) {
	srv, _ := newTestServer(newFakeMeta(), &fakeQueue{})
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodPost, "/api/generate", token, `{"prompt":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d", rec.Code)
	}

	long := strings.Repeat("x", 2001)
	rec = do(t, srv, http.MethodPost, "/api/generate", token, `{"prompt":"`+long+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("long prompt status = %d", rec.Code)
	}
}

func TestGenerateRefusedWhenQueueFull(t *testing.T) {
	q := &fakeQueue{depth: 16}
	srv, _ := newTestServer(newFakeMeta(), q)
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodPost, "/api/generate", token, `{"prompt":"a circle"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var problem Problem
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Kind != string(apperr.KindBusy) {
		t.Fatalf("kind = %q", problem.Kind)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("job buffered despite refusal")
	}
}

func TestStatusReportsFailure(t *testing.T) {
	meta := newFakeMeta()
	kind := "render_timeout"
	msg := "rendering took too long and was stopped"
	meta.jobs["job-9"] = models.Job{
		ID: "job-9", UserID: "user1", State: models.StateFailed,
		Attempt: 3, ErrorKind: &kind, ErrorMsg: &msg,
	}
	srv, _ := newTestServer(meta, &fakeQueue{})
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodGet, "/api/status/job-9", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != models.StateFailed || resp.Error == nil || resp.Error.Kind != kind {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}
}

func TestUserIsolation(t *testing.T) {
	meta := newFakeMeta()
	meta.videos["v1"] = models.Video{
		ID: "v1", UserID: "user_a", Status: models.VideoCompleted,
		ObjectKey: "user_a/01HV5XV8Z2J9QNXKWY34TMPRAB.mp4",
	}
	srv, _ := newTestServer(meta, &fakeQueue{})
	tokenB := signToken(t, "user_b", time.Hour)

	rec := do(t, srv, http.MethodGet, "/api/videos", tokenB, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []models.Video
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 0 {
		t.Fatalf("user_b sees user_a's videos: %v", listed)
	}

	rec = do(t, srv, http.MethodGet, "/api/videos/v1/stream", tokenB, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user stream status = %d", rec.Code)
	}

	rec = do(t, srv, http.MethodDelete, "/api/videos/v1", tokenB, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status = %d", rec.Code)
	}
}

func TestDeleteIdempotence(t *testing.T) {
	meta := newFakeMeta()
	meta.videos["v1"] = models.Video{
		ID: "v1", UserID: "user1", Status: models.VideoCompleted,
		ObjectKey: "user1/01HV5XV8Z2J9QNXKWY34TMPRAB.mp4",
	}
	srv, artifacts := newTestServer(meta, &fakeQueue{})
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodDelete, "/api/videos/v1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first delete status = %d", rec.Code)
	}
	if len(artifacts.deleted) != 1 {
		t.Fatalf("artifact not deleted: %v", artifacts.deleted)
	}

	rec = do(t, srv, http.MethodDelete, "/api/videos/v1", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestStreamServesOwnVideo(t *testing.T) {
	meta := newFakeMeta()
	meta.videos["v1"] = models.Video{
		ID: "v1", UserID: "user1", Status: models.VideoCompleted,
		ObjectKey: "user1/01HV5XV8Z2J9QNXKWY34TMPRAB.mp4",
	}
	srv, _ := newTestServer(meta, &fakeQueue{})
	token := signToken(t, "user1", time.Hour)

	rec := do(t, srv, http.MethodGet, "/api/videos/v1/stream", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Body.String() != "mp4-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
