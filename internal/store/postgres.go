package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mathviz/internal/apperr"
	"mathviz/internal/models"
)

// Store wraps pgxpool for Postgres persistence. Every user-facing query is
// scoped by user id; the database is the source of truth for jobs, videos,
// and generation logs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureUser upserts the user row jobs and videos hang off.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, created_at) VALUES ($1, NOW())
		ON CONFLICT (id) DO NOTHING
	`, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "ensure user")
	}
	return nil
}

// CreateJob inserts a queued job row.
func (s *Store) CreateJob(ctx context.Context, userID, prompt string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, prompt, state, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, id, userID, prompt, models.StateQueued, now)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.KindDBFailed, err, "insert job")
	}
	return models.Job{
		ID:        id,
		UserID:    userID,
		Prompt:    prompt,
		State:     models.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job the caller owns.
func (s *Store) GetJob(ctx context.Context, userID, jobID string) (models.Job, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, user_id, video_id, prompt, state, attempt, result_url, error_kind, error_message, created_at, updated_at
		FROM jobs WHERE id = $1 AND user_id = $2
	`, jobID, userID))
}

// GetJobByID fetches a job without user scoping. Worker-side only; never
// reachable from an HTTP handler.
func (s *Store) GetJobByID(ctx context.Context, jobID string) (models.Job, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, user_id, video_id, prompt, state, attempt, result_url, error_kind, error_message, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID))
}

func (s *Store) scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var videoID, resultURL, errKind, errMsg pgtype.Text
	err := row.Scan(&job.ID, &job.UserID, &videoID, &job.Prompt, &job.State, &job.Attempt,
		&resultURL, &errKind, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.New(apperr.KindNotFound, "job not found")
	}
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.KindDBFailed, err, "scan job")
	}
	if videoID.Valid {
		job.VideoID = videoID.String
	}
	job.ResultURL = textPtr(resultURL)
	job.ErrorKind = textPtr(errKind)
	job.ErrorMsg = textPtr(errMsg)
	return job, nil
}

// UpdateJobState moves the job state machine forward. Only the owning
// coordinator calls this.
func (s *Store) UpdateJobState(ctx context.Context, jobID, state string, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempt = $3, updated_at = NOW() WHERE id = $1
	`, jobID, state, attempt)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "update job state")
	}
	return nil
}

// BindJobVideo records which video row a job produced.
func (s *Store) BindJobVideo(ctx context.Context, jobID, videoID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET video_id = $2, updated_at = NOW() WHERE id = $1
	`, jobID, videoID)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "bind job video")
	}
	return nil
}

// FailJob marks a job terminally failed with a coarsened error.
func (s *Store) FailJob(ctx context.Context, jobID, errKind, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, error_kind = $3, error_message = $4, updated_at = NOW() WHERE id = $1
	`, jobID, models.StateFailed, errKind, errMsg)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "fail job")
	}
	return nil
}

// CreateVideo inserts a processing-state video row.
func (s *Store) CreateVideo(ctx context.Context, userID, prompt string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, user_id, prompt, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, id, userID, prompt, models.VideoProcessing)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDBFailed, err, "insert video")
	}
	return id, nil
}

// VideoCompletion is the metadata written when a job finishes.
type VideoCompletion struct {
	ObjectKey string
	URL       string
	FileSize  int64
	DurationS float64
	Width     int
	Height    int
	GenTimeS  float64
}

// PersistCompletion finalizes video and job rows in one transaction: the
// status endpoint and the listing can never observe a half-completed pair.
func (s *Store) PersistCompletion(ctx context.Context, userID, videoID, jobID string, c VideoCompletion) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE videos
		SET object_key = $3, url = $4, file_size = $5, duration_s = $6,
		    width = $7, height = $8, generation_time_s = $9,
		    status = $10, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, videoID, userID, c.ObjectKey, c.URL, c.FileSize, c.DurationS, c.Width, c.Height, c.GenTimeS, models.VideoCompleted)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "complete video")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "video not found for owner")
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET state = $2, result_url = $3, updated_at = NOW() WHERE id = $1
	`, jobID, models.StateCompleted, c.URL)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "complete job")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "commit completion")
	}
	return nil
}

// FailVideo marks the video row failed. Owner-scoped like every update.
func (s *Store) FailVideo(ctx context.Context, userID, videoID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE videos SET status = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2
	`, videoID, userID, models.VideoFailed)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "fail video")
	}
	return nil
}

// LogAttempt appends one generation-log row. The table is append-only.
func (s *Store) LogAttempt(ctx context.Context, videoID string, a models.GenerationAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_logs
			(video_id, attempt_no, backend, phase, started_at, ended_at, outcome,
			 error_kind, error_message, generated_source, spec_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, videoID, a.AttemptNo, a.Backend, a.Phase, a.StartedAt, a.EndedAt, a.Outcome,
		a.ErrorKind, a.ErrorMessage, a.GeneratedSource, a.SpecHash)
	if err != nil {
		return apperr.Wrap(apperr.KindDBFailed, err, "insert generation log")
	}
	return nil
}

// ListVideos returns the caller's videos, newest first.
func (s *Store) ListVideos(ctx context.Context, userID string, f models.VideoFilter) ([]models.Video, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, user_id, prompt, object_key, url, file_size, duration_s, width, height,
		       status, tags, generation_time_s, created_at, updated_at
		FROM videos
		WHERE user_id = $1 AND status <> 'deleted'`
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDBFailed, err, "list videos")
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, apperr.Wrap(apperr.KindDBFailed, rows.Err(), "iterate videos")
	}
	return out, nil
}

// GetVideo fetches one video the caller owns.
func (s *Store) GetVideo(ctx context.Context, userID, videoID string) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, prompt, object_key, url, file_size, duration_s, width, height,
		       status, tags, generation_time_s, created_at, updated_at
		FROM videos WHERE id = $1 AND user_id = $2 AND status <> 'deleted'
	`, videoID, userID)
	return scanVideo(row)
}

// DeleteVideo tombstones the row and returns the object key for storage
// cleanup. A second delete of the same video reports not_found.
func (s *Store) DeleteVideo(ctx context.Context, userID, videoID string) (string, error) {
	var key pgtype.Text
	err := s.pool.QueryRow(ctx, `
		UPDATE videos SET status = 'deleted', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status <> 'deleted'
		RETURNING object_key
	`, videoID, userID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.New(apperr.KindNotFound, "video not found")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindDBFailed, err, "delete video")
	}
	if key.Valid {
		return key.String, nil
	}
	return "", nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var objectKey, url pgtype.Text
	var fileSize pgtype.Int8
	var duration, genTime pgtype.Float8
	var width, height pgtype.Int4
	err := row.Scan(&v.ID, &v.UserID, &v.Prompt, &objectKey, &url, &fileSize, &duration,
		&width, &height, &v.Status, &v.Tags, &genTime, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, apperr.New(apperr.KindNotFound, "video not found")
	}
	if err != nil {
		return models.Video{}, apperr.Wrap(apperr.KindDBFailed, err, "scan video")
	}
	if objectKey.Valid {
		v.ObjectKey = objectKey.String
	}
	if url.Valid {
		v.URL = url.String
	}
	if fileSize.Valid {
		v.FileSize = fileSize.Int64
	}
	if duration.Valid {
		v.DurationS = duration.Float64
	}
	if genTime.Valid {
		v.GenTimeS = genTime.Float64
	}
	if width.Valid {
		v.Width = int(width.Int32)
	}
	if height.Valid {
		v.Height = int(height.Int32)
	}
	return v, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
