package models

import (
	"time"
)

// JobState enumerates the generation state machine persisted in Postgres.
const (
	StateQueued        = "queued"
	StateLLMGenerating = "llm_generating"
	StateSynthesizing  = "synthesizing"
	StateValidating    = "validating"
	StateRendering     = "rendering"
	StateUploading     = "uploading"
	StatePersisting    = "persisting"
	StateCompleted     = "completed"
	StateFailed        = "failed"
)

// VideoStatus enumerates the lifecycle of a video row.
const (
	VideoProcessing = "processing"
	VideoCompleted  = "completed"
	VideoFailed     = "failed"
	VideoDeleted    = "deleted"
)

// Job is one prompt-to-video generation request. The coordinator is the only
// writer of state, attempt, result and error fields.
type Job struct {
	ID        string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	VideoID   string    `json:"video_id,omitempty"`
	Prompt    string    `json:"prompt"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	ResultURL *string   `json:"result_url,omitempty"`
	ErrorKind *string   `json:"error_kind,omitempty"`
	ErrorMsg  *string   `json:"error_message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Video is a persisted rendering result. Rows are created in processing
// state and transition monotonically; queries are always scoped to the
// owning user.
type Video struct {
	ID        string    `json:"video_id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	ObjectKey string    `json:"object_key,omitempty"`
	URL       string    `json:"url,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	DurationS float64   `json:"duration_s,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Status    string    `json:"status"`
	Tags      []string  `json:"tags,omitempty"`
	GenTimeS  float64   `json:"generation_time_s,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerationAttempt is one append-only audit row per pipeline attempt phase.
// Rows persist regardless of outcome; failed attempts feed the training-data
// side channel.
type GenerationAttempt struct {
	AttemptNo       int       `json:"attempt_no"`
	Backend         string    `json:"backend,omitempty"`
	Phase           string    `json:"phase"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Outcome         string    `json:"outcome"`
	ErrorKind       *string   `json:"error_kind,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	GeneratedSource *string   `json:"generated_source,omitempty"`
	SpecHash        *string   `json:"spec_hash,omitempty"`
}

// VideoFilter narrows listings. Zero values mean no constraint.
type VideoFilter struct {
	Status string
	Tag    string
	Limit  int
}
