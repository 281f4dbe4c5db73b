package coordinator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/llm"
	"mathviz/internal/models"
	"mathviz/internal/renderer"
	"mathviz/internal/sandbox"
	"mathviz/internal/storage"
	"mathviz/internal/synth"
	"mathviz/internal/telemetry"
)

// SpecSource produces a validated animation spec for a prompt, given
// feedback from earlier pipeline attempts.
type SpecSource interface {
	Generate(ctx context.Context, prompt string, feedback []string) (llm.Result, error)
}

// Synthesizer transforms a spec into source text.
type Synthesizer interface {
	Generate(spec *animspec.Spec) (string, error)
}

// Validator statically checks synthesized source.
type Validator interface {
	Validate(ctx context.Context, source []byte, sceneKind string) error
}

// Renderer runs the external tool against a source file in a workspace.
type Renderer interface {
	Render(ctx context.Context, ws *sandbox.Workspace, sourcePath, sceneClass string) (renderer.Result, error)
}

// Workspaces hands out per-job sandbox directories.
type Workspaces interface {
	Acquire(jobID string) (*sandbox.Workspace, error)
}

// MetaStore is the slice of the metadata store the coordinator writes.
type MetaStore interface {
	CreateVideo(ctx context.Context, userID, prompt string) (string, error)
	BindJobVideo(ctx context.Context, jobID, videoID string) error
	UpdateJobState(ctx context.Context, jobID, state string, attempt int) error
	FailJob(ctx context.Context, jobID, errKind, errMsg string) error
	FailVideo(ctx context.Context, userID, videoID string) error
	LogAttempt(ctx context.Context, videoID string, a models.GenerationAttempt) error
	PersistCompletion(ctx context.Context, userID, videoID, jobID string, c VideoCompletion) error
}

// VideoCompletion mirrors the store's completion payload; re-declared here
// so fakes in tests do not need the store package.
type VideoCompletion struct {
	ObjectKey string
	URL       string
	FileSize  int64
	DurationS float64
	Width     int
	Height    int
	GenTimeS  float64
}

// Config bounds a single job run.
type Config struct {
	AttemptBudget int
	JobDeadline   time.Duration
}

// Coordinator owns the per-job state machine. It is the single writer of
// job state: every transition, attempt row, and terminal outcome flows
// through Run. Within a job execution is strictly sequential; all I/O
// suspension happens inside the adapter calls.
type Coordinator struct {
	cfg       Config
	specs     SpecSource
	synth     Synthesizer
	validator Validator
	spaces    Workspaces
	renderer  Renderer
	artifacts storage.Store
	store     MetaStore
	logger    *slog.Logger
}

func New(cfg Config, specs SpecSource, sy Synthesizer, val Validator, spaces Workspaces,
	rend Renderer, artifacts storage.Store, store MetaStore, logger *slog.Logger) *Coordinator {
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = 3
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg: cfg, specs: specs, synth: sy, validator: val, spaces: spaces,
		renderer: rend, artifacts: artifacts, store: store, logger: logger,
	}
}

// Run drives one job from queued to a terminal state. The returned error is
// non-nil exactly when the job failed; the terminal outcome is already
// persisted either way.
func (c *Coordinator) Run(ctx context.Context, job models.Job) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JobDeadline)
	defer cancel()

	start := time.Now()
	log := c.logger.With("job_id", job.ID, "user_id", job.UserID)

	videoID, err := c.store.CreateVideo(ctx, job.UserID, llm.Redact(job.Prompt))
	if err != nil {
		return c.fail(job, "", apperr.Wrap(apperr.KindDBFailed, err, "create video row"))
	}
	if err := c.store.BindJobVideo(ctx, job.ID, videoID); err != nil {
		return c.fail(job, videoID, apperr.Wrap(apperr.KindDBFailed, err, "bind video"))
	}

	var feedback []string
	var lastErr error

	for attempt := 1; attempt <= c.cfg.AttemptBudget; attempt++ {
		alog := log.With("attempt", attempt)
		if err := c.deadlineCheck(ctx); err != nil {
			return c.fail(job, videoID, err)
		}

		// llm_generating
		c.transition(ctx, job.ID, models.StateLLMGenerating, attempt)
		rec := c.beginAttempt(attempt, models.StateLLMGenerating)
		res, err := c.specs.Generate(ctx, job.Prompt, feedback)
		if err != nil {
			c.endAttempt(ctx, videoID, rec, res.Backend, "llm_failed", err, nil, nil)
			alog.Warn("spec generation failed", "error_kind", string(apperr.KindOf(err)))
			return c.fail(job, videoID, err)
		}
		hash := res.Spec.Hash()
		c.endAttempt(ctx, videoID, rec, res.Backend, "spec_ok", nil, nil, &hash)
		alog.Info("spec generated", "backend", res.Backend, "state", models.StateLLMGenerating)

		// synthesizing
		c.transition(ctx, job.ID, models.StateSynthesizing, attempt)
		rec = c.beginAttempt(attempt, models.StateSynthesizing)
		source, err := c.synth.Generate(res.Spec)
		if err != nil {
			c.endAttempt(ctx, videoID, rec, res.Backend, "synth_refused", err, nil, &hash)
			feedback = append(feedback, apperr.MessageOf(err))
			lastErr = err
			alog.Warn("synthesizer refused spec", "error_kind", string(apperr.KindOf(err)))
			continue
		}
		c.endAttempt(ctx, videoID, rec, res.Backend, "source_ok", nil, nil, &hash)

		// validating
		c.transition(ctx, job.ID, models.StateValidating, attempt)
		rec = c.beginAttempt(attempt, models.StateValidating)
		if err := c.validator.Validate(ctx, []byte(source), res.Spec.SceneKind); err != nil {
			c.endAttempt(ctx, videoID, rec, res.Backend, "validation_failed", err, &source, &hash)
			feedback = append(feedback, apperr.MessageOf(err))
			lastErr = err
			alog.Warn("validator refused source", "error_kind", string(apperr.KindOf(err)))
			continue
		}
		c.endAttempt(ctx, videoID, rec, res.Backend, "validated", nil, nil, &hash)

		// rendering, inside the sandbox scope
		c.transition(ctx, job.ID, models.StateRendering, attempt)
		outcome, err := c.renderAndPublish(ctx, job, videoID, attempt, res, source, hash, start)
		if err == nil {
			log.Info("job completed", "elapsed", time.Since(start), "state", models.StateCompleted)
			telemetry.JobsCompleted.Inc()
			return nil
		}
		if !outcome.retryable {
			return c.fail(job, videoID, err)
		}
		feedback = append(feedback, apperr.MessageOf(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = apperr.New(apperr.KindExhausted, "attempt budget exhausted")
	}
	return c.fail(job, videoID, apperr.Wrap(apperr.KindExhausted, lastErr,
		"no attempt succeeded within budget %d", c.cfg.AttemptBudget))
}

type stageOutcome struct {
	retryable bool
}

// renderAndPublish owns the sandbox scope: acquire, render, upload, persist.
// The workspace is released on every exit path; the local artifact never
// survives a successful upload.
func (c *Coordinator) renderAndPublish(ctx context.Context, job models.Job, videoID string,
	attempt int, res llm.Result, source, hash string, start time.Time) (stageOutcome, error) {

	ws, err := c.spaces.Acquire(job.ID)
	if err != nil {
		return stageOutcome{}, apperr.Wrap(apperr.KindInternal, err, "acquire sandbox")
	}
	defer ws.Release()

	srcPath := filepath.Join(ws.Dir, "scene.py")
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		return stageOutcome{}, apperr.Wrap(apperr.KindInternal, err, "write source")
	}

	rec := c.beginAttempt(attempt, models.StateRendering)
	rres, err := c.renderer.Render(ctx, ws, srcPath, synth.SceneClassName)
	if err != nil {
		c.endAttempt(ctx, videoID, rec, res.Backend, "render_failed", err, &source, &hash)
		kind := apperr.KindOf(err)
		if kind == apperr.KindCancelled || kind == apperr.KindDeadlineExceeded {
			return stageOutcome{}, err
		}
		telemetry.RendersFailed.Inc()
		return stageOutcome{retryable: true}, err
	}
	c.endAttempt(ctx, videoID, rec, res.Backend, "rendered", nil, nil, &hash)

	info, err := os.Stat(rres.ArtifactPath)
	if err != nil {
		return stageOutcome{}, apperr.Wrap(apperr.KindNoOutputArtifact, err, "stat artifact")
	}

	// uploading
	c.transition(ctx, job.ID, models.StateUploading, attempt)
	rec = c.beginAttempt(attempt, models.StateUploading)
	put, err := c.artifacts.Put(ctx, job.UserID, rres.ArtifactPath, "video/mp4")
	if err != nil {
		c.endAttempt(ctx, videoID, rec, res.Backend, "upload_failed", err, nil, &hash)
		return stageOutcome{}, err
	}
	c.endAttempt(ctx, videoID, rec, res.Backend, "uploaded", nil, nil, &hash)

	// persisting
	c.transition(ctx, job.ID, models.StatePersisting, attempt)
	rec = c.beginAttempt(attempt, models.StatePersisting)
	err = c.store.PersistCompletion(ctx, job.UserID, videoID, job.ID, VideoCompletion{
		ObjectKey: put.ObjectKey,
		URL:       put.URL,
		FileSize:  info.Size(),
		DurationS: res.Spec.Playtime() + 1.0,
		Width:     renderer.Width,
		Height:    renderer.Height,
		GenTimeS:  time.Since(start).Seconds(),
	})
	if err != nil {
		c.endAttempt(ctx, videoID, rec, res.Backend, "persist_failed", err, nil, &hash)
		return stageOutcome{}, apperr.Wrap(apperr.KindDBFailed, err, "persist completion")
	}
	c.endAttempt(ctx, videoID, rec, res.Backend, "completed", nil, nil, &hash)
	return stageOutcome{}, nil
}

func (c *Coordinator) deadlineCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.KindDeadlineExceeded, ctx.Err(), "job deadline expired")
	}
	return nil
}

// transition persists the new state. State writes use a background-derived
// context so a just-expired deadline cannot lose the terminal bookkeeping.
func (c *Coordinator) transition(ctx context.Context, jobID, state string, attempt int) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := c.store.UpdateJobState(wctx, jobID, state, attempt); err != nil {
		c.logger.Warn("state transition write failed", "job_id", jobID, "state", state, "error", err)
	}
}

func (c *Coordinator) beginAttempt(attemptNo int, phase string) models.GenerationAttempt {
	return models.GenerationAttempt{
		AttemptNo: attemptNo,
		Phase:     phase,
		StartedAt: time.Now().UTC(),
	}
}

func (c *Coordinator) endAttempt(ctx context.Context, videoID string, rec models.GenerationAttempt,
	backend, outcome string, attemptErr error, source *string, specHash *string) {

	rec.Backend = backend
	rec.EndedAt = time.Now().UTC()
	rec.Outcome = outcome
	rec.SpecHash = specHash
	if source != nil {
		redacted := llm.Redact(*source)
		rec.GeneratedSource = &redacted
	}
	if attemptErr != nil {
		kind := string(apperr.KindOf(attemptErr))
		msg := llm.Redact(apperr.MessageOf(attemptErr))
		rec.ErrorKind = &kind
		rec.ErrorMessage = &msg
	}
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := c.store.LogAttempt(wctx, videoID, rec); err != nil {
		c.logger.Warn("attempt log write failed", "video_id", videoID, "phase", rec.Phase, "error", err)
	}
}

// fail is the single terminal-failure path: video row, job row, metric. The
// user-visible error is coarsened; raw stderr and model output never leave
// the generation logs.
func (c *Coordinator) fail(job models.Job, videoID string, cause error) error {
	kind := apperr.KindOf(cause)
	if kind == apperr.KindCancelled {
		kind = apperr.KindDeadlineExceeded
	}
	wctx, cancel := writeCtx(context.Background())
	defer cancel()
	if videoID != "" {
		if err := c.store.FailVideo(wctx, job.UserID, videoID); err != nil {
			c.logger.Warn("fail video write failed", "video_id", videoID, "error", err)
		}
	}
	if err := c.store.FailJob(wctx, job.ID, string(kind), userMessage(kind)); err != nil {
		c.logger.Warn("fail job write failed", "job_id", job.ID, "error", err)
	}
	c.logger.Warn("job failed", "job_id", job.ID, "error_kind", string(kind))
	telemetry.JobsFailed.Inc()
	return cause
}

// writeCtx derives a short independent deadline for bookkeeping writes so
// they survive job-deadline expiry.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// userMessage coarsens taxonomy kinds into wire-safe text.
func userMessage(kind apperr.Kind) string {
	switch kind {
	case apperr.KindLLMRefused:
		return "the model declined to animate this prompt"
	case apperr.KindLLMExhausted:
		return "the model could not produce a usable animation spec"
	case apperr.KindRenderTimeout:
		return "rendering took too long and was stopped"
	case apperr.KindRenderFailed, apperr.KindNoOutputArtifact:
		return "rendering failed"
	case apperr.KindUploadFailed, apperr.KindAuth, apperr.KindQuota:
		return "the finished video could not be stored"
	case apperr.KindDeadlineExceeded:
		return "the job exceeded its time budget"
	case apperr.KindExhausted:
		return "generation did not succeed within the retry budget"
	case apperr.KindDBFailed:
		return "a storage error interrupted the job"
	default:
		return "the job failed"
	}
}
