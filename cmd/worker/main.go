package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mathviz/internal/config"
	"mathviz/internal/coordinator"
	"mathviz/internal/llm"
	"mathviz/internal/models"
	"mathviz/internal/queue"
	"mathviz/internal/renderer"
	"mathviz/internal/sandbox"
	"mathviz/internal/storage"
	"mathviz/internal/store"
	"mathviz/internal/synth"
	"mathviz/internal/telemetry"
	"mathviz/internal/validate"
	"mathviz/internal/vocab"
	"mathviz/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	voc, err := vocab.Load()
	if err != nil {
		logger.Error("load vocabulary", "error", err)
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		VisibilityTTL: cfg.JobDeadline + time.Minute,
	})

	primary := llm.NewOpenAIBackend(os.Getenv("OPENAI_API_KEY"), cfg.LLMPrimaryModel, voc, logger)
	var fallback llm.Backend
	if cfg.LLMFallbackURL != "" {
		fallback = llm.NewLocalBackend(cfg.LLMFallbackURL, cfg.LLMFallbackModel, voc, logger)
	} else {
		logger.Warn("no fallback model configured")
	}
	orch := llm.NewOrchestrator(primary, fallback, voc, cfg.LLMAttemptBudget, logger)

	sb := sandbox.New(cfg.SandboxBaseDir, sandbox.Limits{
		MemoryMiB:     cfg.SandboxMemoryMiB,
		WallTimeout:   cfg.SandboxWallTimeout,
		CPUTimeout:    cfg.SandboxCPUTimeout,
		DisableLimits: cfg.SandboxDisableLimits,
	}, logger)

	artifacts, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Config{
		AttemptBudget: cfg.LLMAttemptBudget,
		JobDeadline:   cfg.JobDeadline,
	},
		specSource{orch},
		synth.New(voc),
		validate.New(voc),
		sb,
		renderer.New(cfg.RendererBin, sb, logger),
		artifacts,
		storeAdapter{st},
		logger,
	)

	processor := worker.NewProcessor(worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LeaseWindow:  cfg.JobDeadline + time.Minute,
	}, q, st, coord, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"job_deadline", cfg.JobDeadline,
		"renderer", cfg.RendererBin)
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", "error", err)
	}
}

// specSource narrows the orchestrator to the coordinator's contract.
type specSource struct {
	orch *llm.Orchestrator
}

func (s specSource) Generate(ctx context.Context, prompt string, feedback []string) (llm.Result, error) {
	return s.orch.Generate(ctx, prompt, feedback)
}

// storeAdapter maps the store's completion payload onto the coordinator's.
type storeAdapter struct {
	st *store.Store
}

func (a storeAdapter) CreateVideo(ctx context.Context, userID, prompt string) (string, error) {
	return a.st.CreateVideo(ctx, userID, prompt)
}

func (a storeAdapter) BindJobVideo(ctx context.Context, jobID, videoID string) error {
	return a.st.BindJobVideo(ctx, jobID, videoID)
}

func (a storeAdapter) UpdateJobState(ctx context.Context, jobID, state string, attempt int) error {
	return a.st.UpdateJobState(ctx, jobID, state, attempt)
}

func (a storeAdapter) FailJob(ctx context.Context, jobID, errKind, errMsg string) error {
	return a.st.FailJob(ctx, jobID, errKind, errMsg)
}

func (a storeAdapter) FailVideo(ctx context.Context, userID, videoID string) error {
	return a.st.FailVideo(ctx, userID, videoID)
}

func (a storeAdapter) LogAttempt(ctx context.Context, videoID string, rec models.GenerationAttempt) error {
	return a.st.LogAttempt(ctx, videoID, rec)
}

func (a storeAdapter) PersistCompletion(ctx context.Context, userID, videoID, jobID string, c coordinator.VideoCompletion) error {
	return a.st.PersistCompletion(ctx, userID, videoID, jobID, store.VideoCompletion{
		ObjectKey: c.ObjectKey,
		URL:       c.URL,
		FileSize:  c.FileSize,
		DurationS: c.DurationS,
		Width:     c.Width,
		Height:    c.Height,
		GenTimeS:  c.GenTimeS,
	})
}

func newArtifactStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageBucket == "" {
		logger.Warn("no storage bucket configured, using local artifact store", "dir", cfg.StorageLocalDir)
		return storage.NewLocalStore(cfg.StorageLocalDir), nil
	}
	return storage.NewS3Store(ctx, storage.Config{
		Bucket:    cfg.StorageBucket,
		Prefix:    cfg.StoragePrefix,
		Region:    cfg.StorageRegion,
		Endpoint:  cfg.StorageEndpoint,
		PathStyle: cfg.StoragePathStyle,
	}, logger)
}
