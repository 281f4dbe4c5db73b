package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"mathviz/internal/apperr"
	"mathviz/internal/models"
	"mathviz/internal/queue"
	"mathviz/internal/telemetry"
)

// JobRunner drives one job to a terminal state. In production this is the
// coordinator.
type JobRunner interface {
	Run(ctx context.Context, job models.Job) error
}

// JobSource resolves a dequeued job id to its row.
type JobSource interface {
	GetJobByID(ctx context.Context, jobID string) (models.Job, error)
}

// Config bounds the worker loop.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	LeaseWindow  time.Duration
}

// Processor owns the worker execution loop: dequeue with lease, hand the
// job to its coordinator, ack or dead-letter. Concurrency is capped by a
// weighted semaphore; each job still runs strictly sequentially inside its
// coordinator.
type Processor struct {
	cfg    Config
	queue  *queue.RedisQueue
	jobs   JobSource
	runner JobRunner
	sem    *semaphore.Weighted
	logger *slog.Logger
}

func NewProcessor(cfg Config, q *queue.RedisQueue, jobs JobSource, runner JobRunner, logger *slog.Logger) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:    cfg,
		queue:  q,
		jobs:   jobs,
		runner: runner,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
	}
}

// Run starts the main worker loop until context cancellation. It reclaims
// expired leases, tracks queue depth, and never holds more than the
// configured number of jobs in flight.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Drain: wait for in-flight jobs before returning.
			_ = p.sem.Acquire(context.Background(), int64(p.cfg.Concurrency))
			p.sem.Release(int64(p.cfg.Concurrency))
			return ctx.Err()
		default:
		}

		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			continue
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			p.sem.Release(1)
			sleep(ctx, p.cfg.PollInterval)
			continue
		}

		job, err := p.jobs.GetJobByID(ctx, jobID)
		if err != nil {
			p.sem.Release(1)
			_ = p.queue.Ack(ctx, jobID)
			p.logger.Warn("dequeued job has no row", "job_id", jobID, "error", err)
			continue
		}

		telemetry.InFlightGauge.Inc()
		go func() {
			defer p.sem.Release(1)
			defer telemetry.InFlightGauge.Dec()
			p.process(ctx, job)
		}()
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	// The lease must outlive the job deadline so a slow render is not
	// double-delivered to another worker.
	if p.cfg.LeaseWindow > 0 {
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.LeaseWindow)
	}

	err := p.runner.Run(ctx, job)
	ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.queue.Ack(ackCtx, job.ID)

	if err != nil && apperr.KindOf(err) == apperr.KindExhausted {
		_ = p.queue.DLQPush(ackCtx, job.ID)
		telemetry.JobsDeadLetter.Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
