package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/logging"
	"magpie/pkg/metrics"
)

// Pool drains one queue with a fixed number of workers. The slots
// channel caps how many jobs from this queue are active at once, so a
// saturated queue cannot starve the others sharing the process.
type Pool struct {
	cfg          config.QueueConfig
	store        queue.Store
	executor     *Executor
	completions  *CompletionPublisher
	pollInterval time.Duration
	logger       logger.Logger
	slots        chan struct{}
	wg           sync.WaitGroup
}

func NewPool(cfg config.QueueConfig, store queue.Store, executor *Executor, completions *CompletionPublisher, pollInterval time.Duration, log logger.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = cfg.Concurrency
	}
	if workers <= 0 {
		workers = 1
	}
	cfg.Workers = workers

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = workers
	}

	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollInterval
	}

	return &Pool{
		cfg:          cfg,
		store:        store,
		executor:     executor,
		completions:  completions,
		pollInterval: pollInterval,
		logger:       log,
		slots:        make(chan struct{}, concurrency),
	}
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Infow("Starting worker pool",
		"queue", p.cfg.Name,
		"workers", p.cfg.Workers,
		"concurrency", cap(p.slots),
	)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	p.wg.Wait()
	p.logger.Infow("Worker pool stopped", "queue", p.cfg.Name)
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case p.slots <- struct{}{}:
		}

		job, err := p.store.Dequeue(ctx, p.cfg.Name)
		if err != nil {
			<-p.slots
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorwCtx(ctx, "Failed to dequeue job",
				"error", err,
				"queue", p.cfg.Name,
				"worker_id", workerID,
			)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			<-p.slots
			p.sleep(ctx)
			continue
		}

		p.process(ctx, job)
		<-p.slots
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	jobCtx := logging.WithJobID(ctx, job.ID)
	if job.TraceID != "" {
		jobCtx = logging.WithTraceID(jobCtx, job.TraceID)
	}

	metrics.QueueActiveJobs.WithLabelValues(p.cfg.Name).Inc()
	defer metrics.QueueActiveJobs.WithLabelValues(p.cfg.Name).Dec()

	start := time.Now()
	res := p.executor.Execute(jobCtx, job)
	duration := time.Since(start)

	// Status writes run on a fresh context so shutdown does not strand
	// a finished attempt in active.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), constants.ShutdownTimeout)
	defer cancel()

	switch res.Outcome {
	case OutcomeCompleted:
		if err := p.store.MarkCompleted(writeCtx, job.ID, res.Result); err != nil {
			p.logger.ErrorwCtx(jobCtx, "Failed to mark job completed", "error", err, "queue", p.cfg.Name)
			return
		}
		job.Status = queue.StatusCompleted
		job.Result = res.Result
		metrics.ObserveJobExecution(p.cfg.Name, string(queue.StatusCompleted), duration)
		p.completions.Publish(writeCtx, job, nil)
		p.logger.InfowCtx(jobCtx, "Job completed",
			"queue", p.cfg.Name,
			"job_type", job.Type,
			"attempts", job.Attempts,
			"duration_ms", duration.Milliseconds(),
		)

	case OutcomeRetry:
		if err := p.store.MarkRetrying(writeCtx, job.ID, res.Delay, res.Err.Error()); err != nil {
			p.logger.ErrorwCtx(jobCtx, "Failed to mark job retrying", "error", err, "queue", p.cfg.Name)
			return
		}
		metrics.ObserveJobExecution(p.cfg.Name, string(queue.StatusRetrying), duration)
		p.logger.WarnwCtx(jobCtx, "Job attempt failed, retrying",
			"queue", p.cfg.Name,
			"job_type", job.Type,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"next_delay", res.Delay,
			"error", res.Err,
		)

	case OutcomeRequeue:
		if err := p.store.Requeue(writeCtx, job.ID, res.Delay); err != nil {
			p.logger.ErrorwCtx(jobCtx, "Failed to requeue job", "error", err, "queue", p.cfg.Name)
			return
		}
		p.logger.WarnwCtx(jobCtx, "Circuit open, job re-queued without consuming an attempt",
			"queue", p.cfg.Name,
			"job_type", job.Type,
			"delay", res.Delay,
			"error", res.Err,
		)

	case OutcomeFailed:
		if err := p.store.MarkFailed(writeCtx, job.ID, res.Err.Error()); err != nil {
			p.logger.ErrorwCtx(jobCtx, "Failed to mark job failed", "error", err, "queue", p.cfg.Name)
			return
		}
		job.Status = queue.StatusFailed
		metrics.ObserveJobExecution(p.cfg.Name, string(queue.StatusFailed), duration)
		p.completions.Publish(writeCtx, job, res.Err)
		p.logger.ErrorwCtx(jobCtx, "Job failed terminally",
			"queue", p.cfg.Name,
			"job_type", job.Type,
			"attempts", job.Attempts,
			"error", res.Err,
		)
	}
}

// sleep waits one poll interval with jitter so idle workers do not hit
// the store in lockstep.
func (p *Pool) sleep(ctx context.Context) {
	var jitter time.Duration
	if half := int64(p.pollInterval) / 2; half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval + jitter):
	}
}
