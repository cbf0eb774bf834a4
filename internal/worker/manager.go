package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"magpie/internal/config"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/metrics"
)

// Manager runs one pool per configured queue plus the aging and queue
// depth housekeeping loops.
type Manager struct {
	pools  []*Pool
	store  queue.Store
	aging  config.AgingConfig
	queues []config.QueueConfig
	logger logger.Logger
}

func NewManager(cfg *config.Config, store queue.Store, executor *Executor, completions *CompletionPublisher, log logger.Logger) *Manager {
	pools := make([]*Pool, 0, len(cfg.Queues))
	for _, qc := range cfg.Queues {
		pools = append(pools, NewPool(qc, store, executor, completions, cfg.Worker.PollInterval, log))
	}
	return &Manager{
		pools:  pools,
		store:  store,
		aging:  cfg.Aging,
		queues: cfg.Queues,
		logger: log,
	}
}

// Run blocks until ctx is cancelled and all loops have stopped.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, pool := range m.pools {
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	if m.aging.Enabled {
		g.Go(func() error {
			return m.agingLoop(gctx)
		})
	}

	g.Go(func() error {
		return m.depthLoop(gctx)
	})

	return g.Wait()
}

// agingLoop periodically raises the effective priority of jobs that
// have waited past the threshold, so sustained urgent traffic cannot
// starve lower priorities forever.
func (m *Manager) agingLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.aging.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, qc := range m.queues {
				boosted, err := m.store.BoostAged(ctx, qc.Name, m.aging.Threshold)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					m.logger.ErrorwCtx(ctx, "Failed to boost aged jobs",
						"error", err,
						"queue", qc.Name,
					)
					continue
				}
				if boosted > 0 {
					m.logger.InfowCtx(ctx, "Boosted aged jobs",
						"queue", qc.Name,
						"count", boosted,
					)
				}
			}
		}
	}
}

func (m *Manager) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, qc := range m.queues {
				counts, err := m.store.CountByStatus(ctx, qc.Name)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					m.logger.Debugw("Failed to read queue depth", "error", err, "queue", qc.Name)
					continue
				}
				depth := counts[queue.StatusQueued] + counts[queue.StatusRetrying]
				metrics.QueueDepth.WithLabelValues(qc.Name).Set(float64(depth))
			}
		}
	}
}
