package session

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the process-wide heartbeat: a single periodic ticker
// whose per-session work is fanned out over a fixed worker pool, so one
// slow session cannot stall the tick.
type Scheduler struct {
	reg      *Registry
	interval time.Duration
	pool     *workerPool
}

// NewScheduler creates a scheduler over reg ticking every interval, with
// workers goroutines servicing the per-session work.
func NewScheduler(reg *Registry, interval time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		reg:      reg,
		interval: interval,
		pool:     newWorkerPool(workers),
	}
}

// Start runs the heartbeat loop until ctx is cancelled.
func (h *Scheduler) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer h.pool.close()

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat scheduler stopped", "reason", ctx.Err())
			return
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

func (h *Scheduler) tick(now time.Time) {
	h.reg.ForEach(func(s *Session) {
		h.pool.submit(func() { s.heartbeatTick(now) })
	})
}
