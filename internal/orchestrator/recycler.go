package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neutrino-sh/neutrino-go/internal/procmem"
)

// Recycler periodically samples worker memory and rotates any worker past
// its configured thresholds. Rotation only ever targets Idle workers —
// a Busy worker's recycle is deferred to its next idle tick rather than
// interrupting an in-flight task.
type Recycler struct {
	orch       *Orchestrator
	thresholds RecycleThresholds
	interval   time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRecycler builds a Recycler for orch, sampling and checking every
// interval.
func NewRecycler(orch *Orchestrator, thresholds RecycleThresholds, interval time.Duration) *Recycler {
	return &Recycler{
		orch:       orch,
		thresholds: thresholds,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run blocks, ticking until ctx is canceled or Stop is called.
func (rc *Recycler) Run(ctx context.Context) {
	defer close(rc.done)
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (rc *Recycler) Stop() {
	close(rc.stop)
	<-rc.done
}

// tick samples RSS for every worker, then recycles whichever Idle workers
// have crossed a threshold. Workers flagged Recycling by the orchestrator
// (forced recycle after repeated communication faults) are also picked up
// here regardless of the Idle restriction, since that state already means
// "not accepting new tasks." Every read or write of a worker's bookkeeping
// fields goes through the orchestrator's locked accessors, since Dispatch
// mutates those same fields concurrently from a different goroutine.
func (rc *Recycler) tick(ctx context.Context) {
	for _, h := range rc.orch.Workers() {
		rss, err := procmem.RSSMB(h.Worker.PID)
		if err != nil {
			log.Warn().Err(err).Str("worker_id", h.Worker.ID).Msg("failed to sample worker memory")
			continue
		}
		rc.orch.SetMemoryMB(h, rss)

		switch rc.orch.LifecycleOf(h) {
		case Recycling:
			rc.recycle(ctx, h)
		case Idle:
			if rc.orch.ShouldRecycle(h, rc.thresholds) && rc.orch.MarkRecycling(h) {
				rc.recycle(ctx, h)
			}
		}
	}
}

// recycle replaces one worker, which must already be out of the selectable
// set (Lifecycle == Recycling) by the time this is called. A failed
// replacement is logged and left for the next tick — it is not retried
// immediately, so a systemic spawn failure (e.g. a bad binary path) cannot
// spin the recycler in a tight loop.
func (rc *Recycler) recycle(ctx context.Context, h *Handle) {
	rec := rc.orch.Snapshot(h)
	log.Info().Str("worker_id", rec.ID).Uint64("memory_mb", rec.CurrentMemoryMB).Uint64("tasks_completed", rec.TasksCompleted).Msg("recycling worker")
	if _, err := rc.orch.Replace(ctx, h); err != nil {
		log.Error().Err(err).Str("worker_id", rec.ID).Msg("worker recycle failed, will retry next tick")
	}
}
