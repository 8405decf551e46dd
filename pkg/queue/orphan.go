package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu              sync.Mutex
	lastOrphanScan  time.Time
	orphansRequeued int
}

// runOrphanDetection periodically requeues runs whose heartbeat went
// stale. All pods run this independently; the requeue is idempotent and
// the claim path guarantees a single new owner.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.requeueOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// requeueOrphans flips in-progress runs with stale heartbeats back to
// pending so any pool can re-claim them. Resumed work picks up from the
// case's latest checkpoint, so nothing completed is redone.
func (p *WorkerPool) requeueOrphans(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.config.OrphanThreshold())

	requeued, err := p.runs.RequeueOrphans(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		slog.Warn("Requeued orphaned runs", "count", len(requeued), "run_ids", requeued)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRequeued += len(requeued)
	p.orphans.mu.Unlock()

	return nil
}
