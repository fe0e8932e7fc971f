package dispatcher

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/reelforge/reelforge/pkg/storage"
)

// checkpointsKept is the per-project history depth the janitor preserves.
const checkpointsKept = 20

// Janitor runs periodic maintenance: reaping expired locks and pruning old
// checkpoint rows. Either job is safe to run on every replica concurrently.
type Janitor struct {
	store  *storage.Store
	cron   *cron.Cron
	logger *slog.Logger
}

// NewJanitor wires the maintenance schedule.
func NewJanitor(store *storage.Store, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, cron: cron.New(), logger: logger}
}

// Start registers and launches the jobs.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.sweepLocks); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@every 15m", j.pruneCheckpoints); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweepLocks() {
	n, err := j.store.SweepExpiredLocks(context.Background())
	if err != nil {
		j.logger.Warn("lock sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("swept expired locks", "count", n)
	}
}

func (j *Janitor) pruneCheckpoints() {
	ctx := context.Background()
	ids, err := j.store.ProjectIDs(ctx)
	if err != nil {
		j.logger.Warn("checkpoint prune failed", "error", err)
		return
	}
	var total int64
	for _, id := range ids {
		n, err := j.store.PruneCheckpoints(ctx, id, checkpointsKept)
		if err != nil {
			j.logger.Warn("checkpoint prune failed", "project_id", id, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		j.logger.Info("pruned checkpoints", "count", total)
	}
}
