package cmd

import (
	"fmt"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/app"
	"github.com/kozaktomas/rollcall/internal/config"
)

// startPruneScheduler runs the recognition cache prune on the configured
// cron schedule, in the attendance timezone. Stop the returned scheduler on
// shutdown.
func startPruneScheduler(a *app.App, cfg *config.Config, logger *zap.Logger) (*gocron.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	scheduler := gocron.NewScheduler(loc)
	scheduler.SingletonModeAll()

	job, err := scheduler.Cron(cfg.Server.PruneSchedule).Do(func() {
		removed := a.Prune()
		logger.Info("pruned recognition cache", zap.Int("removed", removed))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.Server.PruneSchedule, err)
	}

	scheduler.StartAsync()
	logger.Debug("prune scheduler started", zap.Time("next_run", job.NextRun()))
	return scheduler, nil
}
