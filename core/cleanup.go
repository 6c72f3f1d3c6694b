package core

import (
	"context"
	"corsrules/logger"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// CleanupJob periodically drops disabled rules older than autoCleanupDays and
// enforcement log entries older than the log retention.
type CleanupJob struct {
	scheduler gocron.Scheduler
	store     *RuleStore
	settings  *SettingsStore
	clock     clockwork.Clock
	interval  time.Duration

	log       EnforcementLog
	retention time.Duration
}

func NewCleanupJob(store *RuleStore, settings *SettingsStore, interval time.Duration, clock clockwork.Clock) (*CleanupJob, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, err
	}
	return &CleanupJob{
		scheduler: scheduler,
		store:     store,
		settings:  settings,
		clock:     clock,
		interval:  interval,
	}, nil
}

// PruneEnforcementLog makes every run also delete log entries older than retention.
func (j *CleanupJob) PruneEnforcementLog(log EnforcementLog, retention time.Duration) {
	j.log = log
	j.retention = retention
}

// Start registers the job and starts the scheduler.
func (j *CleanupJob) Start(ctx context.Context) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(
			func(ctx context.Context) {
				if _, err := j.Run(ctx); err != nil {
					logger.Error("CleanupJob: %v", err)
				}
			},
			ctx,
		),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	j.scheduler.Start()
	logger.Info("CleanupJob: scheduled every %s", j.interval)
	return nil
}

// Run performs one cleanup pass and returns the number of rules removed. Rule
// cleanup is skipped when autoCleanupDays is 0.
func (j *CleanupJob) Run(ctx context.Context) (int, error) {
	if j.log != nil && j.retention > 0 {
		if _, err := j.log.Prune(ctx, j.clock.Now().Add(-j.retention)); err != nil {
			logger.Error("CleanupJob: %v", err)
		}
	}

	days := j.settings.Get(ctx).AutoCleanupDays
	if days == 0 {
		logger.Debug("CleanupJob: auto cleanup disabled")
		return 0, nil
	}
	cutoff := j.clock.Now().AddDate(0, 0, -days)
	return j.store.Cleanup(ctx, cutoff)
}

func (j *CleanupJob) Stop() error {
	return j.scheduler.Shutdown()
}
