// Package maintenance runs the periodic housekeeping of the task queue:
// stale-task recovery and retention cleanup. It lives inside the API
// process as plain goroutines with tickers; no external cron.
package maintenance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/metrics"
	"github.com/dinobot22/mineru-tianshu/store"
)

// startupGrace delays the first pass so the process finishes coming up
// before housekeeping touches the store.
const startupGrace = 10 * time.Second

type Loop struct {
	st             *store.Store
	staleTimeout   time.Duration
	resetInterval  time.Duration
	purgeRetention time.Duration
	purgeInterval  time.Duration
	uploadRoot     string
	grace          time.Duration
	logger         *logrus.Logger
}

type Config struct {
	StaleTimeout   time.Duration
	ResetInterval  time.Duration
	PurgeRetention time.Duration
	PurgeInterval  time.Duration
	UploadRoot     string
}

func New(st *store.Store, cfg Config, logger *logrus.Logger) *Loop {
	return &Loop{
		st:             st,
		staleTimeout:   cfg.StaleTimeout,
		resetInterval:  cfg.ResetInterval,
		purgeRetention: cfg.PurgeRetention,
		purgeInterval:  cfg.PurgeInterval,
		uploadRoot:     cfg.UploadRoot,
		grace:          startupGrace,
		logger:         logger,
	}
}

// Start launches both housekeeping loops. They stop when ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.logger.WithFields(logrus.Fields{
		"stale_timeout":   l.staleTimeout,
		"reset_interval":  l.resetInterval,
		"purge_retention": l.purgeRetention,
		"purge_interval":  l.purgeInterval,
	}).Info("maintenance loop starting")

	go l.run(ctx, l.resetInterval, l.resetPass)
	go l.run(ctx, l.purgeInterval, l.purgePass)
}

// run fires fn once after the grace delay, then on every tick.
func (l *Loop) run(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.grace):
	}
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (l *Loop) resetPass(ctx context.Context) {
	n, err := l.st.ResetStale(ctx, l.staleTimeout)
	if err != nil {
		l.logger.WithError(err).Error("stale reset failed")
	} else if n > 0 {
		metrics.StaleResets.Add(float64(n))
		l.logger.WithField("count", n).Warn("reset stale tasks")
	}

	stats, err := l.st.Stats(ctx)
	if err != nil {
		l.logger.WithError(err).Error("queue stats failed")
		return
	}
	metrics.SetQueueDepth(stats)
	if stats.Pending > 0 || stats.Processing > 0 {
		l.logger.WithFields(logrus.Fields{
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
		}).Info("queue status")
	}
}

func (l *Loop) purgePass(ctx context.Context) {
	n, err := l.st.PurgeOld(ctx, l.purgeRetention, l.uploadRoot)
	if err != nil {
		l.logger.WithError(err).Error("retention cleanup failed")
	} else if n > 0 {
		metrics.TasksPurged.Add(float64(n))
		l.logger.WithField("count", n).Info("purged old tasks")
	}
}
