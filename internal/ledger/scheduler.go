package ledger

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Run retries pending saves every RetryInterval until ctx is cancelled.
// A pass that is still running when the next one is due is skipped.
func (l *Ledger) Run(ctx context.Context) error {
	cl := cronLogger{l: l.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	spec := "@every " + l.cfg.RetryInterval.String()
	if _, err := c.AddFunc(spec, func() { l.RetryPendingSaves(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule retry job %q: %w", spec, err)
	}

	l.logger.Info("Starting retry scheduler", zap.Duration("interval", l.cfg.RetryInterval))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	l.logger.Info("Retry scheduler stopped", zap.Int("pending", l.PendingCount()))
	return nil
}
