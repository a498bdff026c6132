package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger deletes records older than a cutoff
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Retention runs the purge on a cron schedule. Record lifetime is owned
// here, by the audit store, and never by the request path.
type Retention struct {
	purger Purger
	keep   time.Duration
	cron   *cron.Cron
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRetention validates schedule (standard five-field cron) and prepares
// the job without starting it
func NewRetention(purger Purger, days int, schedule string, logger *zap.SugaredLogger) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	r := &Retention{
		purger: purger,
		keep:   time.Duration(days) * 24 * time.Hour,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, r.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Infow("Audit retention scheduled", "keep_days", int(r.keep.Hours()/24))
}

// Stop halts the schedule and waits for a running purge
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce purges everything older than the retention period
func (r *Retention) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := r.now().Add(-r.keep)
	n, err := r.purger.Purge(ctx, cutoff)
	if err != nil {
		r.logger.Errorw("Audit retention purge failed", "cutoff", cutoff, "error", err)
		return
	}
	r.logger.Infow("Audit retention purge completed", "cutoff", cutoff, "deleted", n)
}
