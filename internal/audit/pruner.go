// pruner.go schedules audit-log pruning. The schedule is a standard cron
// expression parsed with robfig/cron; the pruner computes each next run
// itself rather than running a full cron scheduler for a single job.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner periodically removes audit records older than the retention
// window.
type Pruner struct {
	log       *Log
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
}

// NewPruner validates the cron expression and builds a pruner keeping
// retentionDays of history.
func NewPruner(log *Log, spec string, retentionDays int, logger *slog.Logger) (*Pruner, error) {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}

	return &Pruner{
		log:       log,
		schedule:  schedule,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "audit-pruner")),
	}, nil
}

// Run blocks until ctx is cancelled, pruning at each scheduled time.
// Intended to be run in a goroutine.
func (p *Pruner) Run(ctx context.Context) {
	for {
		next := p.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	cutoff := time.Now().Add(-p.retention)
	removed, err := p.log.Prune(cutoff)
	if err != nil {
		p.logger.Error("audit prune failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		p.logger.Info("pruned audit records",
			slog.Int("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
}
