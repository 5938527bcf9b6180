package dispatch

import (
	"context"
	"log/slog"
	"time"

	"modqueue/internal/config"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
)

// Reaper recovers jobs stuck in pending. It runs independently of any lane.
type Reaper struct {
	cfg    config.Config
	store  store.Store
	logger *slog.Logger
}

func NewReaper(cfg config.Config, st store.Store, logger *slog.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: st, logger: logger}
}

// RunOnce performs both recovery passes. The requeue pass runs first so a
// recoverable job is reset to new before the hard pass could see it; the two
// thresholds key on different columns (started_at vs created_at) so a row is
// never both requeued and errored in one sweep.
func (r *Reaper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	requeued, err := r.store.RequeueAbandoned(ctx, now.Add(-(r.cfg.JobTimeout + r.cfg.PendingRequeueGrace)))
	if err != nil {
		r.logger.Error("requeue abandoned jobs failed", slog.String("error", err.Error()))
	} else if requeued > 0 {
		telemetry.JobsReaped.WithLabelValues("requeue").Add(float64(requeued))
		r.logger.Warn("requeued abandoned pending jobs", slog.Int64("count", requeued))
	}

	errored, err := r.store.FailLongPending(ctx, now.Add(-r.cfg.PendingErrorAge))
	if err != nil {
		r.logger.Error("fail long pending jobs failed", slog.String("error", err.Error()))
	} else if errored > 0 {
		telemetry.JobsReaped.WithLabelValues("error").Add(float64(errored))
		r.logger.Error("errored unrecoverable pending jobs", slog.Int64("count", errored))
	}
}

// Run sweeps at the given interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
