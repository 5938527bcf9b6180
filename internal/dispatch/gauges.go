package dispatch

import (
	"context"
	"log/slog"
	"time"

	"modqueue/internal/models"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
)

// RunStatusGauge periodically exports the number of jobs per status.
func RunStatusGauge(ctx context.Context, st store.Store, interval time.Duration, logger *slog.Logger) {
	statuses := []string{models.StatusNew, models.StatusPending, models.StatusDone, models.StatusError, models.StatusSkipped}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		counts, err := st.CountByStatus(ctx)
		if err != nil {
			logger.Warn("count jobs by status failed", slog.String("error", err.Error()))
		} else {
			for _, status := range statuses {
				telemetry.JobsByStatus.WithLabelValues(status).Set(float64(counts[status]))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
