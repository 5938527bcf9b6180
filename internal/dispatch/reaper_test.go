package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"modqueue/internal/config"
	"modqueue/internal/models"
	"modqueue/internal/module"
	"modqueue/internal/store"
)

func TestReaperRequeuesAbandonedAndFailsAncient(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	cfg := testConfig()
	cfg.JobTimeout = 10 * time.Millisecond
	cfg.PendingRequeueGrace = 10 * time.Millisecond
	cfg.PendingErrorAge = 24 * time.Hour

	// abandoned: started long enough ago to exceed timeout+grace, created
	// recently. ancient: started just now but created two days ago.
	abandoned := models.Job{Priority: module.PriorityHigh}
	if _, err := st.InsertJob(ctx, &abandoned, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ancient := models.Job{Priority: module.PriorityStandard, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if _, err := st.InsertJob(ctx, &ancient, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := st.ClaimNext(ctx, config.MaxPriority); err != nil {
		t.Fatalf("claim abandoned: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := st.ClaimNext(ctx, config.MaxPriority); err != nil {
		t.Fatalf("claim ancient: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReaper(cfg, st, logger).RunOnce(ctx)

	job, _ := st.GetJob(ctx, abandoned.ID)
	if job.Status != models.StatusNew {
		t.Fatalf("abandoned job status = %q, want new", job.Status)
	}
	if job.StartedAt != nil {
		t.Fatalf("abandoned job kept its started_at")
	}

	job, _ = st.GetJob(ctx, ancient.ID)
	if job.Status != models.StatusError {
		t.Fatalf("ancient job status = %q, want error", job.Status)
	}
	if job.FinishedAt == nil {
		t.Fatalf("ancient job has no finished_at")
	}
}

func TestReaperLeavesHealthyPendingAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	cfg := testConfig()
	cfg.JobTimeout = time.Hour
	cfg.PendingRequeueGrace = time.Minute
	cfg.PendingErrorAge = 24 * time.Hour

	job := models.Job{Priority: 0}
	if _, err := st.InsertJob(ctx, &job, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.ClaimNext(ctx, config.MaxPriority); err != nil {
		t.Fatalf("claim: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReaper(cfg, st, logger).RunOnce(ctx)

	stored, _ := st.GetJob(ctx, job.ID)
	if stored.Status != models.StatusPending {
		t.Fatalf("healthy pending job status = %q", stored.Status)
	}
}
