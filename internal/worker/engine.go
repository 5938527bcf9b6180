// Package worker executes claimed jobs: it resolves the target module, runs
// its process capability under a deadline with correlated log capture, and
// records the terminal outcome exactly once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"modqueue/internal/checks"
	"modqueue/internal/config"
	"modqueue/internal/fanout"
	"modqueue/internal/models"
	"modqueue/internal/module"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
	"modqueue/internal/transversal"
	"modqueue/internal/workdir"
)

// LogArchiver copies a finalized job log to long-term storage. Optional.
type LogArchiver interface {
	Archive(ctx context.Context, jobID int64, log string) error
}

// Engine runs one claimed pending job to its terminal state.
type Engine struct {
	cfg         config.Config
	store       store.Store
	registry    *module.Registry
	checks      *checks.Updater
	coordinator *transversal.Coordinator
	fanout      *fanout.Fanout
	recorder    *Recorder
	workdirs    *workdir.Manager
	archiver    LogArchiver
	logger      *slog.Logger

	runningMu sync.Mutex
	running   map[int64]models.RunningJobInfo
}

func NewEngine(
	cfg config.Config,
	st store.Store,
	registry *module.Registry,
	ck *checks.Updater,
	coordinator *transversal.Coordinator,
	fo *fanout.Fanout,
	recorder *Recorder,
	workdirs *workdir.Manager,
	archiver LogArchiver,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		registry:    registry,
		checks:      ck,
		coordinator: coordinator,
		fanout:      fo,
		recorder:    recorder,
		workdirs:    workdirs,
		archiver:    archiver,
		logger:      logger,
		running:     make(map[int64]models.RunningJobInfo),
	}
}

// Running snapshots the jobs currently held by this process, for liveness
// diagnostics.
func (e *Engine) Running() []models.RunningJobInfo {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	out := make([]models.RunningJobInfo, 0, len(e.running))
	for _, info := range e.running {
		out = append(out, info)
	}
	return out
}

type outcome struct {
	status     string
	conclusion checks.Conclusion
	summary    string
	text       string
}

// Execute drives a claimed pending job to done, error or skipped. The
// terminal write happens exactly once on every exit path, including panics
// and deadline expiry; the row is never left pending.
func (e *Engine) Execute(ctx context.Context, job *models.Job, laneCeiling int) {
	corr := uuid.NewString()
	e.recorder.Start(corr)
	ctx = WithCorrelation(ctx, corr)
	// Terminal writes must survive the execution deadline.
	base := context.WithoutCancel(ctx)

	logger := e.logger.With(
		slog.Int64("job_id", job.ID),
		slog.String("module", job.Module),
		slog.String("event", job.EventName),
		slog.String("repository", job.Owner+"/"+job.Repository),
		slog.String("correlation_id", corr),
	)

	e.track(job, laneCeiling)
	telemetry.InFlightGauge.Inc()

	out := outcome{
		status:     models.StatusError,
		conclusion: checks.ConclusionFailure,
		summary:    "Unexpected error",
	}
	title := job.Module

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic while processing job", slog.Any("panic", r))
			out = outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
				summary: fmt.Sprintf("Unexpected error: %v", r)}
		}
		e.finalize(base, job, title, out, logger)
		e.untrack(job.ID)
		telemetry.InFlightGauge.Dec()
	}()

	logger.InfoContext(ctx, "start processing job",
		slog.Int("priority", job.Priority),
		slog.String("application", job.Application))

	if job.Module == "" {
		out = e.executeSystem(ctx, job, logger)
		return
	}

	mod, ok := e.registry.Get(job.Module)
	if !ok {
		logger.ErrorContext(ctx, "unknown module")
		out.summary = fmt.Sprintf("Unknown module %q", job.Module)
		return
	}
	title = mod.Title()

	if !e.cfg.ModuleEnabled(job.Module, job.Owner, job.Repository) {
		out = e.executeDisabled(ctx, mod, job, logger)
		return
	}

	e.checks.Open(ctx, job, title)
	out = e.executeModule(ctx, base, mod, job, corr, logger)
}

// executeSystem runs a module-less job: an incoming platform event that must
// be fanned out across all registered modules.
func (e *Engine) executeSystem(ctx context.Context, job *models.Job, logger *slog.Logger) outcome {
	if job.EventName == "" {
		logger.ErrorContext(ctx, "system job without event name")
		return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure, summary: "Unknown event"}
	}
	e.fanout.ProcessEvent(ctx, job.Application, job.Owner, job.Repository, job.EventName, job.EventData)
	return outcome{status: models.StatusDone, conclusion: checks.ConclusionSuccess, summary: "Event dispatched"}
}

// executeDisabled skips process entirely but still runs the module's cleanup
// so side effects of the action-selection step are undone.
func (e *Engine) executeDisabled(ctx context.Context, mod module.Module, job *models.Job, logger *slog.Logger) outcome {
	logger.InfoContext(ctx, "module is disabled for this tenant")
	if err := mod.Cleanup(ctx, module.CleanupContext{
		Application: job.Application,
		Owner:       job.Owner,
		Repository:  job.Repository,
		EventName:   job.EventName,
		EventData:   job.EventData,
		ModuleData:  job.ModuleData,
	}); err != nil {
		logger.ErrorContext(ctx, "module cleanup failed", slog.String("error", err.Error()))
	}
	return outcome{status: models.StatusSkipped, conclusion: checks.ConclusionSkipped, summary: "Module disabled"}
}

func (e *Engine) executeModule(ctx, base context.Context, mod module.Module, job *models.Job, corr string, logger *slog.Logger) outcome {
	snapshot := e.statusSnapshot(ctx, job.Module, logger)

	dir, cleanupDir, err := e.workdirs.Acquire(job.ID)
	if err != nil {
		logger.ErrorContext(ctx, "acquire working directory failed", slog.String("error", err.Error()))
		return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
			summary: "Unexpected error preparing the working directory"}
	}
	defer cleanupDir()

	pc := module.ProcessContext{
		JobID:             job.ID,
		CorrelationID:     corr,
		Application:       job.Application,
		Owner:             job.Owner,
		Repository:        job.Repository,
		EventName:         job.EventName,
		EventData:         job.EventData,
		ModuleData:        job.ModuleData,
		ModuleConfig:      e.cfg.ModuleConfig(job.Module),
		TransversalStatus: snapshot,
		ServiceURL:        e.cfg.ServiceURL,
		Workdir:           dir,
		Logger:            logger,
	}

	result, err := e.runWithDeadline(ctx, mod, pc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.ErrorContext(base, "job execution deadline exceeded",
				slog.Duration("timeout", e.cfg.JobTimeout))
			telemetry.JobsTimedOut.Inc()
			return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
				summary: fmt.Sprintf("Execution timed out after %s", e.cfg.JobTimeout)}
		}
		logger.ErrorContext(base, "module process failed", slog.String("error", err.Error()))
		return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
			summary: fmt.Sprintf("Unexpected error: %v", err)}
	}
	if result == nil {
		result = &module.ProcessOutput{Success: true}
	}

	if result.TransversalUpdated {
		mergeErr := e.coordinator.WithModuleLock(base, job.Module, func(old json.RawMessage) (json.RawMessage, error) {
			return mod.UpdateTransversalStatus(base, pc, result.IntermediateStatus, old)
		})
		if mergeErr != nil {
			logger.ErrorContext(base, "transversal status update failed", slog.String("error", mergeErr.Error()))
			return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
				summary: fmt.Sprintf("Unexpected error: %v", mergeErr)}
		}
	}

	if len(result.Actions) > 0 {
		if err := e.fanout.EnqueueFollowups(base, mod, job, result.Actions); err != nil {
			logger.ErrorContext(base, "enqueue follow-up actions failed", slog.String("error", err.Error()))
			return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
				summary: fmt.Sprintf("Unexpected error: %v", err)}
		}
	}

	if result.Dashboard != nil {
		// Dashboard rendering happens outside the queue core.
		logger.DebugContext(ctx, "module produced dashboard content",
			slog.Int("size", len(*result.Dashboard)))
	}

	if !result.Success {
		logger.WarnContext(base, "module reported failure")
		return outcome{status: models.StatusError, conclusion: checks.ConclusionFailure,
			summary: "Module failed", text: result.Output}
	}
	return outcome{status: models.StatusDone, conclusion: checks.ConclusionSuccess,
		summary: "Module executed successfully", text: result.Output}
}

// statusSnapshot takes a read-only copy of the module's transversal status
// under the coordinator's locks.
func (e *Engine) statusSnapshot(ctx context.Context, moduleName string, logger *slog.Logger) json.RawMessage {
	var snapshot json.RawMessage
	err := e.coordinator.WithModuleLock(ctx, moduleName, func(old json.RawMessage) (json.RawMessage, error) {
		snapshot = append(json.RawMessage(nil), old...)
		return nil, nil
	})
	if err != nil {
		logger.WarnContext(ctx, "read transversal status failed", slog.String("error", err.Error()))
	}
	return snapshot
}

type processResult struct {
	out *module.ProcessOutput
	err error
}

// runWithDeadline invokes process under the configured timeout. The select
// keeps the lane responsive even against a module that ignores cancellation;
// subprocesses started with exec.CommandContext die with the context.
func (e *Engine) runWithDeadline(ctx context.Context, mod module.Module, pc module.ProcessContext) (*module.ProcessOutput, error) {
	procCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	ch := make(chan processResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- processResult{err: fmt.Errorf("panic in module process: %v", r)}
			}
		}()
		out, err := mod.Process(procCtx, pc)
		ch <- processResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-procCtx.Done():
		return nil, procCtx.Err()
	}
}

// finalize closes the external check and writes the terminal row state. The
// captured log is persisted even when execution was cancelled mid-flight.
func (e *Engine) finalize(ctx context.Context, job *models.Job, title string, out outcome, logger *slog.Logger) {
	corr, _ := correlationFrom(ctx)
	capturedLog := e.recorder.Take(corr)

	e.checks.Close(ctx, job, out.conclusion, title, out.summary, out.text)

	if err := e.store.Finalize(ctx, job.ID, out.status, capturedLog); err != nil {
		logger.Error("finalize job failed", slog.String("error", err.Error()))
		return
	}
	switch out.status {
	case models.StatusDone:
		telemetry.JobsDone.Inc()
	case models.StatusSkipped:
		telemetry.JobsSkipped.Inc()
	default:
		telemetry.JobsErrored.Inc()
	}
	logger.Info("job finalized",
		slog.String("status", out.status),
		slog.String("conclusion", string(out.conclusion)))

	if e.archiver != nil && capturedLog != "" {
		if err := e.archiver.Archive(ctx, job.ID, capturedLog); err != nil {
			logger.Warn("archive job log failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) track(job *models.Job, laneCeiling int) {
	started := time.Now().UTC()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	e.running[job.ID] = models.RunningJobInfo{
		JobID:       job.ID,
		Module:      job.Module,
		EventName:   job.EventName,
		Application: job.Application,
		Owner:       job.Owner,
		Repository:  job.Repository,
		Priority:    job.Priority,
		LaneCeiling: laneCeiling,
		StartedAt:   started,
	}
}

func (e *Engine) untrack(id int64) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.running, id)
}
