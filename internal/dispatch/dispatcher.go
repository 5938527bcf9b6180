// Package dispatch runs the claim/execute loops, one per priority lane, and
// the reaper that recovers jobs abandoned by crashed workers.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"modqueue/internal/config"
	"modqueue/internal/health"
	"modqueue/internal/store"
	"modqueue/internal/worker"
)

// Options select the dispatcher's run mode.
type Options struct {
	// ExitWhenEmpty drains the queue and returns once a claim comes back
	// empty instead of idling.
	ExitWhenEmpty bool
	// OnlyOne processes at most one job, then returns.
	OnlyOne bool
	// MakePending claims a job (marking it pending) without executing it.
	// Used for manual draining and tests.
	MakePending bool
}

// Dispatcher continuously claims and executes jobs for its priority lanes.
type Dispatcher struct {
	cfg       config.Config
	store     store.Store
	engine    *worker.Engine
	heartbeat *health.Heartbeat
	logger    *slog.Logger
}

func New(cfg config.Config, st store.Store, engine *worker.Engine, hb *health.Heartbeat, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: st, engine: engine, heartbeat: hb, logger: logger}
}

// Run starts one lane per configured priority ceiling and blocks until all
// of them return. Lanes with a low ceiling service only urgent work, so it
// never starves behind bulk jobs queued at high priority numbers.
func (d *Dispatcher) Run(ctx context.Context, opts Options) error {
	lanes := d.cfg.PriorityLanes
	if len(lanes) == 0 {
		lanes = []int{config.MaxPriority}
	}

	// The single-job modes touch exactly one job in total, not one per lane,
	// so they run one lane spanning every configured ceiling.
	if opts.OnlyOne || opts.MakePending {
		widest := lanes[0]
		for _, ceiling := range lanes[1:] {
			if ceiling > widest {
				widest = ceiling
			}
		}
		return d.RunLane(ctx, widest, opts)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(lanes))
	for i, ceiling := range lanes {
		wg.Add(1)
		go func(i, ceiling int) {
			defer wg.Done()
			errs[i] = d.RunLane(ctx, ceiling, opts)
		}(i, ceiling)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RunLane is the claim/execute loop for one priority ceiling. Any error
// escaping a single claim+execute cycle is logged and the loop continues; a
// bad job or a transient store failure must never stop the lane.
func (d *Dispatcher) RunLane(ctx context.Context, maxPriority int, opts Options) error {
	logger := d.logger.With(slog.Int("lane_ceiling", maxPriority))
	logger.Info("lane started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := d.heartbeat.Touch(); err != nil {
			logger.Warn("heartbeat touch failed", slog.String("error", err.Error()))
		}

		claimed, err := d.step(ctx, maxPriority, opts, logger)
		if err != nil {
			// Store errors surface here; retry the loop after the idle
			// interval rather than crashing the lane.
			logger.Error("claim cycle failed", slog.String("error", err.Error()))
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if claimed {
			if opts.OnlyOne || opts.MakePending {
				return nil
			}
			continue
		}

		if opts.ExitWhenEmpty {
			logger.Info("queue empty, draining lane done")
			return nil
		}
		if !d.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// step claims at most one job and executes it. Returns whether a job was
// claimed.
func (d *Dispatcher) step(ctx context.Context, maxPriority int, opts Options, logger *slog.Logger) (bool, error) {
	job, err := d.store.ClaimNext(ctx, maxPriority)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if opts.MakePending {
		logger.Info("claimed job left pending", slog.Int64("job_id", job.ID))
		return true, nil
	}

	d.engine.Execute(ctx, job, maxPriority)
	return true, nil
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	t := time.NewTimer(d.cfg.EmptyQueueSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
