package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modqueue/internal/archive"
	"modqueue/internal/checks"
	"modqueue/internal/config"
	"modqueue/internal/dispatch"
	"modqueue/internal/fanout"
	"modqueue/internal/health"
	"modqueue/internal/module"
	"modqueue/internal/module/echo"
	"modqueue/internal/module/thumbnail"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
	"modqueue/internal/transversal"
	"modqueue/internal/worker"
	"modqueue/internal/workdir"
)

var workerOpts dispatch.Options

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker lanes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx, config.Load(), workerOpts)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerOpts.ExitWhenEmpty, "exit-when-empty", false, "Exit when the queue is empty")
	workerCmd.Flags().BoolVar(&workerOpts.OnlyOne, "only-one", false, "Exit after processing one job")
	workerCmd.Flags().BoolVar(&workerOpts.MakePending, "make-pending", false, "Claim one job, mark it pending and exit without executing")
}

func runWorker(ctx context.Context, cfg config.Config, opts dispatch.Options) error {
	recorder := worker.NewRecorder()
	logger := slog.New(recorder.Handler(baseHandler()))

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	engine, err := buildEngine(ctx, cfg, st, recorder, logger)
	if err != nil {
		return err
	}

	drain := opts.ExitWhenEmpty || opts.OnlyOne || opts.MakePending
	if !drain {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		go dispatch.RunStatusGauge(ctx, st, 10*time.Second, logger)
		go dispatch.NewReaper(cfg, st, logger).Run(ctx, cfg.EmptyQueueSleep)
	}

	hb := health.New(cfg.HeartbeatPath)
	dispatcher := dispatch.New(cfg, st, engine, hb, logger)
	logger.Info("worker started",
		slog.Duration("job_timeout", cfg.JobTimeout),
		slog.Any("lanes", cfg.PriorityLanes),
		slog.Bool("drain", drain))

	err = dispatcher.Run(ctx, opts)
	if err != nil && ctx.Err() != nil {
		// Signal-driven shutdown is a normal exit.
		return nil
	}
	return err
}

func buildEngine(ctx context.Context, cfg config.Config, st store.Store, recorder *worker.Recorder, logger *slog.Logger) (*worker.Engine, error) {
	registry := module.NewRegistry(
		echo.New(),
		thumbnail.New(),
	)

	updater := checks.NewUpdater(checks.NewNoop(logger), st, cfg.ServiceURL, logger)
	coordinator := transversal.NewCoordinator(st)
	fo := fanout.New(st, registry, updater, logger)
	workdirs := workdir.NewManager(cfg.WorkdirRoot)

	var archiver worker.LogArchiver
	if cfg.LogArchiveBucket != "" {
		s3Archiver, err := archive.NewS3(ctx, cfg.LogArchiveBucket, cfg.LogArchivePrefix)
		if err != nil {
			return nil, err
		}
		archiver = s3Archiver
	}

	return worker.NewEngine(cfg, st, registry, updater, coordinator, fo, recorder, workdirs, archiver, logger), nil
}
