package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modqueue/internal/checks"
	"modqueue/internal/config"
	"modqueue/internal/fanout"
	"modqueue/internal/health"
	"modqueue/internal/models"
	"modqueue/internal/module"
	"modqueue/internal/module/echo"
	"modqueue/internal/store"
	"modqueue/internal/transversal"
	"modqueue/internal/worker"
	"modqueue/internal/workdir"
)

type failingModule struct {
	module.Base
}

func (failingModule) Name() string  { return "failing" }
func (failingModule) Title() string { return "Failing" }

func (failingModule) GetActions(context.Context, module.EventContext) ([]module.Action, error) {
	return nil, nil
}

func (failingModule) Process(context.Context, module.ProcessContext) (*module.ProcessOutput, error) {
	return nil, errors.New("always broken")
}

func testConfig() config.Config {
	return config.Config{
		ServiceURL:      "http://svc.example/",
		JobTimeout:      time.Second,
		EmptyQueueSleep: time.Millisecond,
	}
}

func newDispatcher(t *testing.T, cfg config.Config, st store.Store, mods ...module.Module) *Dispatcher {
	t.Helper()
	recorder := worker.NewRecorder()
	logger := slog.New(recorder.Handler(slog.NewTextHandler(io.Discard, nil)))
	registry := module.NewRegistry(mods...)
	updater := checks.NewUpdater(checks.NewNoop(logger), st, cfg.ServiceURL, logger)
	coordinator := transversal.NewCoordinator(st)
	fo := fanout.New(st, registry, updater, logger)
	workdirs := workdir.NewManager(t.TempDir())
	engine := worker.NewEngine(cfg, st, registry, updater, coordinator, fo, recorder, workdirs, nil, logger)
	hb := health.New(filepath.Join(t.TempDir(), "heartbeat"))
	return New(cfg, st, engine, hb, logger)
}

func TestRunLaneExitsWhenEmpty(t *testing.T) {
	d := newDispatcher(t, testConfig(), store.NewMemory())
	if err := d.RunLane(context.Background(), config.MaxPriority, Options{ExitWhenEmpty: true}); err != nil {
		t.Fatalf("drain empty queue: %v", err)
	}
}

func TestRunDrainsEventThroughModule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newDispatcher(t, testConfig(), st, echo.New())

	event := models.Job{
		Priority:    module.PriorityHigh,
		Application: "app",
		Owner:       "acme",
		Repository:  "widgets",
		EventName:   "push",
		EventData:   json.RawMessage(`{"n":1}`),
	}
	if _, err := st.InsertJob(ctx, &event, nil); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	if err := d.Run(ctx, Options{ExitWhenEmpty: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The system job fans out one echo job; both must be done.
	counts, _ := st.CountByStatus(ctx)
	if counts[models.StatusDone] != 2 {
		t.Fatalf("counts = %v, want 2 done", counts)
	}

	echoJob, err := st.GetJob(ctx, event.ID+1)
	if err != nil {
		t.Fatalf("get echo job: %v", err)
	}
	if echoJob.Module != "echo" || echoJob.FinishedAt == nil {
		t.Fatalf("echo job = %+v", echoJob)
	}
	if !strings.Contains(echoJob.Log, `{"n":1}`) {
		t.Fatalf("echo payload missing from captured log: %q", echoJob.Log)
	}
}

func TestRunLaneOnlyOne(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newDispatcher(t, testConfig(), st, &failingModule{})

	for i := 0; i < 2; i++ {
		job := models.Job{Module: "failing", Priority: 0}
		if _, err := st.InsertJob(ctx, &job, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := d.RunLane(ctx, config.MaxPriority, Options{OnlyOne: true}); err != nil {
		t.Fatalf("run lane: %v", err)
	}

	counts, _ := st.CountByStatus(ctx)
	if counts[models.StatusNew] != 1 || counts[models.StatusError] != 1 {
		t.Fatalf("counts = %v, want one untouched and one executed", counts)
	}
}

func TestRunLaneMakePending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newDispatcher(t, testConfig(), st, &failingModule{})

	job := models.Job{Module: "failing", Priority: 0}
	if _, err := st.InsertJob(ctx, &job, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := d.RunLane(ctx, config.MaxPriority, Options{MakePending: true}); err != nil {
		t.Fatalf("run lane: %v", err)
	}

	stored, _ := st.GetJob(ctx, job.ID)
	if stored.Status != models.StatusPending {
		t.Fatalf("status = %q, want pending", stored.Status)
	}
	if stored.FinishedAt != nil {
		t.Fatalf("job was executed, not just claimed")
	}
}

func TestRunLaneHonorsPriorityCeiling(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newDispatcher(t, testConfig(), st, &failingModule{})

	job := models.Job{Module: "failing", Priority: module.PriorityStandard}
	if _, err := st.InsertJob(ctx, &job, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// An urgent-only lane must not touch a standard priority job.
	if err := d.RunLane(ctx, module.PriorityStatus, Options{ExitWhenEmpty: true}); err != nil {
		t.Fatalf("run lane: %v", err)
	}
	stored, _ := st.GetJob(ctx, job.ID)
	if stored.Status != models.StatusNew {
		t.Fatalf("status = %q, job outside the lane ceiling was claimed", stored.Status)
	}
}

func TestRunLaneContinuesPastFailingJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newDispatcher(t, testConfig(), st, &failingModule{})

	for i := 0; i < 3; i++ {
		job := models.Job{Module: "failing", Priority: 0}
		if _, err := st.InsertJob(ctx, &job, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := d.RunLane(ctx, config.MaxPriority, Options{ExitWhenEmpty: true}); err != nil {
		t.Fatalf("run lane: %v", err)
	}
	counts, _ := st.CountByStatus(ctx)
	if counts[models.StatusError] != 3 {
		t.Fatalf("counts = %v, want all three errored", counts)
	}
}

func TestRunOnlyOneWithMultipleLanes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := testConfig()
	cfg.PriorityLanes = []int{module.PriorityStatus, config.MaxPriority}
	d := newDispatcher(t, cfg, st, &failingModule{})

	for i := 0; i < 3; i++ {
		job := models.Job{Module: "failing", Priority: 0}
		if _, err := st.InsertJob(ctx, &job, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// One job in total, not one per lane.
	if err := d.Run(ctx, Options{OnlyOne: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, _ := st.CountByStatus(ctx)
	if counts[models.StatusError] != 1 || counts[models.StatusNew] != 2 {
		t.Fatalf("counts = %v, want exactly one job executed", counts)
	}
}

func TestRunMakePendingWithMultipleLanes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := testConfig()
	cfg.PriorityLanes = []int{module.PriorityStatus, config.MaxPriority}
	d := newDispatcher(t, cfg, st, &failingModule{})

	for i := 0; i < 2; i++ {
		job := models.Job{Module: "failing", Priority: 0}
		if _, err := st.InsertJob(ctx, &job, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := d.Run(ctx, Options{MakePending: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, _ := st.CountByStatus(ctx)
	if counts[models.StatusPending] != 1 || counts[models.StatusNew] != 1 {
		t.Fatalf("counts = %v, want exactly one job claimed", counts)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.PriorityLanes = []int{module.PriorityStatus, config.MaxPriority}
	d := newDispatcher(t, cfg, store.NewMemory())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, Options{}) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop on cancel")
	}
}
