// Package fanout turns platform events and module-emitted actions into
// queued jobs, superseding duplicate still-queued work on the way.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"modqueue/internal/checks"
	"modqueue/internal/models"
	"modqueue/internal/module"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
)

type Fanout struct {
	store    store.Store
	registry *module.Registry
	checks   *checks.Updater
	logger   *slog.Logger
}

func New(st store.Store, registry *module.Registry, ck *checks.Updater, logger *slog.Logger) *Fanout {
	return &Fanout{store: st, registry: registry, checks: ck, logger: logger}
}

// ProcessEvent fans one incoming platform event out across every registered
// module: each module's GetActions runs (even when the module is disabled, so
// checks can still be opened) and the returned actions are enqueued. An error
// in one module never blocks the others.
func (f *Fanout) ProcessEvent(ctx context.Context, application, owner, repository, eventName string, eventData json.RawMessage) {
	for _, name := range f.registry.Names() {
		mod, _ := f.registry.Get(name)
		actions, err := mod.GetActions(ctx, module.EventContext{
			Application: application,
			Owner:       owner,
			Repository:  repository,
			EventName:   eventName,
			EventData:   eventData,
		})
		if err != nil {
			f.logger.Error("get actions failed",
				slog.String("module", name),
				slog.String("event", eventName),
				slog.String("repository", owner+"/"+repository),
				slog.String("error", err.Error()))
			continue
		}
		template := models.Job{
			Application: application,
			Owner:       owner,
			Repository:  repository,
			Module:      name,
			EventName:   eventName,
			EventData:   eventData,
		}
		if err := f.Enqueue(ctx, mod, template, actions, module.PriorityStandard); err != nil {
			f.logger.Error("enqueue actions failed",
				slog.String("module", name),
				slog.String("error", err.Error()))
		}
	}
}

// EnqueueFollowups enqueues the actions a finished job emitted. The new jobs
// inherit the parent's routing keys, event payload and, for actions with
// PriorityInherit, its priority.
func (f *Fanout) EnqueueFollowups(ctx context.Context, mod module.Module, parent *models.Job, actions []module.Action) error {
	template := models.Job{
		Application: parent.Application,
		Owner:       parent.Owner,
		Repository:  parent.Repository,
		Module:      parent.Module,
		EventName:   parent.EventName,
		EventData:   parent.EventData,
	}
	return f.Enqueue(ctx, mod, template, actions, parent.Priority)
}

// Enqueue converts actions into job rows. For modules declaring a uniqueness
// key, the supersession of matching still-new jobs and the insert commit in
// one transaction, so the dispatcher can never see both the old and the new
// row as claimable.
func (f *Fanout) Enqueue(ctx context.Context, mod module.Module, template models.Job, actions []module.Action, inheritPriority int) error {
	for _, action := range actions {
		job := template
		job.Priority = action.Priority
		if job.Priority < 0 {
			job.Priority = inheritPriority
		}
		if action.Title != "" {
			job.EventName = action.Title
		}
		job.ModuleData = action.Data

		filter := f.supersedeFilter(mod, &job)
		if _, err := f.store.InsertJob(ctx, &job, filter); err != nil {
			return fmt.Errorf("insert job for module %s: %w", mod.Name(), err)
		}
		telemetry.JobsEnqueued.Inc()

		if checks.ShouldCreate(action.Checks, job.EventData) {
			f.checks.Open(ctx, &job, mod.Title())
		}
	}
	return nil
}

func (f *Fanout) supersedeFilter(mod module.Module, job *models.Job) *store.SupersedeFilter {
	keys := mod.UniqueOn()
	if len(keys) == 0 {
		return nil
	}
	filter := &store.SupersedeFilter{
		Application: job.Application,
		Module:      job.Module,
	}
	for _, key := range keys {
		switch key {
		case module.UniquePriority:
			p := job.Priority
			filter.Priority = &p
		case module.UniqueOwner:
			filter.Owner = &job.Owner
		case module.UniqueRepository:
			filter.Repository = &job.Repository
		case module.UniqueEventName:
			filter.EventName = &job.EventName
		case module.UniqueEventData:
			filter.EventData = job.EventData
		case module.UniqueModuleData:
			filter.ModuleData = job.ModuleData
		default:
			f.logger.Error("unknown uniqueness key", slog.String("module", mod.Name()), slog.String("key", key))
		}
	}
	return filter
}
