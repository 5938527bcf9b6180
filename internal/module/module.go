// Package module defines the plugin contract between the queue core and the
// business modules it fans events out to. Payloads cross the boundary as raw
// JSON and are decoded by each module.
package module

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Well-known priorities; lower is more urgent. An Action priority below zero
// means "inherit from the parent job".
const (
	PriorityHigh      = 0
	PriorityStatus    = 10
	PriorityDashboard = 20
	PriorityStandard  = 30
	PriorityCron      = 40

	PriorityInherit = -1
)

// Fields accepted by UniqueOn.
const (
	UniquePriority   = "priority"
	UniqueOwner      = "owner"
	UniqueRepository = "repository"
	UniqueEventName  = "event_name"
	UniqueEventData  = "event_data"
	UniqueModuleData = "module_data"
)

// Action is a follow-up unit of work emitted by a module. It has no lifecycle
// of its own: the fan-out converts it into a queued job immediately.
type Action struct {
	// Title becomes the new job's event name when set.
	Title string
	// Priority of the new job; PriorityInherit keeps the parent's.
	Priority int
	// Data is the opaque module payload stored as module_data.
	Data json.RawMessage
	// Checks controls external check creation: nil means auto-detect from
	// the event payload, otherwise the value is forced.
	Checks *bool
}

// EventContext is handed to GetActions. It must stay cheap: GetActions runs
// on the ingestion path and is called even for disabled modules.
type EventContext struct {
	Application string
	Owner       string
	Repository  string
	EventName   string
	EventData   json.RawMessage
}

// ProcessContext carries everything a module needs to process one job.
type ProcessContext struct {
	JobID         int64
	CorrelationID string
	Application   string
	Owner         string
	Repository    string
	EventName     string
	EventData     json.RawMessage
	// ModuleData is the payload emitted by the action-selection step.
	ModuleData json.RawMessage
	// ModuleConfig is the module's own configuration blob for this tenant.
	ModuleConfig json.RawMessage
	// TransversalStatus is a read-only snapshot of the module's aggregated
	// status taken before processing. Writes go through
	// UpdateTransversalStatus under the coordinator's lock.
	TransversalStatus json.RawMessage
	ServiceURL        string
	// Workdir is an isolated directory for checkout-style operations,
	// removed after the job finishes.
	Workdir string
	Logger  *slog.Logger
}

// CleanupContext is handed to Cleanup when a module is disabled for a tenant,
// so side effects of the action-selection step can be undone.
type CleanupContext struct {
	Application string
	Owner       string
	Repository  string
	EventName   string
	EventData   json.RawMessage
	ModuleData  json.RawMessage
}

// ProcessOutput is the result of one Process call.
type ProcessOutput struct {
	Success bool
	// Dashboard is the per-repository dashboard text, nil for no change.
	Dashboard *string
	// IntermediateStatus is passed to UpdateTransversalStatus when
	// TransversalUpdated is set.
	IntermediateStatus json.RawMessage
	TransversalUpdated bool
	Actions            []Action
	// Output is extra text attached to the external check on completion.
	Output string
}

// Module is implemented by every business module. The queue core treats
// implementations as black boxes.
type Module interface {
	// Name is the registry key and the queue routing key.
	Name() string
	// Title is the human-readable name used on external checks.
	Title() string

	// GetActions maps an incoming event to follow-up actions. Fast and
	// side-effect-light; called on the ingestion path for every event,
	// including for disabled modules.
	GetActions(ctx context.Context, ec EventContext) ([]Action, error)

	// Process executes one job. Blocking work must honor ctx so the
	// execution deadline can cancel it.
	Process(ctx context.Context, pc ProcessContext) (*ProcessOutput, error)

	// UpdateTransversalStatus merges an intermediate result into the
	// module's aggregated status. Called under the transversal lock; a nil
	// return leaves the stored status untouched.
	UpdateTransversalStatus(ctx context.Context, pc ProcessContext, intermediate, old json.RawMessage) (json.RawMessage, error)

	// Cleanup runs instead of Process when the module is disabled for the
	// job's tenant.
	Cleanup(ctx context.Context, cc CleanupContext) error

	// UniqueOn returns the dedup key fields, or nil for no deduplication.
	UniqueOn() []string

	// RequiredDashboard reports whether the module maintains a
	// per-repository dashboard.
	RequiredDashboard() bool
}

// Base provides no-op defaults for the optional capabilities so small
// modules only implement what they need.
type Base struct{}

func (Base) UpdateTransversalStatus(_ context.Context, _ ProcessContext, _, _ json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (Base) Cleanup(context.Context, CleanupContext) error { return nil }

func (Base) UniqueOn() []string { return nil }

func (Base) RequiredDashboard() bool { return false }
