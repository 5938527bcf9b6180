package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
//
// Legal transitions: new -> pending -> done|error, and new -> skipped when a
// queued job is superseded or its module is disabled. A job must never stay
// pending once execution started; the reaper recovers rows abandoned by
// crashed workers.
const (
	StatusNew     = "new"
	StatusPending = "pending"
	StatusDone    = "done"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// ReapedLog is the terminal log written when a pending job exceeds the hard
// age ceiling and the reaper forces it to error.
const ReapedLog = "job stayed pending past the age ceiling and was forced to error by the reaper"

// Job is one unit of queued work bound to a module, a tenant and an event.
// Rows are never deleted; terminal rows keep their finalized log as an
// audit trail.
type Job struct {
	ID          int64           `json:"id"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Application string          `json:"application"`
	Owner       string          `json:"owner"`
	Repository  string          `json:"repository"`
	Module      string          `json:"module,omitempty"` // empty for system jobs
	EventName   string          `json:"event_name"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	ModuleData  json.RawMessage `json:"module_data,omitempty"`
	CheckID     *int64          `json:"check_id,omitempty"`
	Log         string          `json:"-"`
}

// ModuleStatus is the single aggregated cross-repository view a module keeps
// across all jobs it has ever processed. One row per module, created lazily
// on first write, mutated only under the transversal coordinator's lock.
type ModuleStatus struct {
	Module    string          `json:"module"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunningJobInfo is process-local liveness information about a job currently
// held by a worker lane. Never persisted, discarded on completion or restart.
type RunningJobInfo struct {
	JobID       int64     `json:"job_id"`
	Module      string    `json:"module"`
	EventName   string    `json:"event_name"`
	Application string    `json:"application"`
	Owner       string    `json:"owner"`
	Repository  string    `json:"repository"`
	Priority    int       `json:"priority"`
	LaneCeiling int       `json:"lane_ceiling"`
	StartedAt   time.Time `json:"started_at"`
}
