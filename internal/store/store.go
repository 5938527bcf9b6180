package store

import (
	"context"
	"encoding/json"
	"time"

	"modqueue/internal/models"
)

// Store is the durable queue contract. The Postgres implementation is the
// production one; Memory backs unit tests and local development.
type Store interface {
	// ClaimNext atomically selects the oldest, most urgent job with
	// status new and priority <= maxPriority, marks it pending with
	// started_at set, and returns it. Concurrent callers never receive the
	// same row (skip-locked semantics). Returns (nil, nil) when the queue
	// has nothing eligible.
	ClaimNext(ctx context.Context, maxPriority int) (*models.Job, error)

	// InsertJob appends a new job. When supersede is non-nil, any still-new
	// job matching the filter is marked skipped in the same transaction,
	// before the new row becomes visible to claimers.
	InsertJob(ctx context.Context, job *models.Job, supersede *SupersedeFilter) (int64, error)

	// Finalize writes the terminal status, finished_at and the captured log
	// atomically. Called exactly once per executed job.
	Finalize(ctx context.Context, id int64, status, log string) error

	GetJob(ctx context.Context, id int64) (models.Job, error)
	SetCheckID(ctx context.Context, id, checkID int64) error

	// UpdateModuleStatus runs fn with the module's aggregated status blob
	// under an exclusive row lock, creating the row if absent. A non-nil
	// return value is written back before the lock is released; nil leaves
	// the blob untouched.
	UpdateModuleStatus(ctx context.Context, module string, fn func(old json.RawMessage) (json.RawMessage, error)) error

	// RequeueAbandoned resets pending jobs whose execution started before
	// the given instant back to new. They are assumed abandoned by a
	// crashed worker and safe to retry.
	RequeueAbandoned(ctx context.Context, startedBefore time.Time) (int64, error)

	// FailLongPending forces pending jobs created before the given instant
	// to error. These are considered unrecoverable.
	FailLongPending(ctx context.Context, createdBefore time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// SupersedeFilter selects still-new jobs to mark skipped before inserting a
// duplicate. Application and Module always apply; nil pointer fields are not
// part of the key.
type SupersedeFilter struct {
	Application string
	Module      string
	Priority    *int
	Owner       *string
	Repository  *string
	EventName   *string
	EventData   json.RawMessage
	ModuleData  json.RawMessage
}
