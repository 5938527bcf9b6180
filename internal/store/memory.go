package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"modqueue/internal/models"
)

// Memory is an in-process Store with the same ordering and locking semantics
// as the Postgres implementation. It backs unit tests and local development;
// it is not durable.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   []*models.Job

	statusMu sync.Mutex
	locks    map[string]*sync.Mutex
	status   map[string]json.RawMessage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		locks:  make(map[string]*sync.Mutex),
		status: make(map[string]json.RawMessage),
	}
}

func (s *Memory) ClaimNext(_ context.Context, maxPriority int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusNew || j.Priority > maxPriority {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	best.Status = models.StatusPending
	best.StartedAt = &now
	claimed := *best
	return &claimed, nil
}

// less orders by (priority ASC, created_at ASC), id as the insertion
// tie-break for equal timestamps.
func less(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Memory) InsertJob(_ context.Context, job *models.Job, supersede *SupersedeFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if supersede != nil {
		for _, j := range s.jobs {
			if j.Status == models.StatusNew && matches(j, supersede) {
				j.Status = models.StatusSkipped
			}
		}
	}

	s.nextID++
	stored := *job
	stored.ID = s.nextID
	stored.Status = models.StatusNew
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.EventData == nil {
		stored.EventData = json.RawMessage(`{}`)
	}
	if stored.ModuleData == nil {
		stored.ModuleData = json.RawMessage(`{}`)
	}
	s.jobs = append(s.jobs, &stored)
	job.ID = stored.ID
	job.Status = stored.Status
	job.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

func matches(j *models.Job, f *SupersedeFilter) bool {
	if j.Application != f.Application || j.Module != f.Module {
		return false
	}
	if f.Priority != nil && j.Priority != *f.Priority {
		return false
	}
	if f.Owner != nil && j.Owner != *f.Owner {
		return false
	}
	if f.Repository != nil && j.Repository != *f.Repository {
		return false
	}
	if f.EventName != nil && j.EventName != *f.EventName {
		return false
	}
	if f.EventData != nil && !jsonEqual(j.EventData, f.EventData) {
		return false
	}
	if f.ModuleData != nil && !jsonEqual(j.ModuleData, f.ModuleData) {
		return false
	}
	return true
}

// jsonEqual compares payloads structurally, like a jsonb equality in
// Postgres: key order and whitespace do not matter.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(av, bv)
}

func (s *Memory) Finalize(_ context.Context, id int64, status, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.find(id)
	if j == nil {
		return fmt.Errorf("job %d not found", id)
	}
	now := time.Now().UTC()
	j.Status = status
	j.FinishedAt = &now
	j.Log = log
	return nil
}

func (s *Memory) GetJob(_ context.Context, id int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.find(id)
	if j == nil {
		return models.Job{}, fmt.Errorf("job %d not found", id)
	}
	return *j, nil
}

func (s *Memory) SetCheckID(_ context.Context, id, checkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.find(id)
	if j == nil {
		return fmt.Errorf("job %d not found", id)
	}
	j.CheckID = &checkID
	return nil
}

func (s *Memory) UpdateModuleStatus(_ context.Context, module string, fn func(old json.RawMessage) (json.RawMessage, error)) error {
	s.statusMu.Lock()
	lock, ok := s.locks[module]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[module] = lock
	}
	s.statusMu.Unlock()

	// Held for the whole read-modify-write, like the Postgres row lock.
	lock.Lock()
	defer lock.Unlock()

	s.statusMu.Lock()
	old := s.status[module]
	s.statusMu.Unlock()
	if old == nil {
		old = json.RawMessage(`{}`)
	}
	updated, err := fn(old)
	if err != nil {
		return err
	}
	if updated != nil {
		s.statusMu.Lock()
		s.status[module] = updated
		s.statusMu.Unlock()
	}
	return nil
}

func (s *Memory) RequeueAbandoned(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			j.Status = models.StatusNew
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Memory) FailLongPending(_ context.Context, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && j.CreatedAt.Before(createdBefore) {
			j.Status = models.StatusError
			j.FinishedAt = &now
			j.Log = models.ReapedLog
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *Memory) find(id int64) *models.Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}
