package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"modqueue/internal/models"
)

// Postgres wraps pgxpool for queue persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, status, priority, created_at, started_at, finished_at,
	application, owner, repository, module, event_name, event_data, module_data, check_id, log`

// ClaimNext marks the single most urgent eligible row pending and returns it.
// The inner SELECT uses FOR UPDATE SKIP LOCKED so concurrent lanes across any
// number of processes never claim the same row.
func (s *Postgres) ClaimNext(ctx context.Context, maxPriority int) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue
		SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM queue
			WHERE status = $2 AND priority <= $3
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusPending, models.StatusNew, maxPriority)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// InsertJob inserts a job, optionally superseding duplicates in the same
// transaction so the old and new rows can never both be claimed.
func (s *Postgres) InsertJob(ctx context.Context, job *models.Job, supersede *SupersedeFilter) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	if supersede != nil {
		query, args := supersedeQuery(supersede)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("supersede duplicate jobs: %w", err)
		}
	}

	if job.EventData == nil {
		job.EventData = json.RawMessage(`{}`)
	}
	if job.ModuleData == nil {
		job.ModuleData = json.RawMessage(`{}`)
	}
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO queue (status, priority, application, owner, repository, module, event_name, event_data, module_data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING id, created_at
	`, models.StatusNew, job.Priority, job.Application, job.Owner, job.Repository,
		job.Module, job.EventName, job.EventData, job.ModuleData).Scan(&id, &job.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	job.ID = id
	job.Status = models.StatusNew
	return id, nil
}

func supersedeQuery(f *SupersedeFilter) (string, []any) {
	var b strings.Builder
	args := []any{models.StatusSkipped, models.StatusNew, f.Application, f.Module}
	b.WriteString(`UPDATE queue SET status = $1
		WHERE status = $2 AND application = $3 AND module = $4`)
	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND " + clause + " = $" + strconv.Itoa(len(args)))
	}
	// JSON payloads compare as jsonb, not text: the column's text rendering
	// is canonicalized (sorted keys, spaced separators) and would never match
	// the caller's compact bytes.
	addJSON := func(column string, v json.RawMessage) {
		args = append(args, string(v))
		b.WriteString(" AND " + column + " = $" + strconv.Itoa(len(args)) + "::jsonb")
	}
	if f.Priority != nil {
		add("priority", *f.Priority)
	}
	if f.Owner != nil {
		add("owner", *f.Owner)
	}
	if f.Repository != nil {
		add("repository", *f.Repository)
	}
	if f.EventName != nil {
		add("event_name", *f.EventName)
	}
	if f.EventData != nil {
		addJSON("event_data", f.EventData)
	}
	if f.ModuleData != nil {
		addJSON("module_data", f.ModuleData)
	}
	return b.String(), args
}

// Finalize writes the terminal state exactly once.
func (s *Postgres) Finalize(ctx context.Context, id int64, status, log string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = $2, finished_at = NOW(), log = $3 WHERE id = $1
	`, id, status, log)
	if err != nil {
		return fmt.Errorf("finalize job %d: %w", id, err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d not found: %w", id, err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func (s *Postgres) SetCheckID(ctx context.Context, id, checkID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE queue SET check_id = $2 WHERE id = $1`, id, checkID)
	return err
}

// UpdateModuleStatus runs fn under a row-level exclusive lock on the module's
// status row, creating the row lazily. The lock is held until commit so two
// processes can never interleave a read-modify-write.
func (s *Postgres) UpdateModuleStatus(ctx context.Context, module string, fn func(old json.RawMessage) (json.RawMessage, error)) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO module_status (module, data) VALUES ($1, '{}'::jsonb)
		ON CONFLICT (module) DO NOTHING
	`, module); err != nil {
		return fmt.Errorf("ensure module status row: %w", err)
	}

	var old json.RawMessage
	if err := tx.QueryRow(ctx, `
		SELECT data FROM module_status WHERE module = $1 FOR UPDATE
	`, module).Scan(&old); err != nil {
		return fmt.Errorf("lock module status: %w", err)
	}

	updated, err := fn(old)
	if err != nil {
		return err
	}
	if updated != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE module_status SET data = $2, updated_at = NOW() WHERE module = $1
		`, module, updated); err != nil {
			return fmt.Errorf("write module status: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RequeueAbandoned resets crashed workers' pending jobs back to new.
func (s *Postgres) RequeueAbandoned(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3
	`, models.StatusNew, models.StatusPending, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue abandoned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailLongPending errors out pending jobs older than the hard ceiling.
func (s *Postgres) FailLongPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET status = $1, finished_at = NOW(), log = $4
		WHERE status = $2 AND created_at < $3
	`, models.StatusError, models.StatusPending, createdBefore, models.ReapedLog)
	if err != nil {
		return 0, fmt.Errorf("fail long pending jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var started, finished pgtype.Timestamptz
	var module pgtype.Text
	var checkID pgtype.Int8

	err := row.Scan(&job.ID, &job.Status, &job.Priority, &job.CreatedAt, &started, &finished,
		&job.Application, &job.Owner, &job.Repository, &module, &job.EventName,
		&job.EventData, &job.ModuleData, &checkID, &job.Log)
	if err != nil {
		return models.Job{}, err
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	if module.Valid {
		job.Module = module.String
	}
	if checkID.Valid {
		v := checkID.Int64
		job.CheckID = &v
	}
	return job, nil
}
