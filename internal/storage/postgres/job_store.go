package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/id/uuid"
)

// JobStore keeps job state in one row per job: the spec and the mutable state as JSONB.
type JobStore struct {
	pool  Pool
	table string
	ids   harvest.IDGenerator
	clock harvest.Clock
}

// NewJobStore constructs a JobStore on an existing pool.
func NewJobStore(pool Pool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "harvest_jobs")
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: table, ids: uuid.New(), clock: system.New()}, nil
}

// EnsureSchema creates the jobs table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	spec             JSONB NOT NULL,
	state            JSONB NOT NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a pending job.
func (s *JobStore) Create(ctx context.Context, spec harvest.JobSpec) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := harvest.NewJob(id, spec, s.clock.Now())
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	stateJSON, err := json.Marshal(job.Patch())
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, progress, spec, state, cancel_requested, created_at)
VALUES ($1, $2, 0, $3, $4, FALSE, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, string(job.Status), specJSON, stateJSON, job.CreatedAt); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Update writes patch unless the job is already terminal or the status would regress.
// Progress is kept monotonic with GREATEST.
func (s *JobStore) Update(ctx context.Context, jobID string, patch harvest.JobPatch) error {
	stateJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = COALESCE(NULLIF($2, ''), status),
	progress = GREATEST(progress, $3),
	state = $4,
	updated_at = now()
WHERE id = $1
	AND status NOT IN ('completed', 'error', 'cancelled')
	AND NOT (status = 'running' AND $2 = 'pending')`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, string(patch.Status), patch.Progress, stateJSON)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("update %s: %w: %s -> %s", jobID, harvest.ErrInvalidTransition, status, patch.Status)
}

const jobColumns = "id, status, progress, spec, state, cancel_requested, created_at"

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (harvest.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, fmt.Errorf("get %s: %w", jobID, harvest.ErrJobNotFound)
	}
	if err != nil {
		return harvest.Job{}, err
	}
	return job, nil
}

// List returns the jobs matching filter, newest first.
func (s *JobStore) List(ctx context.Context, filter harvest.JobFilter) ([]harvest.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR spec->>'requester' = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, jobColumns, s.table)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.Requester, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []harvest.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Ping reports whether the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job       harvest.Job
		status    string
		specJSON  []byte
		stateJSON []byte
	)
	err := row.Scan(&job.ID, &status, &job.Progress, &specJSON, &stateJSON, &job.CancelRequested, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, err
	}
	if err != nil {
		return harvest.Job{}, fmt.Errorf("select job: %w", err)
	}
	if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
		return harvest.Job{}, fmt.Errorf("decode spec: %w", err)
	}
	var state harvest.JobPatch
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return harvest.Job{}, fmt.Errorf("decode state: %w", err)
	}
	job.Status = harvest.JobStatus(status)
	job.Detected = state.Detected
	job.Downloaded = state.Downloaded
	job.Failed = state.Failed
	job.Skipped = state.Skipped
	job.Images = state.Images
	job.Videos = state.Videos
	job.Bytes = state.Bytes
	job.CurrentFile = state.CurrentFile
	job.Message = state.Message
	job.PerSource = state.PerSource
	job.RecentEvents = state.RecentEvents
	job.StartedAt = state.StartedAt
	job.EndedAt = state.EndedAt
	return job, nil
}

// Cancel sets the cancel flag on a non-terminal job.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET cancel_requested = cancel_requested OR status NOT IN ('completed', 'error', 'cancelled'),
	updated_at = now()
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel %s: %w", jobID, harvest.ErrJobNotFound)
	}
	return nil
}

func (s *JobStore) status(ctx context.Context, jobID string) (string, error) {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("update %s: %w", jobID, harvest.ErrJobNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("select job status: %w", err)
	}
	return status, nil
}
