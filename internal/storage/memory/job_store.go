// Package memory provides in-process job and asset stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/id/uuid"
)

// JobStore keeps jobs in a map guarded by an RWMutex.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*harvest.Job
	ids   harvest.IDGenerator
	clock harvest.Clock
}

// NewJobStore constructs a JobStore. Nil collaborators fall back to UUIDv7 ids and the system clock.
func NewJobStore(ids harvest.IDGenerator, clock harvest.Clock) *JobStore {
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	return &JobStore{
		jobs:  make(map[string]*harvest.Job),
		ids:   ids,
		clock: clock,
	}
}

// Create stores a new pending job and returns its id.
func (s *JobStore) Create(_ context.Context, spec harvest.JobSpec) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := harvest.NewJob(id, spec, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = &job
	return id, nil
}

// Update merges patch into the stored job. Terminal jobs are immutable.
func (s *JobStore) Update(_ context.Context, jobID string, patch harvest.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update %s: %w", jobID, harvest.ErrJobNotFound)
	}
	if err := job.Apply(patch); err != nil {
		return fmt.Errorf("update %s: %w", jobID, err)
	}
	return nil
}

// Get returns a deep copy of the job.
func (s *JobStore) Get(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, fmt.Errorf("get %s: %w", jobID, harvest.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// Cancel flags the job for cancellation. Cancelling a finished job is a no-op.
func (s *JobStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", jobID, harvest.ErrJobNotFound)
	}
	if !job.Status.Terminal() {
		job.CancelRequested = true
	}
	return nil
}

// List returns the jobs matching filter, newest first.
func (s *JobStore) List(_ context.Context, filter harvest.JobFilter) ([]harvest.Job, error) {
	s.mu.RLock()
	out := make([]harvest.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Requester != "" && job.Spec.Requester != filter.Requester {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []harvest.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
