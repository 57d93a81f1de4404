// Package scheduler runs harvest jobs: it fans a job out across its sources,
// feeds discovered candidates to a bounded pool of download workers and drives
// the job to a terminal status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/worker"
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("scheduler is shut down")

// Causes attached to a job's root context.
var (
	errJobTimeout      = errors.New("job timed out")
	errJobInactive     = errors.New("job inactive")
	errCancelRequested = errors.New("job cancelled")
	errCapReached      = errors.New("job cap reached")
)

// Config holds the scheduling limits applied to every job.
type Config struct {
	MaxConcurrentSources   int
	MaxConcurrentDownloads int
	PerSourceParallelism   int
	PerSourceTimeout       time.Duration
	// GlobalJobTimeout applies when a spec does not set its own timeout. Zero means unlimited.
	GlobalJobTimeout   time.Duration
	InactivityTimeout  time.Duration
	FlushInterval      time.Duration
	CancelPollInterval time.Duration
	CancelGrace        time.Duration
	// Topic receives a Notification when a job ends. Empty disables publishing.
	Topic  string
	Worker worker.Config
}

// Deps are the process-wide collaborators shared by all jobs.
type Deps struct {
	Jobs     harvest.JobStore
	Assets   harvest.AssetStore
	Adapters map[string]harvest.SourceAdapter
	Breaker  worker.Breaker
	Deduper  worker.Deduper
	Throttle worker.Throttler
	// Hub receives every folded progress event. Optional.
	Hub progress.Emitter
	// Publisher sends terminal notifications. Optional.
	Publisher harvest.Publisher
	// Fetcher replaces each worker's HTTP fetcher. Optional.
	Fetcher worker.Fetcher
	Clock   harvest.Clock
	Logger  *zap.Logger
}

// Scheduler accepts jobs and supervises their execution.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*jobRun
	closed bool
	wg     sync.WaitGroup
}

// New validates deps and fills in defaults.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("circuit breaker is required")
	case deps.Deduper == nil:
		return nil, fmt.Errorf("deduper is required")
	case deps.Throttle == nil:
		return nil, fmt.Errorf("throttle is required")
	}
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = 5
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 10
	}
	if cfg.PerSourceParallelism <= 0 {
		cfg.PerSourceParallelism = 4
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 1500 * time.Millisecond
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		jobs:   make(map[string]*jobRun),
	}, nil
}

// Sources lists the ids of the registered adapters in sorted order.
func (s *Scheduler) Sources() []string {
	ids := make([]string, 0, len(s.deps.Adapters))
	for id := range s.deps.Adapters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Submit validates spec, creates the job, marks it running and starts it in the
// background. It returns once the running state has been persisted.
func (s *Scheduler) Submit(ctx context.Context, spec harvest.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	adapters := make(map[string]harvest.SourceAdapter, len(spec.Sources))
	for _, src := range spec.Sources {
		adapter, ok := s.deps.Adapters[src]
		if !ok || adapter == nil {
			return "", fmt.Errorf("%w: %s", harvest.ErrUnknownSource, src)
		}
		adapters[src] = adapter
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	run, err := s.start(ctx, spec, adapters)
	if err != nil {
		s.wg.Done()
		return "", err
	}

	select {
	case <-run.reporter.Started():
	case <-ctx.Done():
	}
	return run.id, nil
}

func (s *Scheduler) start(ctx context.Context, spec harvest.JobSpec, adapters map[string]harvest.SourceAdapter) (*jobRun, error) {
	id, err := s.deps.Jobs.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job, err := s.deps.Jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	run := newJobRun(s, job, adapters)

	s.mu.Lock()
	s.jobs[id] = run
	closed := s.closed
	s.mu.Unlock()
	if closed {
		run.cancel(errCancelRequested)
	}

	s.logger.Info("job accepted",
		zap.String("job_id", id),
		zap.String("query", spec.Query),
		zap.Strings("sources", spec.Sources),
		zap.String("requester", spec.Requester))

	run.reporter.Emit(progress.Event{Kind: progress.KindJobStart})
	go func() {
		defer s.wg.Done()
		defer s.forget(id)
		run.execute()
	}()
	return run, nil
}

// Cancel requests cancellation of jobID. It is idempotent and returns
// harvest.ErrJobNotFound for unknown ids.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.deps.Jobs.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if run := s.lookup(jobID); run != nil {
		run.cancel(errCancelRequested)
	}
	return nil
}

// Active is the number of jobs currently executing in this process.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Wait blocks until jobID is no longer running in this process.
func (s *Scheduler) Wait(ctx context.Context, jobID string) error {
	run := s.lookup(jobID)
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
	}
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*jobRun, 0, len(s.jobs))
	for _, run := range s.jobs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel(errCancelRequested)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) lookup(jobID string) *jobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}
