package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/media-harvester/internal/dispatcher"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/logging"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/queue/memory"
	"github.com/JakeFAU/media-harvester/internal/worker"
)

const (
	finishTimeout  = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// task is one candidate waiting for a download worker. ctx is the owning
// source's context so per-source deadlines reach in-flight downloads.
type task struct {
	ctx    context.Context //nolint:containedctx // scoped to a single queued download
	item   worker.Item
	source *sourceRun
}

// itemGate adapts a weighted semaphore to worker.Gate.
type itemGate struct {
	sem *semaphore.Weighted
}

func (g itemGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire item slot: %w", err)
	}
	return nil
}

func (g itemGate) Release() { g.sem.Release(1) }

// jobRun is the task tree of one job.
type jobRun struct {
	s        *Scheduler
	id       string
	spec     harvest.JobSpec
	adapters map[string]harvest.SourceAdapter
	reporter *progress.Reporter
	logger   *zap.Logger

	ctx      context.Context //nolint:containedctx // root of the job's task tree
	cancelFn context.CancelCauseFunc
	stop     context.CancelFunc
	timeout  time.Duration

	gate  worker.Gate
	queue *memory.Queue[task]
	done  chan struct{}

	downloaded atomic.Int64
	images     atomic.Int64
	videos     atomic.Int64
	bytes      atomic.Int64

	mu       sync.Mutex
	statuses map[string]harvest.SourceStatus
}

func newJobRun(s *Scheduler, job harvest.Job, adapters map[string]harvest.SourceAdapter) *jobRun {
	root, cancel := context.WithCancelCause(context.Background())
	ctx, stop := root, context.CancelFunc(func() {})
	timeout := job.Spec.Timeout(s.cfg.GlobalJobTimeout)
	if timeout > 0 {
		ctx, stop = context.WithTimeoutCause(root, timeout, errJobTimeout)
	}

	logger := logging.ForJob(s.logger, job.ID, job.Spec.Requester)
	run := &jobRun{
		s:        s,
		id:       job.ID,
		spec:     job.Spec,
		adapters: adapters,
		logger:   logger,
		ctx:      ctx,
		cancelFn: cancel,
		stop:     stop,
		timeout:  timeout,
		queue:    memory.NewQueue[task](s.cfg.MaxConcurrentSources * 2 * s.cfg.PerSourceParallelism),
		done:     make(chan struct{}),
		statuses: make(map[string]harvest.SourceStatus, len(job.Spec.Sources)),
	}
	if job.Spec.JobMaxItems > 0 {
		run.gate = itemGate{sem: semaphore.NewWeighted(int64(job.Spec.JobMaxItems))}
	}
	run.reporter = progress.NewReporter(job, progress.ReporterConfig{
		Store:         s.deps.Jobs,
		Hub:           s.deps.Hub,
		Clock:         s.deps.Clock,
		FlushInterval: s.cfg.FlushInterval,
		Logger:        logger,
	})
	return run
}

// cancel stops the job tree; the first cause wins.
func (r *jobRun) cancel(cause error) {
	r.cancelFn(cause)
}

func (r *jobRun) execute() {
	defer close(r.done)
	defer r.stop()
	defer r.cancelFn(nil)

	watchCtx, stopWatch := context.WithCancel(r.ctx)
	defer stopWatch()
	go r.watchCancel(watchCtx)
	go r.watchInactivity(watchCtx)

	handlers := make([]dispatcher.Handler[task], r.s.cfg.MaxConcurrentDownloads)
	for i := range handlers {
		handlers[i] = r.handler(worker.New(r.s.cfg.Worker, worker.Deps{
			Breaker:  r.s.deps.Breaker,
			Deduper:  r.s.deps.Deduper,
			Throttle: r.s.deps.Throttle,
			Assets:   r.s.deps.Assets,
			Fetcher:  r.s.deps.Fetcher,
			Logger:   r.logger,
		}))
	}
	pool := dispatcher.New[task](r.queue, handlers)
	poolDone := make(chan struct{})
	go func() {
		// Queued tasks are drained after cancellation so every source sees its results.
		pool.Run(context.WithoutCancel(r.ctx))
		close(poolDone)
	}()

	sem := semaphore.NewWeighted(int64(r.s.cfg.MaxConcurrentSources))
	var runners sync.WaitGroup
	for _, src := range r.spec.Sources {
		if err := sem.Acquire(r.ctx, 1); err != nil {
			break
		}
		runners.Add(1)
		go func(src string) {
			defer runners.Done()
			defer sem.Release(1)
			r.runSource(src, r.adapters[src])
		}(src)
	}

	finished := make(chan struct{})
	go func() {
		runners.Wait()
		r.queue.Close()
		<-poolDone
		close(finished)
	}()

	select {
	case <-finished:
	case <-r.ctx.Done():
		grace := time.NewTimer(r.s.cfg.CancelGrace)
		select {
		case <-finished:
		case <-grace.C:
			r.logger.Warn("job tasks still running after cancel grace",
				zap.Duration("grace", r.s.cfg.CancelGrace))
		}
		grace.Stop()
	}
	stopWatch()

	status, message := r.outcome()
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	if err := r.reporter.Finish(ctx, status, message); err != nil {
		r.logger.Warn("terminal flush failed", zap.Error(err))
	}
	cancel()

	metrics.ObserveJob(string(status))
	r.logger.Info("job finished",
		zap.String("status", string(status)),
		zap.String("message", message),
		zap.Int64("downloaded", r.downloaded.Load()),
		zap.Int64("bytes", r.bytes.Load()))
	r.publish()
}

func (r *jobRun) outcome() (harvest.JobStatus, string) {
	cause := context.Cause(r.ctx)
	switch {
	case errors.Is(cause, errJobTimeout):
		return harvest.JobStatusError, fmt.Sprintf("Job timed out after %ss", seconds(r.timeout))
	case errors.Is(cause, errJobInactive):
		return harvest.JobStatusError, fmt.Sprintf("Job timed out after %ss of inactivity", seconds(r.s.cfg.InactivityTimeout))
	case errors.Is(cause, errCancelRequested):
		return harvest.JobStatusCancelled, "Job cancelled"
	}
	if r.downloaded.Load() == 0 && r.allSourcesFailed() {
		return harvest.JobStatusError, "All sources failed"
	}
	return harvest.JobStatusCompleted, fmt.Sprintf("Search completed: %d files (%d images, %d videos)",
		r.downloaded.Load(), r.images.Load(), r.videos.Load())
}

func (r *jobRun) allSourcesFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range r.spec.Sources {
		if r.statuses[src] != harvest.SourceStatusFailed {
			return false
		}
	}
	return len(r.spec.Sources) > 0
}

func (r *jobRun) handler(w *worker.Worker) dispatcher.Handler[task] {
	return func(t task) {
		var res harvest.DownloadResult
		if err := t.ctx.Err(); err != nil {
			res = harvest.DownloadResult{
				Candidate: t.item.Candidate,
				Status:    harvest.DownloadFailed,
				Err:       harvest.NewFetchError(harvest.KindCancelled, 0, context.Cause(t.ctx)),
			}
		} else {
			res = w.Process(t.ctx, t.item)
		}
		r.record(t, res)
	}
}

func (r *jobRun) record(t task, res harvest.DownloadResult) {
	r.reporter.Emit(progress.Event{
		Kind:   progress.KindDownload,
		Source: t.source.id,
		URL:    res.Candidate.URL,
		Result: &res,
		Dur:    max(res.Duration, 0),
	})
	if res.Status == harvest.DownloadOK {
		r.downloaded.Add(1)
		r.bytes.Add(res.Bytes)
		switch res.ContentType {
		case harvest.ContentImage:
			r.images.Add(1)
		case harvest.ContentVideo:
			r.videos.Add(1)
		}
		if r.capReached() {
			r.cancel(errCapReached)
		}
	}
	t.source.complete(res)
}

// capReached reports whether the job's item or byte budget is used up.
func (r *jobRun) capReached() bool {
	if r.spec.JobMaxItems > 0 && r.downloaded.Load() >= int64(r.spec.JobMaxItems) {
		return true
	}
	return r.spec.JobMaxBytes > 0 && r.bytes.Load() >= r.spec.JobMaxBytes
}

// watchCancel observes cancel flags written to the store by other processes.
func (r *jobRun) watchCancel(ctx context.Context) {
	interval := r.s.cfg.CancelPollInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := r.s.deps.Jobs.Get(ctx, r.id)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Debug("cancel poll failed", zap.Error(err))
				}
				continue
			}
			if job.CancelRequested {
				r.logger.Info("cancel requested through job store")
				r.cancel(errCancelRequested)
				return
			}
		}
	}
}

func (r *jobRun) watchInactivity(ctx context.Context) {
	limit := r.s.cfg.InactivityTimeout
	if limit <= 0 {
		return
	}
	ticker := time.NewTicker(min(max(limit/4, 10*time.Millisecond), time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := r.s.deps.Clock.Now().Sub(r.reporter.LastActivity())
			if idle >= limit {
				r.logger.Warn("job inactive", zap.Duration("idle", idle))
				r.cancel(errJobInactive)
				return
			}
		}
	}
}

func (r *jobRun) publish() {
	if r.s.deps.Publisher == nil || r.s.cfg.Topic == "" {
		return
	}
	n := NotificationFor(r.reporter.Snapshot())
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	id, err := r.s.deps.Publisher.Publish(ctx, r.s.cfg.Topic, n)
	if err != nil {
		r.logger.Warn("publish job notification failed", zap.String("topic", r.s.cfg.Topic), zap.Error(err))
		return
	}
	r.logger.Debug("job notification published", zap.String("message_id", id))
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
