package progress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ReporterConfig controls persistence of a single job's state.
type ReporterConfig struct {
	Store harvest.JobStore
	// Hub optionally receives every event after it is folded.
	Hub           Emitter
	Clock         harvest.Clock
	FlushInterval time.Duration
	BufferSize    int
	StoreTimeout  time.Duration
	Logger        *zap.Logger
}

const (
	defaultFlushInterval  = 250 * time.Millisecond
	defaultReporterBuffer = 1024
	defaultStoreTimeout   = 5 * time.Second
)

// Reporter is the single writer of one job's state. Events are folded on its
// own goroutine; the store sees at most one update per flush interval, except
// for the running and terminal transitions which are written immediately.
type Reporter struct {
	cfg    ReporterConfig
	logger *zap.Logger
	events chan Event
	done   chan struct{}

	started     chan struct{}
	startedOnce sync.Once

	mu    sync.RWMutex
	job   harvest.Job
	dirty bool

	circuitNoted map[string]bool
	lastActivity atomic.Int64
	finished     atomic.Bool
}

// NewReporter starts a Reporter for job. The job must already exist in the store.
func NewReporter(job harvest.Job, cfg ReporterConfig) *Reporter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultReporterBuffer
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	job = job.Clone()
	if job.PerSource == nil {
		job.PerSource = make(map[string]harvest.SourceProgress, len(job.Spec.Sources))
	}
	for _, src := range job.Spec.Sources {
		if _, ok := job.PerSource[src]; !ok {
			job.PerSource[src] = harvest.SourceProgress{Status: harvest.SourceStatusPending}
		}
	}
	r := &Reporter{
		cfg:          cfg,
		logger:       logger.With(zap.String("job_id", job.ID)),
		events:       make(chan Event, cfg.BufferSize),
		done:         make(chan struct{}),
		started:      make(chan struct{}),
		job:          job,
		circuitNoted: make(map[string]bool),
	}
	r.lastActivity.Store(cfg.Clock.Now().UnixNano())
	go r.run()
	return r
}

// Emit queues evt for folding. It blocks while the buffer is full and returns
// immediately once the job has finished.
func (r *Reporter) Emit(evt Event) {
	if r.finished.Load() {
		return
	}
	evt.JobID = r.job.ID
	if evt.TS.IsZero() {
		evt.TS = r.cfg.Clock.Now()
	}
	select {
	case r.events <- evt:
	case <-r.done:
	}
}

// Finish emits the terminal event and waits until it has been persisted.
func (r *Reporter) Finish(ctx context.Context, status harvest.JobStatus, message string) error {
	r.Emit(Event{Kind: KindJobDone, JobStatus: status, Message: message})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for terminal flush: %w", ctx.Err())
	}
}

// Started is closed once the running transition has been written (or the job ended).
func (r *Reporter) Started() <-chan struct{} {
	return r.started
}

// Done is closed after the terminal state has been written.
func (r *Reporter) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns a consistent copy of the job state.
func (r *Reporter) Snapshot() harvest.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.Clone()
}

// LastActivity is when the last non-terminal event was folded.
func (r *Reporter) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

func (r *Reporter) run() {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case evt := <-r.events:
			if err := evt.Validate(); err != nil {
				r.logger.Warn("dropping invalid event", zap.Error(err))
				continue
			}
			r.apply(evt)
			if r.cfg.Hub != nil {
				r.cfg.Hub.Emit(evt)
			}
			switch {
			case evt.Terminal():
				r.flush()
				r.finished.Store(true)
				r.markStarted()
				close(r.done)
				return
			case evt.Kind == KindJobStart:
				r.flush()
				r.markStarted()
			}
		case <-ticker.C:
			r.mu.RLock()
			dirty := r.dirty
			r.mu.RUnlock()
			if dirty {
				r.flush()
			}
		}
	}
}

func (r *Reporter) markStarted() {
	r.startedOnce.Do(func() { close(r.started) })
}

func (r *Reporter) flush() {
	r.mu.Lock()
	patch := r.job.Patch()
	r.dirty = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	if err := r.cfg.Store.Update(ctx, r.job.ID, patch); err != nil {
		if errors.Is(err, harvest.ErrInvalidTransition) {
			r.logger.Debug("store rejected job update", zap.Error(err))
			return
		}
		r.logger.Warn("persist job progress failed", zap.Error(err))
	}
}

func (r *Reporter) apply(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.Terminal() {
		return
	}
	job := &r.job
	r.dirty = true
	if !evt.Terminal() {
		r.lastActivity.Store(r.cfg.Clock.Now().UnixNano())
	}

	switch evt.Kind {
	case KindJobStart:
		job.Status = harvest.JobStatusRunning
		started := evt.TS
		job.StartedAt = &started
		safe := "OFF"
		if job.Spec.SafeSearch {
			safe = "ON"
		}
		r.note(evt.TS, fmt.Sprintf("Starting %s search (Safe search: %s)...", job.Spec.SearchType(), safe))
	case KindSourceStart:
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) {
			ps.Status = harvest.SourceStatusRunning
		})
		r.note(evt.TS, fmt.Sprintf("Downloading from %s...", evt.Source))
	case KindDetected:
		job.Detected++
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) { ps.Detected++ })
	case KindDownload:
		r.applyResult(evt)
	case KindRetry:
		r.note(evt.TS, fmt.Sprintf("Retrying %s (attempt %d/%d)...", evt.Source, evt.Attempt, evt.MaxAttempts))
	case KindCircuitOpen:
		if !r.circuitNoted[evt.Source] {
			r.circuitNoted[evt.Source] = true
			r.note(evt.TS, fmt.Sprintf("Circuit open for %s; skipping", evt.Source))
		}
	case KindSourceDone:
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) {
			ps.Status = evt.SourceStatus
			if evt.Err != nil {
				ps.LastError = evt.Err.Error()
			}
		})
	case KindJobDone:
		job.Status = evt.JobStatus
		ended := evt.TS
		job.EndedAt = &ended
		job.Progress = 100
		job.CurrentFile = ""
		if evt.Message != "" {
			r.note(evt.TS, evt.Message)
		}
		return
	}
	if p := ComputeProgress(*job); p > job.Progress {
		job.Progress = p
	}
}

func (r *Reporter) applyResult(evt Event) {
	res := evt.Result
	job := &r.job
	switch {
	case res.Status == harvest.DownloadOK:
		job.Downloaded++
		job.Bytes += res.Bytes
		switch res.ContentType {
		case harvest.ContentImage:
			job.Images++
		case harvest.ContentVideo:
			job.Videos++
		}
		name := filepath.Base(res.Path)
		job.CurrentFile = name
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) {
			ps.Downloaded++
			ps.Bytes += res.Bytes
		})
		r.note(evt.TS, "Downloaded "+name)
	case res.Skipped():
		job.Skipped++
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) { ps.Skipped++ })
	case harvest.KindOf(res.Err) == harvest.KindCancelled:
		// Abandoned work is not a failure of the source.
	default:
		job.Failed++
		r.updateSource(evt.Source, func(ps *harvest.SourceProgress) {
			ps.Failed++
			if res.Err != nil {
				ps.LastError = res.Err.Error()
			}
		})
	}
}

func (r *Reporter) updateSource(source string, fn func(*harvest.SourceProgress)) {
	ps := r.job.PerSource[source]
	if ps.Status == "" {
		ps.Status = harvest.SourceStatusPending
	}
	fn(&ps)
	r.job.PerSource[source] = ps
}

func (r *Reporter) note(ts time.Time, msg string) {
	r.job.Message = msg
	events := make([]harvest.JobEvent, 0, harvest.MaxRecentEvents)
	events = append(events, harvest.JobEvent{Timestamp: ts, Message: msg})
	for _, e := range r.job.RecentEvents {
		if len(events) == harvest.MaxRecentEvents {
			break
		}
		events = append(events, e)
	}
	r.job.RecentEvents = events
}

// ComputeProgress returns the running progress of job in [0, 99]:
// 100 * Σ min(Dᵢ, T) / (S * max(1, T)) where T is the per-source maximum.
func ComputeProgress(job harvest.Job) int {
	sources := len(job.Spec.Sources)
	if sources == 0 {
		return 0
	}
	target := job.Spec.PerSourceMax
	var done int
	for _, src := range job.Spec.Sources {
		d := job.PerSource[src].Downloaded
		if d > target {
			d = target
		}
		done += d
	}
	denom := sources * max(1, target)
	p := 100 * done / denom
	return min(max(p, 0), 99)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
