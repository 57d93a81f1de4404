package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/worker"
)

// sourceRun tracks the downloads one source has handed to the worker pool.
type sourceRun struct {
	id       string
	slots    chan struct{}
	inflight sync.WaitGroup

	mu     sync.Mutex
	ok     int
	failed int
}

func newSourceRun(id string, capacity int) *sourceRun {
	return &sourceRun{id: id, slots: make(chan struct{}, max(capacity, 1))}
}

func (sr *sourceRun) complete(res harvest.DownloadResult) {
	sr.mu.Lock()
	switch {
	case res.Status == harvest.DownloadOK:
		sr.ok++
	case res.Status == harvest.DownloadFailed && harvest.KindOf(res.Err) != harvest.KindCancelled:
		sr.failed++
	}
	sr.mu.Unlock()
	sr.release()
}

func (sr *sourceRun) release() {
	<-sr.slots
	sr.inflight.Done()
}

func (sr *sourceRun) status(discoveryErr error, stoppedEarly bool) harvest.SourceStatus {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	switch {
	case sr.ok == 0 && (discoveryErr != nil || sr.failed > 0):
		return harvest.SourceStatusFailed
	case sr.ok > 0 && (sr.failed > 0 || discoveryErr != nil || stoppedEarly):
		return harvest.SourceStatusPartial
	default:
		return harvest.SourceStatusCompleted
	}
}

// runSource drives one adapter and waits for every candidate it submitted.
func (r *jobRun) runSource(src string, adapter harvest.SourceAdapter) {
	ctx := r.ctx
	if limit := r.s.cfg.PerSourceTimeout; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	logger := r.logger.With(zap.String("source", src))
	limit := r.spec.PerSourceMax
	if limit == 0 {
		r.finishSource(src, harvest.SourceStatusCompleted, nil)
		return
	}
	r.reporter.Emit(progress.Event{Kind: progress.KindSourceStart, Source: src})

	var minInterval time.Duration
	if h, ok := adapter.(harvest.IntervalHinter); ok {
		minInterval = h.MinInterval()
	}

	sr := newSourceRun(src, 2*r.s.cfg.PerSourceParallelism)
	submitted := 0
	stoppedEarly := false
	yield := func(c harvest.CandidateURL) bool {
		if submitted >= limit {
			return false
		}
		if ctx.Err() != nil || r.capReached() {
			stoppedEarly = true
			return false
		}
		c.SourceID = src
		r.reporter.Emit(progress.Event{Kind: progress.KindDetected, Source: src, URL: c.URL})

		select {
		case sr.slots <- struct{}{}:
		case <-ctx.Done():
			stoppedEarly = true
			return false
		}
		sr.inflight.Add(1)
		err := r.queue.Enqueue(ctx, task{
			ctx: ctx,
			item: worker.Item{
				JobID:        r.id,
				Requester:    r.spec.Requester,
				Candidate:    c,
				ContentTypes: r.spec.ContentTypes,
				MinInterval:  minInterval,
				Gate:         r.gate,
				Events:       r.reporter,
			},
			source: sr,
		})
		if err != nil {
			sr.release()
			stoppedEarly = true
			return false
		}
		submitted++
		return submitted < limit
	}

	err := adapter.Discover(ctx, harvest.DiscoverRequest{
		Query:        r.spec.Query,
		MaxItems:     limit,
		SafeSearch:   r.spec.SafeSearch,
		Quality:      r.spec.Quality,
		ContentTypes: r.spec.ContentTypes,
	}, yield)
	sr.inflight.Wait()

	var discoveryErr error
	switch {
	case ctx.Err() != nil:
		stoppedEarly = true
	case err != nil:
		discoveryErr = fmt.Errorf("%w: %s: %w", harvest.ErrDiscovery, src, err)
		logger.Warn("discovery failed", zap.Error(err))
	}
	status := sr.status(discoveryErr, stoppedEarly)
	logger.Debug("source finished",
		zap.String("status", string(status)),
		zap.Int("submitted", submitted),
		zap.Bool("stopped_early", stoppedEarly))
	r.finishSource(src, status, discoveryErr)
}

func (r *jobRun) finishSource(src string, status harvest.SourceStatus, err error) {
	r.mu.Lock()
	r.statuses[src] = status
	r.mu.Unlock()
	r.reporter.Emit(progress.Event{
		Kind:         progress.KindSourceDone,
		Source:       src,
		SourceStatus: status,
		Err:          err,
	})
}
