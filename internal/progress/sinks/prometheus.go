package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

// PrometheusSink exports job and download progress via Prometheus.
type PrometheusSink struct {
	jobsStarted prometheus.Counter
	jobsRunning prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec

	downloads        *prometheus.CounterVec
	downloadBytes    *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Download outcomes partitioned by source and status.",
		}, []string{"source", "status"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_bytes_total",
			Help: "Bytes stored per source.",
		}, []string{"source"}),
		downloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_download_duration_seconds",
			Help:    "Wall time per successful download.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_retries_total",
			Help: "Retry attempts per source.",
		}, []string{"source"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsRunning,
		s.jobRuntime,
		s.downloads,
		s.downloadBytes,
		s.downloadDuration,
		s.retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case progress.KindJobDone:
		if started, ok := s.tracker.complete(evt.JobID); ok {
			s.jobsRunning.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.jobRuntime.WithLabelValues(string(evt.JobStatus)).Observe(d.Seconds())
			}
		}
	case progress.KindDownload:
		s.handleDownload(evt)
	case progress.KindRetry:
		s.retries.WithLabelValues(sourceLabel(evt.Source)).Inc()
	}
}

func (s *PrometheusSink) handleDownload(evt progress.Event) {
	source := sourceLabel(evt.Source)
	res := evt.Result
	s.downloads.WithLabelValues(source, string(res.Status)).Inc()
	if res.Status != harvest.DownloadOK {
		return
	}
	if res.Bytes > 0 {
		s.downloadBytes.WithLabelValues(source).Add(float64(res.Bytes))
	}
	if res.Duration > 0 {
		s.downloadDuration.WithLabelValues(source).Observe(res.Duration.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = ts
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return started, ok
}
