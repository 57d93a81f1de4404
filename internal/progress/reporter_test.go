package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type recordingStore struct {
	mu      sync.Mutex
	job     harvest.Job
	updates []harvest.JobPatch
}

func newRecordingStore(job harvest.Job) *recordingStore {
	return &recordingStore{job: job.Clone()}
}

func (s *recordingStore) Create(context.Context, harvest.JobSpec) (string, error) {
	return "", errors.New("not implemented")
}

func (s *recordingStore) Update(_ context.Context, _ string, patch harvest.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, patch)
	return s.job.Apply(patch)
}

func (s *recordingStore) Get(context.Context, string) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Clone(), nil
}

func (s *recordingStore) Cancel(context.Context, string) error { return nil }

func (s *recordingStore) Updates() []harvest.JobPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.JobPatch(nil), s.updates...)
}

func (s *recordingStore) Job() harvest.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Clone()
}

func sampleJob(sources ...string) harvest.Job {
	return harvest.Job{
		ID:     "job-1",
		Status: harvest.JobStatusPending,
		Spec: harvest.JobSpec{
			Query:        "cats",
			Sources:      sources,
			PerSourceMax: 4,
			SafeSearch:   true,
			ContentTypes: []harvest.ContentType{harvest.ContentImage},
		},
	}
}

func okResult(path string, size int64, ct harvest.ContentType) *harvest.DownloadResult {
	return &harvest.DownloadResult{Status: harvest.DownloadOK, Path: path, Bytes: size, ContentType: ct}
}

func TestReporterFoldsEvents(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha", "beta")
	store := newRecordingStore(job)
	r := NewReporter(job, ReporterConfig{Store: store, FlushInterval: 10 * time.Millisecond})

	r.Emit(Event{Kind: KindJobStart})
	r.Emit(Event{Kind: KindSourceStart, Source: "alpha"})
	for i := 0; i < 3; i++ {
		r.Emit(Event{Kind: KindDetected, Source: "alpha"})
	}
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: okResult("/tmp/a/1.jpg", 100, harvest.ContentImage)})
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: okResult("/tmp/a/2.mp4", 50, harvest.ContentVideo)})
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: &harvest.DownloadResult{
		Status: harvest.DownloadFailed,
		Err:    harvest.NewFetchError(harvest.KindServer, 500, nil),
	}})
	r.Emit(Event{Kind: KindSourceDone, Source: "alpha", SourceStatus: harvest.SourceStatusPartial})

	require.Eventually(t, func() bool {
		return r.Snapshot().PerSource["alpha"].Status == harvest.SourceStatusPartial
	}, time.Second, 2*time.Millisecond)
	snap := r.Snapshot()
	require.Equal(t, harvest.JobStatusRunning, snap.Status)
	require.Equal(t, 25, snap.Progress, "2 of 4 on one of two sources")
	require.Equal(t, "Downloaded 2.mp4", snap.RecentEvents[0].Message)

	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCompleted, "Search completed: 2 files (1 images, 1 videos)"))

	final := store.Job()
	require.Equal(t, harvest.JobStatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, 3, final.Detected)
	require.Equal(t, 2, final.Downloaded)
	require.Equal(t, 1, final.Failed)
	require.Equal(t, 1, final.Images)
	require.Equal(t, 1, final.Videos)
	require.Equal(t, int64(150), final.Bytes)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.EndedAt)

	alpha := final.PerSource["alpha"]
	require.Equal(t, harvest.SourceStatusPartial, alpha.Status)
	require.Equal(t, 3, alpha.Detected)
	require.Equal(t, 2, alpha.Downloaded)
	require.Contains(t, alpha.LastError, "server")
	require.Equal(t, harvest.SourceStatusPending, final.PerSource["beta"].Status)

	messages := make([]string, 0, len(final.RecentEvents))
	for _, e := range final.RecentEvents {
		messages = append(messages, e.Message)
	}
	require.Equal(t, []string{
		"Search completed: 2 files (1 images, 1 videos)",
		"Downloaded 2.mp4",
		"Downloaded 1.jpg",
		"Downloading from alpha...",
		"Starting image search (Safe search: ON)...",
	}, messages)
}

func TestReporterRunningFlushedImmediately(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	store := newRecordingStore(job)
	r := NewReporter(job, ReporterConfig{Store: store, FlushInterval: time.Hour})
	defer r.Finish(context.Background(), harvest.JobStatusCancelled, "") //nolint:errcheck // cleanup

	r.Emit(Event{Kind: KindJobStart})
	select {
	case <-r.Started():
	case <-time.After(time.Second):
		t.Fatal("running transition was not flushed")
	}
	require.Equal(t, harvest.JobStatusRunning, store.Job().Status)
}

func TestReporterDebouncesUpdates(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	store := newRecordingStore(job)
	r := NewReporter(job, ReporterConfig{Store: store, FlushInterval: 200 * time.Millisecond})

	r.Emit(Event{Kind: KindJobStart})
	for i := 0; i < 50; i++ {
		r.Emit(Event{Kind: KindDetected, Source: "alpha"})
	}
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, len(store.Updates()), 2, "bursts are coalesced")

	require.Eventually(t, func() bool {
		return store.Job().Detected == 50
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCompleted, ""))
}

func TestReporterIgnoresEventsAfterTerminal(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	store := newRecordingStore(job)
	r := NewReporter(job, ReporterConfig{Store: store, FlushInterval: 5 * time.Millisecond})

	r.Emit(Event{Kind: KindJobStart})
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCancelled, "Job cancelled"))
	count := len(store.Updates())

	r.Emit(Event{Kind: KindDetected, Source: "alpha"})
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: okResult("x.jpg", 1, harvest.ContentImage)})
	time.Sleep(30 * time.Millisecond)

	require.Len(t, store.Updates(), count)
	snap := r.Snapshot()
	require.Equal(t, harvest.JobStatusCancelled, snap.Status)
	require.Equal(t, 100, snap.Progress)
	require.Zero(t, snap.Detected)
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCompleted, "again"))
}

func TestReporterCancelledResultsAreNotFailures(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	r := NewReporter(job, ReporterConfig{Store: newRecordingStore(job)})
	r.Emit(Event{Kind: KindDetected, Source: "alpha"})
	r.Emit(Event{Kind: KindDetected, Source: "alpha"})
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: &harvest.DownloadResult{
		Status: harvest.DownloadFailed,
		Err:    harvest.NewFetchError(harvest.KindCancelled, 0, context.Canceled),
	}})
	r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: &harvest.DownloadResult{Status: harvest.DownloadSkippedDuplicate}})
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCancelled, ""))

	snap := r.Snapshot()
	require.Zero(t, snap.Failed)
	require.Equal(t, 1, snap.Skipped)
	require.Equal(t, 1, snap.PerSource["alpha"].Skipped)
}

func TestReporterCapsRecentEvents(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	r := NewReporter(job, ReporterConfig{Store: newRecordingStore(job)})
	for i := 0; i < 30; i++ {
		r.Emit(Event{Kind: KindRetry, Source: "alpha", Attempt: i + 1, MaxAttempts: 30})
	}
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusError, "boom"))

	snap := r.Snapshot()
	require.Len(t, snap.RecentEvents, harvest.MaxRecentEvents)
	require.Equal(t, "boom", snap.RecentEvents[0].Message)
	require.Equal(t, "Retrying alpha (attempt 30/30)...", snap.RecentEvents[1].Message)
}

func TestReporterNotesCircuitOnce(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	r := NewReporter(job, ReporterConfig{Store: newRecordingStore(job)})
	for i := 0; i < 3; i++ {
		r.Emit(Event{Kind: KindCircuitOpen, Source: "alpha"})
	}
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusError, ""))
	require.Len(t, r.Snapshot().RecentEvents, 1)
	require.Equal(t, "Circuit open for alpha; skipping", r.Snapshot().RecentEvents[0].Message)
}

func TestReporterProgressMonotonic(t *testing.T) {
	t.Parallel()

	job := sampleJob("alpha")
	job.Spec.PerSourceMax = 3
	store := newRecordingStore(job)
	r := NewReporter(job, ReporterConfig{Store: store, FlushInterval: time.Millisecond})

	last := 0
	for i := 0; i < 5; i++ {
		r.Emit(Event{Kind: KindDownload, Source: "alpha", Result: okResult(fmt.Sprintf("%d.jpg", i), 1, harvest.ContentImage)})
		require.Eventually(t, func() bool { return r.Snapshot().Downloaded == i+1 }, time.Second, time.Millisecond)
		p := r.Snapshot().Progress
		require.GreaterOrEqual(t, p, last)
		require.LessOrEqual(t, p, 99)
		last = p
	}
	require.Equal(t, 99, last, "capped while running")
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCompleted, ""))
	require.Equal(t, 100, store.Job().Progress)
}

func TestComputeProgress(t *testing.T) {
	t.Parallel()

	job := harvest.Job{
		Spec: harvest.JobSpec{Sources: []string{"a", "b"}, PerSourceMax: 10},
		PerSource: map[string]harvest.SourceProgress{
			"a": {Downloaded: 20},
			"b": {Downloaded: 5},
		},
	}
	require.Equal(t, 75, ComputeProgress(job))

	job.Spec.PerSourceMax = 0
	require.Equal(t, 0, ComputeProgress(job))
	require.Equal(t, 0, ComputeProgress(harvest.Job{}))
}
