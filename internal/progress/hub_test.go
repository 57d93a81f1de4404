package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindJobStart))
	hub.Emit(sampleEvent(KindJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindDetected))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for i := 0; i < 100; i++ {
		hub.Emit(sampleEvent(KindDetected))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(KindJobStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(KindJobStart))
	require.Len(t, sink.Batches(), 1, "emit after close is ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Kind: KindJobStart})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestReporterForwardsToHub(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, sink)
	job := sampleJob("alpha")
	r := NewReporter(job, ReporterConfig{Store: newRecordingStore(job), Hub: hub})

	r.Emit(Event{Kind: KindJobStart})
	require.NoError(t, r.Finish(context.Background(), harvest.JobStatusCompleted, "done"))
	require.NoError(t, hub.Close(context.Background()))

	var kinds []Kind
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			require.Equal(t, job.ID, evt.JobID)
			kinds = append(kinds, evt.Kind)
		}
	}
	require.Equal(t, []Kind{KindJobStart, KindJobDone}, kinds)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"job start", Event{JobID: "j", TS: now, Kind: KindJobStart}, true},
		{"missing job", Event{TS: now, Kind: KindJobStart}, false},
		{"missing ts", Event{JobID: "j", Kind: KindJobStart}, false},
		{"detected without source", Event{JobID: "j", TS: now, Kind: KindDetected}, false},
		{"download without result", Event{JobID: "j", TS: now, Kind: KindDownload, Source: "s"}, false},
		{"source done without status", Event{JobID: "j", TS: now, Kind: KindSourceDone, Source: "s"}, false},
		{"job done running", Event{JobID: "j", TS: now, Kind: KindJobDone, JobStatus: harvest.JobStatusRunning}, false},
		{"job done completed", Event{JobID: "j", TS: now, Kind: KindJobDone, JobStatus: harvest.JobStatusCompleted}, true},
		{"unknown kind", Event{JobID: "j", TS: now, Kind: "NOPE"}, false},
		{"negative duration", Event{JobID: "j", TS: now, Kind: KindJobStart, Dur: -time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(kind Kind) Event {
	evt := Event{
		JobID:  "job-1",
		TS:     time.Now(),
		Kind:   kind,
		Source: "example",
	}
	if kind == KindDownload {
		evt.Result = &harvest.DownloadResult{Status: harvest.DownloadOK, Bytes: 512}
	}
	return evt
}
