package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		JobID: "00000000-0000-0000-0000-000000000001",
		TS:    time.Unix(0, 0),
		Kind:  KindJobStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that totals downloaded bytes.
func ExampleSink() {
	var total int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Kind == KindDownload && evt.Result.Status == harvest.DownloadOK {
				total += evt.Result.Bytes
			}
		}
		return nil
	})
	hub := NewHub(HubConfig{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(Event{
		JobID:  "00000000-0000-0000-0000-000000000002",
		TS:     time.Unix(0, 0),
		Kind:   KindDownload,
		Source: "wikimedia",
		Result: &harvest.DownloadResult{Status: harvest.DownloadOK, Bytes: 512},
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes downloaded: %d\n", total)
	// Output:
	// bytes downloaded: 512
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
