package fetcher

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const sniffLen = 512

// progressWriter counts bytes on their way to the sink and enforces the size cap.
type progressWriter struct {
	ctx      context.Context
	writer   io.Writer
	maxBytes int64

	bytes        atomic.Int64
	lastProgress atomic.Int64

	headMu sync.Mutex
	head   []byte
}

func newProgressWriter(ctx context.Context, w io.Writer, maxBytes int64) *progressWriter {
	pw := &progressWriter{ctx: ctx, writer: w, maxBytes: maxBytes}
	pw.lastProgress.Store(time.Now().UnixNano())
	return pw
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	if err := pw.ctx.Err(); err != nil {
		return 0, harvest.NewFetchError(harvest.KindCancelled, 0, err)
	}
	total := pw.bytes.Load() + int64(len(p))
	if pw.maxBytes > 0 && total > pw.maxBytes {
		return 0, harvest.NewFetchError(harvest.KindTooLarge, 0,
			fmt.Errorf("body exceeds %d bytes", pw.maxBytes))
	}
	pw.captureHead(p)
	n, err := pw.writer.Write(p)
	pw.bytes.Add(int64(n))
	if n > 0 {
		pw.lastProgress.Store(time.Now().UnixNano())
	}
	if err != nil {
		return n, fmt.Errorf("write sink: %w", err)
	}
	return n, nil
}

func (pw *progressWriter) captureHead(p []byte) {
	pw.headMu.Lock()
	defer pw.headMu.Unlock()
	if missing := sniffLen - len(pw.head); missing > 0 {
		if missing > len(p) {
			missing = len(p)
		}
		pw.head = append(pw.head, p[:missing]...)
	}
}

// Head returns the first bytes of the body for signature sniffing.
func (pw *progressWriter) Head() []byte {
	pw.headMu.Lock()
	defer pw.headMu.Unlock()
	return append([]byte(nil), pw.head...)
}

// BytesComplete returns the bytes written so far.
func (pw *progressWriter) BytesComplete() int64 {
	return pw.bytes.Load()
}

// LastProgress is the time of the most recent non-empty write.
func (pw *progressWriter) LastProgress() time.Time {
	return time.Unix(0, pw.lastProgress.Load())
}

type sample struct {
	at    time.Time
	bytes int64
}

// stallWindow tracks throughput over a trailing window of fixed length.
type stallWindow struct {
	window  time.Duration
	minBPS  int64
	start   time.Time
	samples []sample
}

func newStallWindow(window time.Duration, minBPS int64, start time.Time) *stallWindow {
	return &stallWindow{
		window:  window,
		minBPS:  minBPS,
		start:   start,
		samples: []sample{{at: start, bytes: 0}},
	}
}

// Observe records the byte count at now and reports the trailing rate in bytes per
// second and whether the transfer is stalled. A transfer is never stalled before a
// full window has elapsed.
func (s *stallWindow) Observe(now time.Time, bytes int64) (int64, bool) {
	if s.window <= 0 || s.minBPS <= 0 {
		return 0, false
	}
	s.samples = append(s.samples, sample{at: now, bytes: bytes})
	if now.Sub(s.start) < s.window {
		return 0, false
	}
	cutoff := now.Add(-s.window)
	// Keep the newest sample at or before the cutoff as the window's left edge.
	edge := 0
	for i, smp := range s.samples {
		if smp.at.After(cutoff) {
			break
		}
		edge = i
	}
	s.samples = s.samples[edge:]
	base := s.samples[0]
	span := now.Sub(base.at)
	if span <= 0 {
		return 0, false
	}
	rate := int64(float64(bytes-base.bytes) / span.Seconds())
	return rate, rate < s.minBPS
}
