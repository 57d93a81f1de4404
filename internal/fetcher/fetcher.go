// Package fetcher streams single HTTP GETs to a sink with timeout, stall and size enforcement.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ChunkSize is the read granularity; cancellation is observed between chunks.
const ChunkSize = 32 * 1024

// Config controls timeouts and limits for every fetch made by a Fetcher.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MinSpeedBPS    int64
	StallWindow    time.Duration
	MaxBytes       int64
	UserAgent      string
	Logger         *zap.Logger
}

// Request describes one GET.
type Request struct {
	URL     string
	Referer string
	Headers map[string]string
}

// Result describes a completed (or partially completed) transfer.
type Result struct {
	Bytes         int64
	MIME          string
	StatusCode    int
	ContentLength int64
	Elapsed       time.Duration
}

// Fetcher owns an HTTP client and connection pool. Workers each hold their own.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Fetcher with its own transport and cookie jar.
func New(cfg Config) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, _ := cookiejar.New(nil) //nolint:errcheck // nil options never fail
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: newHTTPTransport(cfg),
			Jar:       jar,
		},
		logger: logger,
	}
}

// Fetch performs the GET and streams the body to sink.
func (f *Fetcher) Fetch(ctx context.Context, request Request, sink io.Writer) (Result, error) {
	start := time.Now()
	result := Result{ContentLength: -1}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, request.URL, nil)
	if err != nil {
		return result, harvest.NewFetchError(harvest.KindClient, 0, fmt.Errorf("build request: %w", err))
	}
	f.applyHeaders(req, request)

	resp, err := f.client.Do(req)
	if err != nil {
		result.Elapsed = time.Since(start)
		return result, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body drained or aborted below

	result.StatusCode = resp.StatusCode
	result.ContentLength = resp.ContentLength
	if kind, ok := statusKind(resp.StatusCode); !ok {
		result.Elapsed = time.Since(start)
		return result, harvest.NewFetchError(kind, resp.StatusCode, nil)
	}
	if f.cfg.MaxBytes > 0 && resp.ContentLength > f.cfg.MaxBytes {
		result.Elapsed = time.Since(start)
		return result, harvest.NewFetchError(harvest.KindTooLarge, resp.StatusCode,
			fmt.Errorf("content-length %d exceeds %d", resp.ContentLength, f.cfg.MaxBytes))
	}

	pw := newProgressWriter(ctx, sink, f.cfg.MaxBytes)
	err = f.stream(ctx, cancel, resp.Body, pw)
	result.Bytes = pw.BytesComplete()
	result.MIME = DetectMIME(resp.Header.Get("Content-Type"), request.URL, pw.Head())
	result.Elapsed = time.Since(start)
	if err != nil {
		f.logger.Debug("fetch aborted",
			zap.String("url", request.URL),
			zap.Int64("bytes", result.Bytes),
			zap.Error(err))
		return result, err
	}
	return result, nil
}

// stream copies body into pw on a separate goroutine while the caller's goroutine
// watches for idle reads, slow transfers and cancellation.
func (f *Fetcher) stream(ctx context.Context, abort context.CancelFunc, body io.Reader, pw *progressWriter) error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, ChunkSize)
		_, err := io.CopyBuffer(pw, onlyReader{body}, buf)
		done <- err
		close(done)
	}()

	window := newStallWindow(f.cfg.StallWindow, f.cfg.MinSpeedBPS, time.Now())
	ticker := time.NewTicker(tickInterval(f.cfg.ReadTimeout, f.cfg.StallWindow))
	defer ticker.Stop()

	finish := func(err error) error {
		abort()
		<-done
		return err
	}

	for {
		select {
		case err := <-done:
			return classifyStreamError(ctx, err)
		case <-ctx.Done():
			return finish(harvest.NewFetchError(harvest.KindCancelled, 0, ctx.Err()))
		case now := <-ticker.C:
			if idle := now.Sub(pw.LastProgress()); f.cfg.ReadTimeout > 0 && idle >= f.cfg.ReadTimeout {
				return finish(harvest.NewFetchError(harvest.KindTimeoutRead, 0,
					fmt.Errorf("no data for %s", idle.Truncate(time.Millisecond))))
			}
			if rate, stalled := window.Observe(now, pw.BytesComplete()); stalled {
				return finish(harvest.NewFetchError(harvest.KindStalled, 0,
					fmt.Errorf("%d B/s below minimum %d B/s over %s", rate, f.cfg.MinSpeedBPS, f.cfg.StallWindow)))
			}
		}
	}
}

func (f *Fetcher) applyHeaders(req *http.Request, request Request) {
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if request.Referer != "" {
		req.Header.Set("Referer", request.Referer)
	}
	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}
}

// statusKind maps a response status to its error kind; ok is true for 2xx.
func statusKind(code int) (harvest.ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return harvest.KindNone, true
	case code == http.StatusTooManyRequests || code >= 500:
		return harvest.KindServer, false
	default:
		return harvest.KindClient, false
	}
}

func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return harvest.NewFetchError(harvest.KindCancelled, 0, ctx.Err())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return harvest.NewFetchError(harvest.KindTimeoutConnect, 0, err)
		}
		return harvest.NewFetchError(harvest.KindTransport, 0, err)
	}
	if strings.Contains(err.Error(), "TLS handshake timeout") {
		return harvest.NewFetchError(harvest.KindTimeoutConnect, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.NewFetchError(harvest.KindTimeoutRead, 0, err)
	}
	return harvest.NewFetchError(harvest.KindTransport, 0, err)
}

func classifyStreamError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var fe *harvest.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if ctx.Err() != nil {
		return harvest.NewFetchError(harvest.KindCancelled, 0, ctx.Err())
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return harvest.NewFetchError(harvest.KindTransport, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.NewFetchError(harvest.KindTimeoutRead, 0, err)
	}
	return harvest.NewFetchError(harvest.KindTransport, 0, err)
}

// tickInterval is a tenth of the tighter limit, clamped to [10ms, 1s].
func tickInterval(readTimeout, stallWindow time.Duration) time.Duration {
	limit := readTimeout
	if stallWindow > 0 && stallWindow < limit {
		limit = stallWindow
	}
	tick := limit / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

func newHTTPTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// onlyReader hides WriterTo so CopyBuffer always uses our chunk size.
type onlyReader struct {
	io.Reader
}

