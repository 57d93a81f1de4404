// Package worker downloads a single candidate URL through the circuit breaker,
// deduper, domain throttle and retry loop, and hands finished files to the
// asset store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/fetcher"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	hashsha "github.com/JakeFAU/media-harvester/internal/hash/sha256"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

// ErrCircuitOpen marks candidates skipped because their source's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker is the subset of the circuit breaker the worker consults.
type Breaker interface {
	IsOpen(source string) bool
	Tripped(source string) bool
	RecordSuccess(source string)
	RecordFailure(source string)
	ReleaseProbe(source string)
}

// Deduper records URLs already attempted by this process.
type Deduper interface {
	TryInsert(rawURL string) bool
}

// Throttler spaces requests to the same host.
type Throttler interface {
	Wait(ctx context.Context, rawURL string, minInterval time.Duration) error
}

// Fetcher streams one URL into a sink.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request, sink io.Writer) (fetcher.Result, error)
}

// Gate reserves one unit of a job's item budget.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Config controls Worker behavior.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	DownloadDir string
	HTTP        fetcher.Config
}

// Deps are the shared collaborators of every worker in the process.
type Deps struct {
	Breaker  Breaker
	Deduper  Deduper
	Throttle Throttler
	Assets   harvest.AssetStore
	// Fetcher overrides the worker's own HTTP fetcher.
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Item is one candidate handed to a worker.
type Item struct {
	JobID        string
	Requester    string
	Candidate    harvest.CandidateURL
	ContentTypes []harvest.ContentType
	MinInterval  time.Duration
	Gate         Gate
	Events       progress.Emitter
}

func (it Item) emit(evt progress.Event) {
	if it.Events != nil {
		it.Events.Emit(evt)
	}
}

func (it Item) allows(ct harvest.ContentType) bool {
	return harvest.JobSpec{ContentTypes: it.ContentTypes}.Allows(ct)
}

// Worker executes the download pipeline for one candidate at a time.
type Worker struct {
	cfg     Config
	deps    Deps
	fetcher Fetcher
	hasher  *hashsha.Hasher
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker with its own HTTP fetcher.
func New(cfg Config, deps Deps) *Worker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := deps.Fetcher
	if f == nil {
		httpCfg := cfg.HTTP
		httpCfg.Logger = logger
		f = fetcher.New(httpCfg)
	}
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		fetcher: f,
		hasher:  hashsha.New(),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Process downloads item and returns its outcome. It never returns a nil-status result.
func (w *Worker) Process(ctx context.Context, item Item) harvest.DownloadResult {
	start := time.Now()
	cand := item.Candidate
	source := cand.SourceID
	res := harvest.DownloadResult{Candidate: cand}
	logger := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("source", source),
		zap.String("url", cand.URL),
	)

	if w.deps.Breaker.IsOpen(source) {
		return circuitOpen(item, res)
	}
	if !w.deps.Deduper.TryInsert(cand.URL) {
		w.deps.Breaker.ReleaseProbe(source)
		res.Status = harvest.DownloadSkippedDuplicate
		return res
	}
	if hint := cand.HintContentType; hint != "" && hint != harvest.ContentUnknown && !item.allows(hint) {
		w.deps.Breaker.ReleaseProbe(source)
		res.Status = harvest.DownloadSkippedBlocked
		return res
	}
	if item.Gate != nil {
		if err := item.Gate.Acquire(ctx); err != nil {
			w.deps.Breaker.ReleaseProbe(source)
			res.Status = harvest.DownloadFailed
			res.Err = harvest.NewFetchError(harvest.KindCancelled, 0, err)
			return res
		}
	}

	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()

	res = w.download(ctx, item, logger)
	res.Duration = time.Since(start)
	if res.Status != harvest.DownloadOK && item.Gate != nil {
		item.Gate.Release()
	}
	return res
}

func (w *Worker) download(ctx context.Context, item Item, logger *zap.Logger) harvest.DownloadResult {
	cand := item.Candidate
	source := cand.SourceID
	res := harvest.DownloadResult{Candidate: cand}

	dir := filepath.Join(w.cfg.DownloadDir, safeSegment(item.JobID), safeSegment(source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.deps.Breaker.ReleaseProbe(source)
		res.Status = harvest.DownloadFailed
		res.Err = fmt.Errorf("create download dir: %w", err)
		return res
	}
	key, _ := w.hasher.Hash([]byte(cand.URL)) //nolint:errcheck // sha256 never fails
	key = key[:16]
	partPath := filepath.Join(dir, key+".part")

	var (
		fr      fetcher.Result
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		if err := w.deps.Throttle.Wait(ctx, cand.URL, item.MinInterval); err != nil {
			lastErr = harvest.NewFetchError(harvest.KindCancelled, 0, err)
			break
		}
		// Other workers may have opened the breaker while this one waited.
		if w.deps.Breaker.Tripped(source) {
			if attempt == 0 {
				w.deps.Breaker.ReleaseProbe(source)
				logger.Debug("circuit opened before request")
				return circuitOpen(item, res)
			}
			break
		}
		fr, lastErr = w.fetchTo(ctx, cand, partPath)
		if lastErr == nil {
			break
		}
		metrics.ObserveFetchError(source, string(harvest.KindOf(lastErr)))
		logger.Debug("download attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))

		delay, retry := RetryDecision(lastErr, attempt+1, w.cfg.MaxRetries, w.cfg.BackoffBase)
		if !retry {
			break
		}
		res.RetriesUsed = attempt + 1
		item.emit(progress.Event{
			Kind:        progress.KindRetry,
			Source:      source,
			URL:         cand.URL,
			Attempt:     attempt + 2,
			MaxAttempts: w.cfg.MaxRetries + 1,
		})
		if err := w.sleep(ctx, delay); err != nil {
			lastErr = harvest.NewFetchError(harvest.KindCancelled, 0, err)
			break
		}
	}

	if lastErr != nil {
		removeQuiet(partPath)
		if harvest.KindOf(lastErr) == harvest.KindCancelled {
			w.deps.Breaker.ReleaseProbe(source)
		} else {
			w.deps.Breaker.RecordFailure(source)
		}
		res.Status = harvest.DownloadFailed
		res.Bytes = fr.Bytes
		res.Err = lastErr
		return res
	}
	return w.finalize(ctx, item, res, fr, dir, key, partPath, logger)
}

func (w *Worker) fetchTo(ctx context.Context, cand harvest.CandidateURL, partPath string) (fetcher.Result, error) {
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fetcher.Result{}, harvest.NewFetchError(harvest.KindTransport, 0, fmt.Errorf("open part file: %w", err))
	}
	result, fetchErr := w.fetcher.Fetch(ctx, fetcher.Request{
		URL:     cand.URL,
		Referer: cand.Referer,
		Headers: cand.Headers,
	}, f)
	if closeErr := f.Close(); closeErr != nil && fetchErr == nil {
		fetchErr = harvest.NewFetchError(harvest.KindTransport, result.StatusCode, fmt.Errorf("close part file: %w", closeErr))
	}
	return result, fetchErr
}

func (w *Worker) finalize(
	ctx context.Context,
	item Item,
	res harvest.DownloadResult,
	fr fetcher.Result,
	dir, key, partPath string,
	logger *zap.Logger,
) harvest.DownloadResult {
	cand := item.Candidate
	source := cand.SourceID
	res.Bytes = fr.Bytes
	res.MIME = fr.MIME

	ct := harvest.ClassifyMIME(fr.MIME)
	// The hint only stands in when nothing identified the payload; a declared
	// non-media type such as text/html is excluded below.
	if ct == harvest.ContentUnknown && fr.MIME == fetcher.OctetStream && cand.HintContentType != "" {
		ct = cand.HintContentType
	}
	res.ContentType = ct
	if !item.allows(ct) {
		removeQuiet(partPath)
		w.deps.Breaker.RecordSuccess(source)
		res.Status = harvest.DownloadSkippedBlocked
		logger.Debug("content type excluded", zap.String("mime", fr.MIME))
		return res
	}

	finalPath, err := reservePath(dir, key, fetcher.ExtensionFor(fr.MIME))
	if err == nil {
		err = os.Rename(partPath, finalPath)
	}
	if err != nil {
		removeQuiet(partPath)
		w.deps.Breaker.ReleaseProbe(source)
		res.Status = harvest.DownloadFailed
		res.Err = fmt.Errorf("finalize download: %w", err)
		return res
	}
	w.deps.Breaker.RecordSuccess(source)
	res.Path = finalPath

	if w.deps.Assets != nil {
		assetID, err := w.deps.Assets.Store(ctx, item.JobID, item.Requester, finalPath, cand, res)
		if err != nil {
			logger.Warn("asset store failed", zap.String("path", finalPath), zap.Error(err))
			res.Status = harvest.DownloadFailed
			res.Err = fmt.Errorf("store asset: %w", err)
			return res
		}
		res.AssetID = assetID
	}
	res.Status = harvest.DownloadOK
	logger.Debug("download stored",
		zap.String("path", finalPath),
		zap.Int64("bytes", res.Bytes),
		zap.String("mime", res.MIME),
		zap.String("asset_id", res.AssetID))
	return res
}

func circuitOpen(item Item, res harvest.DownloadResult) harvest.DownloadResult {
	cand := item.Candidate
	item.emit(progress.Event{Kind: progress.KindCircuitOpen, Source: cand.SourceID, URL: cand.URL})
	res.Status = harvest.DownloadSkippedBlocked
	res.Err = ErrCircuitOpen
	return res
}

// reservePath creates an empty file at dir/key+ext, or key_N+ext on collision.
func reservePath(dir, key, ext string) (string, error) {
	for i := 0; i < 1000; i++ {
		name := key
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		p := filepath.Join(dir, name+ext)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("close reserved file: %w", err)
			}
			return p, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("no free file name for %s%s", key, ext)
}

func safeSegment(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func removeQuiet(path string) {
	_ = os.Remove(path) //nolint:errcheck // best effort cleanup of partial files
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
