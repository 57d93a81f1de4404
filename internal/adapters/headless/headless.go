package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/media-harvester/internal/adapters/candidate"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const (
	defaultNavTimeout = 45 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// collectScript lists media referenced by the rendered DOM. Browser-resolved
// properties (currentSrc, href) are used so relative URLs come back absolute.
const collectScript = `(() => {
  const out = [];
  const push = (url, kind, title) => {
    if (url && !url.startsWith('data:') && !url.startsWith('blob:')) {
      out.push({url: url, kind: kind, title: (title || '').trim()});
    }
  };
  document.querySelectorAll('img').forEach(el =>
    push(el.currentSrc || el.src || (el.dataset && el.dataset.src), 'image', el.alt || el.title));
  document.querySelectorAll('video').forEach(el => {
    push(el.currentSrc || el.src, 'video', el.title);
    el.querySelectorAll('source').forEach(s => push(s.src, 'video', el.title));
  });
  document.querySelectorAll('a[href]').forEach(el => push(el.href, '', el.textContent));
  return out;
})()`

// Config controls one headless source.
type Config struct {
	ID           string
	SearchURL    string
	UserAgent    string
	WaitSelector string
	Headers      http.Header
	NavTimeout   time.Duration
	MinInterval  time.Duration
}

// Adapter renders cfg.SearchURL and yields the media it finds.
type Adapter struct {
	cfg     Config
	browser *Browser
}

type mediaRef struct {
	URL   string `json:"url"`
	Kind  string `json:"kind"`
	Title string `json:"title"`
}

// New builds a headless adapter on top of a shared Browser.
func New(browser *Browser, cfg Config) (*Adapter, error) {
	if browser == nil {
		return nil, fmt.Errorf("headless browser is required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("headless adapter id is required")
	}
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("headless adapter %s has no search url", cfg.ID)
	}
	return &Adapter{cfg: cfg, browser: browser}, nil
}

// MinInterval implements harvest.IntervalHinter.
func (a *Adapter) MinInterval() time.Duration {
	return a.cfg.MinInterval
}

// Discover implements harvest.SourceAdapter.
func (a *Adapter) Discover(ctx context.Context, req harvest.DiscoverRequest, yield func(harvest.CandidateURL) bool) error {
	if req.MaxItems <= 0 {
		return nil
	}
	if err := a.browser.acquire(ctx); err != nil {
		return err
	}
	page := candidate.Expand(a.cfg.SearchURL, req.Query, req.SafeSearch)
	refs, finalURL, err := a.render(ctx, page)
	a.browser.release()
	if err != nil {
		return err
	}

	for _, c := range toCandidates(a.cfg.ID, finalURL, refs, req) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("headless discover: %w", err)
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

func (a *Adapter) render(ctx context.Context, page string) ([]mediaRef, string, error) {
	taskCtx, taskCancel := chromedp.NewContext(a.browser.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.navTimeout())
	defer cancel()

	meta := &documentStatus{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	wait := a.cfg.WaitSelector
	if wait == "" {
		wait = "body"
	}
	var (
		refs     []mediaRef
		finalURL string
	)
	err := chromedp.Run(taskCtx,
		a.networkSetupAction(),
		chromedp.Navigate(page),
		chromedp.WaitReady(wait, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(collectScript, &refs),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("headless render canceled: %w", ctx.Err())
		}
		return nil, "", fmt.Errorf("chromedp run: %w", err)
	}
	if code := meta.get(); code >= http.StatusBadRequest {
		kind := harvest.KindClient
		if code >= http.StatusInternalServerError {
			kind = harvest.KindServer
		}
		return nil, "", harvest.NewFetchError(kind, code, fmt.Errorf("render %s", page))
	}
	if finalURL == "" {
		finalURL = page
	}
	return refs, finalURL, nil
}

func (a *Adapter) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(a.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(a.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (a *Adapter) navTimeout() time.Duration {
	if a.cfg.NavTimeout > 0 {
		return a.cfg.NavTimeout
	}
	return defaultNavTimeout
}

// toCandidates filters the script output down to wanted, unique media.
// Anchors only count when their URL carries a media extension.
func toCandidates(source, page string, refs []mediaRef, req harvest.DiscoverRequest) []harvest.CandidateURL {
	found := candidate.NewCollector(source, req.MaxItems)
	for _, ref := range refs {
		if !strings.HasPrefix(ref.URL, "http://") && !strings.HasPrefix(ref.URL, "https://") {
			continue
		}
		hint := candidate.Hint(ref.URL)
		if hint == harvest.ContentUnknown {
			switch harvest.ContentType(ref.Kind) {
			case harvest.ContentImage, harvest.ContentVideo:
				hint = harvest.ContentType(ref.Kind)
			default:
				continue
			}
		}
		if !candidate.Wanted(req, hint) {
			continue
		}
		if !found.Add(harvest.CandidateURL{
			URL:             ref.URL,
			HintTitle:       ref.Title,
			HintContentType: hint,
			Referer:         page,
		}) {
			break
		}
	}
	return found.Candidates()
}

// documentStatus records the HTTP status of the main document.
type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	if d.status == 0 {
		d.status = int(resp.Response.Status)
	}
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
