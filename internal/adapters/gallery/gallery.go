// Package gallery implements a source adapter that scrapes an HTML search or
// gallery page with colly and yields the media it links to.
package gallery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/media-harvester/internal/adapters/candidate"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const defaultTimeout = 15 * time.Second

// Config controls one gallery source.
type Config struct {
	ID            string
	SearchURL     string
	UserAgent     string
	MinInterval   time.Duration
	Timeout       time.Duration
	RespectRobots bool
	Headers       http.Header
	// Transport replaces the default pooled transport. Used by tests.
	Transport http.RoundTripper
}

// Adapter scrapes cfg.SearchURL for img, video and media links.
type Adapter struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a gallery adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("gallery adapter id is required")
	}
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("gallery adapter %s has no search url", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if cfg.RespectRobots {
		transport = &robotsTransport{base: transport}
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Adapter{cfg: cfg, baseCollector: c}, nil
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
	page := candidate.Expand(a.cfg.SearchURL, req.Query, req.SafeSearch)
	found := candidate.NewCollector(a.cfg.ID, req.MaxItems)

	var scrapeErr error
	collector := a.baseCollector.Clone()
	collector.Context = ctx
	a.configureHooks(collector, req, found, &scrapeErr)

	if err := a.runCollector(ctx, collector, page, &scrapeErr); err != nil {
		return err
	}
	for _, c := range found.Candidates() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("gallery discover: %w", err)
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

func (a *Adapter) configureHooks(
	collector *colly.Collector,
	req harvest.DiscoverRequest,
	found *candidate.Collector,
	scrapeErr *error,
) {
	add := func(e *colly.HTMLElement, attr string, needHint bool) {
		raw := strings.TrimSpace(e.Attr(attr))
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		abs := e.Request.AbsoluteURL(raw)
		if abs == "" {
			return
		}
		hint := candidate.Hint(abs)
		if needHint && hint == harvest.ContentUnknown {
			return
		}
		if hint == harvest.ContentUnknown {
			hint = elementKind(e)
		}
		if !candidate.Wanted(req, hint) {
			return
		}
		found.Add(harvest.CandidateURL{
			URL:             abs,
			HintTitle:       titleOf(e),
			HintContentType: hint,
			Referer:         e.Request.URL.String(),
		})
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		for key, values := range a.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnHTML("img", func(e *colly.HTMLElement) {
		if e.Attr("src") != "" {
			add(e, "src", false)
			return
		}
		add(e, "data-src", false)
	})
	collector.OnHTML("video[src], video source[src]", func(e *colly.HTMLElement) {
		add(e, "src", false)
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		add(e, "href", true)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*scrapeErr = harvest.NewFetchError(statusKind(r.StatusCode), r.StatusCode, err)
			return
		}
		*scrapeErr = err
	})
}

func (a *Adapter) runCollector(ctx context.Context, collector *colly.Collector, page string, scrapeErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(page)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("gallery scrape canceled: %w", ctx.Err())
	case err := <-done:
		if *scrapeErr != nil {
			return fmt.Errorf("gallery response failed: %w", *scrapeErr)
		}
		if err != nil {
			return fmt.Errorf("gallery visit failed: %w", err)
		}
		return nil
	}
}

func statusKind(code int) harvest.ErrorKind {
	if code >= http.StatusInternalServerError {
		return harvest.KindServer
	}
	return harvest.KindClient
}

func elementKind(e *colly.HTMLElement) harvest.ContentType {
	switch e.Name {
	case "img":
		return harvest.ContentImage
	case "video", "source":
		return harvest.ContentVideo
	default:
		return harvest.ContentUnknown
	}
}

func titleOf(e *colly.HTMLElement) string {
	for _, attr := range []string{"alt", "title"} {
		if v := strings.TrimSpace(e.Attr(attr)); v != "" {
			return v
		}
	}
	if e.Name == "a" {
		return strings.TrimSpace(e.Text)
	}
	return figureCaption(e.DOM)
}

// figureCaption is the caption of the <figure> enclosing sel, if any.
func figureCaption(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Closest("figure").Find("figcaption").First().Text())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
