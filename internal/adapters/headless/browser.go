// Package headless implements a source adapter that renders a search page in
// headless Chrome via chromedp and collects the media the page references.
package headless

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// BrowserConfig controls the shared Chrome allocator.
type BrowserConfig struct {
	// MaxParallel bounds concurrent tabs across all headless sources. Zero means unbounded.
	MaxParallel int
	ExecPath    string
}

// Browser owns one Chrome allocator shared by every headless source.
type Browser struct {
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowser prepares the allocator. Chrome is started lazily on first use.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.allocCancel()
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}
