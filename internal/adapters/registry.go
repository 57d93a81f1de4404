// Package adapters builds the configured source adapters.
package adapters

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/adapters/gallery"
	"github.com/JakeFAU/media-harvester/internal/adapters/headless"
	"github.com/JakeFAU/media-harvester/internal/adapters/static"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Registry maps source ids to adapters.
type Registry map[string]harvest.SourceAdapter

// IDs returns the registered source ids in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Options carries process-wide adapter settings.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Headless  config.HeadlessConfig
	Logger    *zap.Logger
}

// Build constructs one adapter per configured source. The returned close
// function releases the shared headless browser, if one was started.
func Build(sources map[string]config.SourceConfig, opts Options) (Registry, func(), error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := make(Registry, len(sources))
	var browser *headless.Browser
	closeFn := func() {
		if browser != nil {
			browser.Close()
		}
	}

	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		src := sources[id]
		userAgent := src.UserAgent
		if userAgent == "" {
			userAgent = opts.UserAgent
		}
		var (
			adapter harvest.SourceAdapter
			err     error
		)
		switch src.Type {
		case config.SourceTypeStatic:
			adapter, err = static.New(id, src.URLs, src.MinInterval())
		case config.SourceTypeGallery:
			adapter, err = gallery.New(gallery.Config{
				ID:            id,
				SearchURL:     src.SearchURL,
				UserAgent:     userAgent,
				MinInterval:   src.MinInterval(),
				Timeout:       opts.Timeout,
				RespectRobots: src.RespectRobots,
				Headers:       toHeader(src.Headers),
			})
		case config.SourceTypeHeadless:
			if browser == nil {
				browser, err = headless.NewBrowser(headless.BrowserConfig{
					MaxParallel: opts.Headless.MaxParallel,
					ExecPath:    opts.Headless.ExecPath,
				})
				if err != nil {
					break
				}
			}
			adapter, err = headless.New(browser, headless.Config{
				ID:           id,
				SearchURL:    src.SearchURL,
				UserAgent:    userAgent,
				WaitSelector: src.WaitSelector,
				Headers:      toHeader(src.Headers),
				NavTimeout:   time.Duration(opts.Headless.NavTimeoutSec) * time.Second,
				MinInterval:  src.MinInterval(),
			})
		default:
			err = fmt.Errorf("unsupported source type %q", src.Type)
		}
		if err != nil {
			closeFn()
			return nil, func() {}, fmt.Errorf("build source %s: %w", id, err)
		}
		reg[id] = adapter
		logger.Info("source registered", zap.String("source", id), zap.String("type", src.Type))
	}
	return reg, closeFn, nil
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
