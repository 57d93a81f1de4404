// Package static implements a source adapter that expands a fixed list of URL
// templates. It suits direct media links and fixtures.
package static

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/media-harvester/internal/adapters/candidate"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Adapter yields one candidate per configured template.
type Adapter struct {
	id          string
	templates   []string
	minInterval time.Duration
}

// New builds a static adapter. Templates may use {query} and {safe}.
func New(id string, templates []string, minInterval time.Duration) (*Adapter, error) {
	if id == "" {
		return nil, fmt.Errorf("static adapter id is required")
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("static adapter %s has no urls", id)
	}
	return &Adapter{
		id:          id,
		templates:   append([]string(nil), templates...),
		minInterval: minInterval,
	}, nil
}

// Discover implements harvest.SourceAdapter.
func (a *Adapter) Discover(ctx context.Context, req harvest.DiscoverRequest, yield func(harvest.CandidateURL) bool) error {
	found := candidate.NewCollector(a.id, req.MaxItems)
	for _, tmpl := range a.templates {
		u := candidate.Expand(tmpl, req.Query, req.SafeSearch)
		hint := candidate.Hint(u)
		if !candidate.Wanted(req, hint) {
			continue
		}
		if !found.Add(harvest.CandidateURL{URL: u, HintContentType: hint}) {
			break
		}
	}
	for _, c := range found.Candidates() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("static discover: %w", err)
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

// MinInterval implements harvest.IntervalHinter.
func (a *Adapter) MinInterval() time.Duration {
	return a.minInterval
}
