// Package candidate holds helpers shared by the source adapters.
package candidate

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/media-harvester/internal/fetcher"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Expand fills the {query} and {safe} placeholders of a URL template.
func Expand(tmpl, query string, safe bool) string {
	flag := "off"
	if safe {
		flag = "on"
	}
	return strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{safe}", flag,
	).Replace(tmpl)
}

// Hint guesses the content type of rawURL from its extension.
func Hint(rawURL string) harvest.ContentType {
	return harvest.ClassifyMIME(fetcher.DetectMIME("", rawURL, nil))
}

// Wanted reports whether a candidate with hint may be yielded for req.
// Unknown hints are always passed on; the worker classifies them after download.
func Wanted(req harvest.DiscoverRequest, hint harvest.ContentType) bool {
	if hint == "" || hint == harvest.ContentUnknown {
		return true
	}
	return harvest.JobSpec{ContentTypes: req.ContentTypes}.Allows(hint)
}

// Collector accumulates unique candidates in discovery order.
type Collector struct {
	source string
	limit  int
	seen   map[string]struct{}
	out    []harvest.CandidateURL
}

// NewCollector returns a Collector that keeps at most limit candidates (0 = no limit).
func NewCollector(source string, limit int) *Collector {
	return &Collector{source: source, limit: limit, seen: make(map[string]struct{})}
}

// Add records c unless it is a repeat or the limit is reached. It reports whether more are wanted.
func (c *Collector) Add(cand harvest.CandidateURL) bool {
	if c.Full() {
		return false
	}
	if cand.URL == "" {
		return true
	}
	if _, dup := c.seen[cand.URL]; dup {
		return true
	}
	c.seen[cand.URL] = struct{}{}
	cand.SourceID = c.source
	c.out = append(c.out, cand)
	return !c.Full()
}

// Full reports whether the limit has been reached.
func (c *Collector) Full() bool {
	return c.limit > 0 && len(c.out) >= c.limit
}

// Candidates returns the collected candidates.
func (c *Collector) Candidates() []harvest.CandidateURL {
	return c.out
}
