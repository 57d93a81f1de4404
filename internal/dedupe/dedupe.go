// Package dedupe records which media URLs the process has already attempted.
package dedupe

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// Set is a process-lifetime set of normalized URLs. Entries are never evicted.
type Set struct {
	seen sync.Map
	size atomic.Int64
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// TryInsert stores the URL's key and reports whether it was new.
func (s *Set) TryInsert(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	_, loaded := s.seen.LoadOrStore(Key(rawURL), struct{}{})
	if !loaded {
		s.size.Add(1)
	}
	return !loaded
}

// Contains reports whether the URL's key has been inserted.
func (s *Set) Contains(rawURL string) bool {
	_, ok := s.seen.Load(Key(rawURL))
	return ok
}

// Len returns the number of distinct keys.
func (s *Set) Len() int {
	return int(s.size.Load())
}

// Key canonicalizes a URL: scheme and fragment dropped, host lowercased with its
// default port removed, query parameters sorted, and the result lowercased.
// Unparseable input falls back to the lowercased raw string.
func Key(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(rawURL))
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	u.Scheme = ""
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	u.User = nil

	key := strings.TrimPrefix(u.String(), "//")
	return strings.ToLower(key)
}
