// Package throttle spaces requests to the same host by a minimum interval.
package throttle

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/media-harvester/internal/metrics"
)

// Config holds throttle configuration.
type Config struct {
	MinInterval time.Duration
	// ObserveDelay receives non-trivial waits; defaults to the Prometheus histogram.
	ObserveDelay func(host string, d time.Duration)
}

type hostSlot struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Throttle holds one burst-1 token bucket per host.
type Throttle struct {
	mu       sync.Mutex
	hosts    map[string]*hostSlot
	interval time.Duration
	observe  func(string, time.Duration)
}

// New creates a Throttle.
func New(cfg Config) *Throttle {
	observe := cfg.ObserveDelay
	if observe == nil {
		observe = metrics.ObserveThrottleDelay
	}
	return &Throttle{
		hosts:    make(map[string]*hostSlot),
		interval: cfg.MinInterval,
		observe:  observe,
	}
}

// Wait blocks until rawURL's host may be contacted. minInterval lets a source ask
// for a longer gap than the default; the longest interval requested for a host sticks.
func (t *Throttle) Wait(ctx context.Context, rawURL string, minInterval time.Duration) error {
	host := Host(rawURL)
	interval := t.interval
	if minInterval > interval {
		interval = minInterval
	}
	if interval <= 0 {
		return nil
	}

	t.mu.Lock()
	slot, exists := t.hosts[host]
	if !exists {
		slot = &hostSlot{limiter: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
		t.hosts[host] = slot
	} else if interval > slot.interval {
		slot.limiter.SetLimit(rate.Every(interval))
		slot.interval = interval
	}
	t.mu.Unlock()

	start := time.Now()
	if err := slot.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		t.observe(host, waited)
	}
	return nil
}

// Host returns the lowercased authority used as the throttle key.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
