// Package ratelimit provides the sliding-window and per-key token-bucket
// limiters used by the Inference Broker and the Hook Manager.
// Quotas can optionally coordinate across host processes via a Pulse
// replicated map, mirroring the cluster-aware design of an adaptive
// tokens-per-minute limiter at the model-client boundary.
package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// clusterMap is the subset of rmap.Map used for cross-process coordination.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

// rmapClusterMap adapts *rmap.Map to clusterMap.
type rmapClusterMap struct{ m *rmap.Map }

func (c *rmapClusterMap) Get(key string) (string, bool) {
	v := c.m.Get(key)
	return v, v != ""
}

func (c *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}

func (c *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}

// windowState is the JSON value stored per key in the cluster map.
type windowState struct {
	WindowStart int64 `json:"windowStart"` // unix seconds
	Count       int   `json:"count"`
}

// SlidingWindowCounter enforces "no more than limit events in the trailing
// window" — the shape of the Inference Broker's maxInferencesPerHour (the
// Event Queue enforces its hourly push quota with its own window). It prunes
// timestamps older than window on every check, exactly as the spec describes.
//
// When a Pulse replicated map is supplied via WithCluster, the counter
// coordinates its quota across every host process sharing that map;
// otherwise it is process-local.
type SlidingWindowCounter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	local     []time.Time // local mode: one timestamp per successful event
	cluster   clusterMap
	clusterKey string
}

// Option configures a SlidingWindowCounter.
type Option func(*SlidingWindowCounter)

// WithCluster coordinates the quota across processes via a Pulse rmap.Map,
// storing window state under key.
func WithCluster(m *rmap.Map, key string) Option {
	return func(c *SlidingWindowCounter) {
		if m != nil {
			c.cluster = &rmapClusterMap{m: m}
			c.clusterKey = key
		}
	}
}

// NewSlidingWindowCounter constructs a counter allowing at most limit events
// per window.
func NewSlidingWindowCounter(window time.Duration, limit int, opts ...Option) *SlidingWindowCounter {
	c := &SlidingWindowCounter{window: window, limit: limit}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Allow prunes expired timestamps and, if the count is still under limit,
// records a new event and returns true. It returns false (without
// recording) once the quota is exhausted for the window.
func (c *SlidingWindowCounter) Allow(ctx context.Context, now time.Time) bool {
	if c.cluster != nil {
		return c.allowClustered(ctx, now)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.window)
	pruned := c.local[:0]
	for _, t := range c.local {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	c.local = pruned
	if len(c.local) >= c.limit {
		return false
	}
	c.local = append(c.local, now)
	return true
}

// Count returns the number of events currently counted within the window.
// It reads only the local timestamps, so a counter built with WithCluster
// reports 0.
func (c *SlidingWindowCounter) Count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.window)
	n := 0
	for _, t := range c.local {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (c *SlidingWindowCounter) allowClustered(ctx context.Context, now time.Time) bool {
	cutoff := now.Add(-c.window).Unix()
	for attempt := 0; attempt < 8; attempt++ {
		raw, ok := c.cluster.Get(c.clusterKey)
		if !ok {
			fresh := windowState{WindowStart: now.Unix(), Count: 1}
			buf, _ := json.Marshal(fresh)
			set, err := c.cluster.SetIfNotExists(ctx, c.clusterKey, string(buf))
			if err != nil {
				return false
			}
			if set {
				return true
			}
			continue // someone else created it first; retry the read
		}

		var st windowState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return false
		}
		if st.WindowStart < cutoff {
			st = windowState{WindowStart: now.Unix(), Count: 0}
		}
		if st.Count >= c.limit {
			return false
		}
		st.Count++
		buf, _ := json.Marshal(st)
		swapped, err := c.cluster.TestAndSet(ctx, c.clusterKey, raw, string(buf))
		if err != nil {
			return false
		}
		if swapped == string(buf) {
			return true
		}
		// Lost the compare-and-swap race; retry.
	}
	return false
}

// PerKeyLimiter is a token-bucket limiter keyed by an arbitrary string (e.g.
// serverId), used for the Hook Manager's per-server beforeInference rate
// limit (default 10/min).
type PerKeyLimiter struct {
	mu       sync.Mutex
	perMin   float64
	limiters map[string]*rate.Limiter
}

// NewPerKeyLimiter constructs a PerKeyLimiter allowing perMin events per
// minute per key, with a burst equal to perMin.
func NewPerKeyLimiter(perMin float64) *PerKeyLimiter {
	return &PerKeyLimiter{perMin: perMin, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether key is currently under quota, consuming one token
// if so.
func (p *PerKeyLimiter) Allow(key string) bool {
	p.mu.Lock()
	lim, ok := p.limiters[key]
	if !ok {
		burst := int(p.perMin)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(p.perMin/60.0), burst)
		p.limiters[key] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}
