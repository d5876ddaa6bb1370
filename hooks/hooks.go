// Package hooks implements the MCPL Hook Manager: beforeInference fan-out
// with per-server timeout and rate limit, deterministic ordering of
// aggregated injections, a sync-depth guard, and fire-and-forget
// afterInference notification.
package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/ratelimit"
	"goa.design/mcpl/telemetry"
)

const (
	// MaxSyncDepth bounds recursive beforeInference chains: at this depth,
	// hooks never block further inference.
	MaxSyncDepth = 3

	// DefaultBeforeInferenceTimeout is how long the manager waits for a
	// single server's beforeInference reply before treating it as empty.
	DefaultBeforeInferenceTimeout = 5 * time.Second

	// DefaultPerServerRateLimit is the default beforeInference calls/min
	// allowed per hook-capable server.
	DefaultPerServerRateLimit = 10
)

// Position is where an injection is placed relative to the user's message.
type Position string

const (
	PositionSystem     Position = "system"
	PositionBeforeUser Position = "beforeUser"
	PositionAfterUser  Position = "afterUser"
)

// Injection is one server's contribution to a beforeInference call.
type Injection struct {
	ServerID string
	Position Position
	Content  string
}

// Server is a hook-capable target: a server whose feature set advertises
// ContextHooks and whose session negotiated the context_hooks capability.
type Server struct {
	ServerID string
	// Send delivers a beforeInference/afterInference request to the server
	// over its reliable channel and returns once a reply is received or the
	// request fails locklessly; the caller is responsible for honoring ctx's
	// deadline.
	Send func(ctx context.Context, requestID string, conversationID string, summary string) ([]Injection, error)
}

// Discoverer finds the hook-capable servers for a user at call time.
type Discoverer interface {
	HookCapableServers(ctx context.Context, userID string) []Server
}

// Manager implements beforeInference fan-out and afterInference broadcast.
type Manager struct {
	discover Discoverer
	limiter  *ratelimit.PerKeyLimiter
	timeout  time.Duration
	obs      *observability.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultBeforeInferenceTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithPerServerRateLimit overrides DefaultPerServerRateLimit (calls/min).
func WithPerServerRateLimit(perMin float64) Option {
	return func(m *Manager) { m.limiter = ratelimit.NewPerKeyLimiter(perMin) }
}

// New constructs a Manager backed by discover.
func New(discover Discoverer, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts ...Option) *Manager {
	m := &Manager{
		discover: discover,
		limiter:  ratelimit.NewPerKeyLimiter(DefaultPerServerRateLimit),
		timeout:  DefaultBeforeInferenceTimeout,
		obs:      observability.New("hooks", logger, metrics, tracer),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BeforeInference fans out to every hook-capable server for userID, waits up
// to the configured timeout per server, and returns the aggregated
// injections sorted ascending by serverId. Determinism of ordering is a
// contract: the same set of servers and replies produce the same result
// regardless of reply timing. At depth >= MaxSyncDepth, hooks never block an
// inference chain and no injections are returned.
func (m *Manager) BeforeInference(ctx context.Context, userID, conversationID, summary string, depth int) []Injection {
	if depth >= MaxSyncDepth {
		return nil
	}

	servers := m.discover.HookCapableServers(ctx, userID)
	if len(servers) == 0 {
		return nil
	}

	type result struct {
		serverID   string
		injections []Injection
	}
	results := make(chan result, len(servers))
	var wg sync.WaitGroup

	for _, srv := range servers {
		srv := srv
		if !m.limiter.Allow(srv.ServerID) {
			m.obs.Log(ctx, observability.Event{Operation: "before_inference", Subject: srv.ServerID, Outcome: observability.OutcomeSkipped, Error: "per-server rate limit exceeded"})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			injections, err := srv.Send(callCtx, newRequestID(), conversationID, summary)
			if err != nil {
				// Timeouts and send failures yield an empty contribution.
				results <- result{serverID: srv.ServerID}
				return
			}
			results <- result{serverID: srv.ServerID, injections: injections}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []Injection
	for r := range results {
		all = append(all, r.injections...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].ServerID < all[j].ServerID })
	return all
}

// AfterInference is fire-and-forget: it sends to every hook-capable server
// without waiting for a reply.
func (m *Manager) AfterInference(ctx context.Context, userID, conversationID, summary string) {
	servers := m.discover.HookCapableServers(ctx, userID)
	for _, srv := range servers {
		srv := srv
		go func() {
			callCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			_, _ = srv.Send(callCtx, newRequestID(), conversationID, summary)
		}()
	}
}

var requestIDCounter struct {
	mu sync.Mutex
	n  uint64
}

// newRequestID allocates a process-unique, monotonically increasing request
// id for hook dispatch correlation.
func newRequestID() string {
	requestIDCounter.mu.Lock()
	defer requestIDCounter.mu.Unlock()
	requestIDCounter.n++
	return formatRequestID(requestIDCounter.n)
}

func formatRequestID(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "hook_0"
	}
	buf := make([]byte, 0, 20)
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "hook_" + string(buf)
}
