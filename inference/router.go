package inference

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Route is a resolved (provider, model) pair.
type Route struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Match is the set of optional fields a rule may condition on. A nil/empty
// field matches anything.
type Match struct {
	FeatureSet string `json:"featureSet,omitempty"`
	DelegateID string `json:"delegateId,omitempty"`
	ServerID   string `json:"serverId,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// Rule is one routing rule: if Match's populated fields all agree with the
// query, Route applies. Rules are evaluated in file order; the first match
// wins.
type Rule struct {
	Match Match `json:"match"`
	Route Route `json:"route"`
}

// Default is the fallback applied when no rule matches.
type Default struct {
	UseConversationModel bool   `json:"useConversationModel,omitempty"`
	Provider             string `json:"provider,omitempty"`
	Model                string `json:"model,omitempty"`
}

// config is the on-disk shape of inference-routing.json.
type config struct {
	Rules   []Rule  `json:"rules"`
	Default Default `json:"default"`
}

// Query is what the broker asks the router to resolve.
type Query struct {
	FeatureSet string
	DelegateID string
	ServerID   string
	Tag        string
}

func (m Match) matches(q Query) bool {
	if m.FeatureSet != "" && m.FeatureSet != q.FeatureSet {
		return false
	}
	if m.DelegateID != "" && m.DelegateID != q.DelegateID {
		return false
	}
	if m.ServerID != "" && m.ServerID != q.ServerID {
		return false
	}
	if m.Tag != "" && m.Tag != q.Tag {
		return false
	}
	return true
}

// KnownModelChecker reports whether a (provider, model) pair is one the
// inference engine actually knows about; rules naming an unknown model are
// skipped at load rather than surfacing a runtime error.
type KnownModelChecker func(route Route) bool

// Router resolves a routing query to a model, reloading its backing file
// from disk whenever its mtime advances. A parse failure on reload keeps
// serving the previously loaded, valid configuration.
type Router struct {
	mu        sync.RWMutex
	path      string
	knownFn   KnownModelChecker
	cfg       config
	lastMTime time.Time
	pollEvery time.Duration
	stopCh    chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithPollInterval overrides the default 30s mtime poll.
func WithPollInterval(d time.Duration) Option {
	return func(r *Router) { r.pollEvery = d }
}

// WithKnownModelChecker supplies the predicate used to skip rules that name
// a model the inference engine does not recognize.
func WithKnownModelChecker(fn KnownModelChecker) Option {
	return func(r *Router) { r.knownFn = fn }
}

// DefaultPollInterval is how often the router checks the config file's
// mtime for changes.
const DefaultPollInterval = 30 * time.Second

// NewRouter constructs a Router reading rules from path. The file is loaded
// synchronously before NewRouter returns; a missing or invalid file at
// startup leaves the router with an empty rule set and a
// useConversationModel default.
func NewRouter(path string, opts ...Option) *Router {
	r := &Router{
		path:      path,
		pollEvery: DefaultPollInterval,
		cfg:       config{Default: Default{UseConversationModel: true}},
	}
	for _, o := range opts {
		o(r)
	}
	r.reload()
	return r
}

// Start begins background mtime polling; call Stop to end it.
func (r *Router) Start() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stopCh = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reload()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends background polling.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *Router) reload() {
	info, err := os.Stat(r.path)
	if err != nil {
		return // missing file: keep whatever config is currently loaded
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.lastMTime)
	r.mu.RUnlock()
	if unchanged {
		return
	}

	buf, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var cfg config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return // parse error: keep the previous config
	}

	if r.knownFn != nil {
		kept := cfg.Rules[:0]
		for _, rule := range cfg.Rules {
			if r.knownFn(rule.Route) {
				kept = append(kept, rule)
			}
		}
		cfg.Rules = kept
	}

	r.mu.Lock()
	r.cfg = cfg
	r.lastMTime = info.ModTime()
	r.mu.Unlock()
}

// Resolve applies the first matching rule, in declaration order. When no
// rule matches, it returns the config's default: either an instruction to
// use the conversation's configured model (ok=false, useConversation=true)
// or an explicit fallback route.
func (r *Router) Resolve(q Query) (route Route, useConversationModel bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.cfg.Rules {
		if rule.Match.matches(q) {
			return rule.Route, false, true
		}
	}
	if r.cfg.Default.UseConversationModel {
		return Route{}, true, false
	}
	if r.cfg.Default.Provider != "" || r.cfg.Default.Model != "" {
		return Route{Provider: r.cfg.Default.Provider, Model: r.cfg.Default.Model}, false, true
	}
	return Route{}, false, false
}
