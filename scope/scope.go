// Package scope implements the MCPL Scope Subsystem: scope-change requests
// (a delegate asking to alter its own negotiated feature set, auto-denied if
// nobody decides in time) and scope-elevate requests (a delegate asking for
// capabilities beyond what was negotiated, evaluated against a per-delegate
// blacklist-first / whitelist-coverage policy and deduplicated by
// user+delegate+featureSet+label rather than by request id).
package scope

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

const (
	// ChangeAutoDenyTimeout is how long a scope-change request waits for a
	// decision before it is automatically denied.
	ChangeAutoDenyTimeout = 5 * time.Minute

	// ElevateDefaultTimeout is how long a scope-elevate request waits for a
	// decision before it is automatically denied, absent an explicit
	// per-request override.
	ElevateDefaultTimeout = 60 * time.Second
)

// Outcome is the terminal disposition of a scope request.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
)

var (
	// ErrPolicyDenied is returned when a scope-elevate request is rejected
	// by policy before it ever reaches a human/approver decision.
	ErrPolicyDenied = errors.New("scope: denied by policy")
	// ErrNotFound is returned when Decide references an unknown request.
	ErrNotFound = errors.New("scope: request not found")
	// ErrAlreadyDecided is returned when Decide is called twice for the same
	// request.
	ErrAlreadyDecided = errors.New("scope: request already decided")
)

// Rule grants or denies a set of capabilities to requests whose featureSet
// matches FeatureSetPattern (an exact match, or a "prefix.*" wildcard) and
// whose label matches Label. An empty Label matches any request label.
type Rule struct {
	FeatureSetPattern string
	Capabilities      []string
	Label             string
}

func (r Rule) matches(featureSet, label string) bool {
	if r.Label != "" && r.Label != label {
		return false
	}
	return featureSetMatches(r.FeatureSetPattern, featureSet)
}

func featureSetMatches(pattern, featureSet string) bool {
	if pattern == "" || pattern == featureSet {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(featureSet, prefix)
	}
	return false
}

// Policy evaluates an elevate request's requested capabilities against a
// blacklist and a whitelist of Rules, both scoped by the request's
// featureSet and label. The blacklist is authoritative and evaluated first:
// any matching rule naming a requested capability denies the whole request.
// Otherwise, if the union of matching whitelist rules' capabilities covers
// every requested capability, the request is approved. Absent a matching
// deny or a full whitelist cover, the request falls through to the human
// approval flow (decisionAsk).
type Policy struct {
	Blacklist []Rule
	Whitelist []Rule
}

type policyDecision int

const (
	decisionAsk policyDecision = iota
	decisionApprove
	decisionDeny
)

func (p Policy) evaluate(featureSet, label string, requested []string) policyDecision {
	for _, r := range p.Blacklist {
		if !r.matches(featureSet, label) {
			continue
		}
		denied := toSet(r.Capabilities)
		for _, cap := range requested {
			if _, bad := denied[cap]; bad {
				return decisionDeny
			}
		}
	}

	covered := make(map[string]struct{})
	for _, r := range p.Whitelist {
		if !r.matches(featureSet, label) {
			continue
		}
		for _, cap := range r.Capabilities {
			covered[cap] = struct{}{}
		}
	}
	if len(covered) == 0 {
		return decisionAsk
	}
	for _, cap := range requested {
		if _, ok := covered[cap]; !ok {
			return decisionAsk
		}
	}
	return decisionApprove
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// PolicyEvent is the persisted, replayable record of a policy change: a rule
// appended to a (userId, delegateId) pair's whitelist or blacklist. The host
// emits scope_policy_updated whenever an elevate decision with remember:true
// is recorded, and replays these events on startup to restore remembered
// elevations.
type PolicyEvent struct {
	UserID     string
	DelegateID string
	List       string // "whitelist" or "blacklist"
	Rule       Rule
}

// EventSink receives PolicyEvents as they're recorded, for persistence.
type EventSink interface {
	Emit(ctx context.Context, ev PolicyEvent)
}

// ChangeRequest is a pending scope-change: a delegate asking to replace its
// own negotiated feature set.
type ChangeRequest struct {
	ID         string
	DelegateID string
	SessionID  string
	Requested  map[string]bool // feature -> desired enabled state

	mu      sync.Mutex
	outcome Outcome
	timer   *time.Timer
	onDone  func(Outcome)

	// persisted is the final status recorded once the delegate's
	// mcpl/connect_server_result arrives for an approved request:
	// "approved_connected" or "approved_failed". Empty until then, and for
	// denied requests (whose persistence is immediate).
	persisted string
}

// PersistedStatus reports the request's final persisted status, or "" if
// none has been recorded yet (including for requests still pending).
func (r *ChangeRequest) PersistedStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persisted
}

// ElevateRequest is a pending scope-elevate: a delegate asking for
// capabilities beyond its negotiated feature set.
type ElevateRequest struct {
	ID           string
	UserID       string
	DelegateID   string
	FeatureSet   string
	Label        string
	Capabilities []string
	Remember     bool

	mu      sync.Mutex
	outcome Outcome
	timer   *time.Timer
	onDone  func(Outcome)
}

// DedupKey is the deduplication identity of an elevate request: requests
// sharing a key collapse into the single pending decision, regardless of
// their individual request ids.
func (r *ElevateRequest) DedupKey() string {
	return dedupKey(r.UserID, r.DelegateID, r.FeatureSet, r.Label)
}

func dedupKey(userID, delegateID, featureSet, label string) string {
	return userID + "::" + delegateID + "::" + featureSet + "::" + label
}

func policyKey(userID, delegateID string) string {
	return userID + "::" + delegateID
}

// Manager tracks pending scope-change and scope-elevate requests and applies
// a per-(userId, delegateId) policy to elevate requests. Pairs with no
// stored policy fall back to the manager's default policy.
type Manager struct {
	mu sync.Mutex

	changes  map[string]*ChangeRequest
	elevates map[string]*ElevateRequest // keyed by dedup key

	defaultPolicy Policy
	policies      map[string]*Policy // keyed by policyKey(userID, delegateID)

	sink EventSink
	obs  *observability.Recorder
}

// New constructs a Manager applying defaultPolicy to any (userId, delegateId)
// pair without a policy of its own, recording scope_policy_updated events to
// sink (which may be nil).
func New(sink EventSink, defaultPolicy Policy, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Manager {
	return &Manager{
		changes:       make(map[string]*ChangeRequest),
		elevates:      make(map[string]*ElevateRequest),
		defaultPolicy: defaultPolicy,
		policies:      make(map[string]*Policy),
		sink:          sink,
		obs:           observability.New("scope", logger, metrics, tracer),
	}
}

// SetPolicy replaces the stored policy for (userID, delegateID), superseding
// the manager's default for that pair.
func (m *Manager) SetPolicy(userID, delegateID string, policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := policy
	m.policies[policyKey(userID, delegateID)] = &cp
}

// PolicyFor returns the effective policy for (userID, delegateID): the
// stored policy if SetPolicy (or a remembered elevation) set one, otherwise
// the manager's default.
func (m *Manager) PolicyFor(userID, delegateID string) Policy {
	return m.policyFor(userID, delegateID)
}

func (m *Manager) policyFor(userID, delegateID string) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[policyKey(userID, delegateID)]; ok {
		return *p
	}
	return m.defaultPolicy
}

func (m *Manager) appendRuleLocked(userID, delegateID, list string, rule Rule) {
	key := policyKey(userID, delegateID)
	p, ok := m.policies[key]
	if !ok {
		cp := m.defaultPolicy
		p = &cp
		m.policies[key] = p
	}
	if list == "blacklist" {
		p.Blacklist = append(p.Blacklist, rule)
	} else {
		p.Whitelist = append(p.Whitelist, rule)
	}
}

// Replay restores policy rules recorded in persisted scope_policy_updated
// events, without re-emitting them to the sink.
func (m *Manager) Replay(events []PolicyEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.appendRuleLocked(ev.UserID, ev.DelegateID, ev.List, ev.Rule)
	}
}

func (m *Manager) emit(ctx context.Context, ev PolicyEvent) {
	if m.sink != nil {
		m.sink.Emit(ctx, ev)
	}
}

// RequestChange registers a scope-change request and arms its auto-deny
// timer. onDone, if non-nil, fires exactly once with the terminal outcome
// (approved, denied, or denied-by-timeout).
func (m *Manager) RequestChange(ctx context.Context, id, delegateID, sessionID string, requested map[string]bool, onDone func(Outcome)) *ChangeRequest {
	req := &ChangeRequest{ID: id, DelegateID: delegateID, SessionID: sessionID, Requested: requested, outcome: OutcomePending, onDone: onDone}

	m.mu.Lock()
	m.changes[id] = req
	m.mu.Unlock()

	req.timer = time.AfterFunc(ChangeAutoDenyTimeout, func() {
		m.decideChange(ctx, id, OutcomeDenied)
	})
	return req
}

// DecideChange approves or denies a pending scope-change request.
func (m *Manager) DecideChange(ctx context.Context, id string, approve bool) error {
	outcome := OutcomeDenied
	if approve {
		outcome = OutcomeApproved
	}
	return m.decideChange(ctx, id, outcome)
}

func (m *Manager) decideChange(ctx context.Context, id string, outcome Outcome) error {
	m.mu.Lock()
	req, ok := m.changes[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	req.mu.Lock()
	if req.outcome != OutcomePending {
		req.mu.Unlock()
		return ErrAlreadyDecided
	}
	req.outcome = outcome
	if req.timer != nil {
		req.timer.Stop()
	}
	onDone := req.onDone
	req.mu.Unlock()

	m.obs.Log(ctx, observability.Event{Operation: "scope_change", Subject: req.DelegateID, Outcome: toObsOutcome(outcome)})
	if outcome == OutcomeDenied {
		req.mu.Lock()
		req.persisted = "denied"
		req.mu.Unlock()
	}
	if onDone != nil {
		onDone(outcome)
	}
	return nil
}

// RecordConnectResult persists the final outcome of an approved scope-change
// request once the delegate's mcpl/connect_server_result arrives: success
// persists "approved_connected", failure persists "approved_failed". It
// returns ErrNotFound for an unknown id and ErrAlreadyDecided if the request
// was never approved (denied or still pending).
func (m *Manager) RecordConnectResult(id string, success bool) error {
	m.mu.Lock()
	req, ok := m.changes[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if req.outcome != OutcomeApproved {
		return ErrAlreadyDecided
	}
	if success {
		req.persisted = "approved_connected"
	} else {
		req.persisted = "approved_failed"
	}
	return nil
}

// RequestElevate registers (or joins) a scope-elevate request. Requests that
// share a dedup key (userId, delegateId, featureSet, label) collapse into
// one entry: while it is pending, a new identical request takes it over (its
// id and onDone replace the earlier ones and the auto-deny timer restarts),
// so only the latest caller's onDone receives the decision; once it is
// decided, a new identical request receives the recorded outcome at once
// rather than prompting again. A new request is evaluated
// against the (userId, delegateId) pair's policy: a matching blacklist rule
// denies it immediately, a whitelist covering every requested capability
// approves it immediately, and otherwise it becomes pending, awaiting a
// human decision via DecideElevate.
func (m *Manager) RequestElevate(ctx context.Context, id, userID, delegateID, featureSet, label string, capabilities []string, remember bool, timeout time.Duration, onDone func(Outcome)) *ElevateRequest {
	key := dedupKey(userID, delegateID, featureSet, label)

	m.mu.Lock()
	if existing, ok := m.elevates[key]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		outcome := existing.outcome
		if outcome != OutcomePending {
			existing.mu.Unlock()
			if onDone != nil {
				onDone(outcome)
			}
			return existing
		}
		// Replace the requestId and reset the auto-deny timer rather than
		// emitting a second UI dialog for the same dedup key.
		existing.ID = id
		existing.onDone = onDone
		if existing.timer != nil {
			existing.timer.Stop()
		}
		if timeout <= 0 {
			timeout = ElevateDefaultTimeout
		}
		existing.timer = time.AfterFunc(timeout, func() {
			m.decideElevate(ctx, key, OutcomeDenied)
		})
		existing.mu.Unlock()
		return existing
	}
	m.mu.Unlock()

	switch m.policyFor(userID, delegateID).evaluate(featureSet, label, capabilities) {
	case decisionDeny:
		req := &ElevateRequest{ID: id, UserID: userID, DelegateID: delegateID, FeatureSet: featureSet, Label: label, Capabilities: capabilities, Remember: remember, outcome: OutcomeDenied}
		m.obs.Log(ctx, observability.Event{Operation: "scope_elevate", Subject: delegateID, Outcome: observability.OutcomeSkipped, Error: ErrPolicyDenied.Error()})
		if onDone != nil {
			onDone(OutcomeDenied)
		}
		return req
	case decisionApprove:
		req := &ElevateRequest{ID: id, UserID: userID, DelegateID: delegateID, FeatureSet: featureSet, Label: label, Capabilities: capabilities, Remember: remember, outcome: OutcomeApproved}
		m.obs.Log(ctx, observability.Event{Operation: "scope_elevate", Subject: delegateID, Outcome: observability.OutcomeSuccess})
		if onDone != nil {
			onDone(OutcomeApproved)
		}
		return req
	}

	if timeout <= 0 {
		timeout = ElevateDefaultTimeout
	}
	req := &ElevateRequest{ID: id, UserID: userID, DelegateID: delegateID, FeatureSet: featureSet, Label: label, Capabilities: capabilities, Remember: remember, outcome: OutcomePending, onDone: onDone}

	m.mu.Lock()
	m.elevates[key] = req
	m.mu.Unlock()

	req.timer = time.AfterFunc(timeout, func() {
		m.decideElevate(ctx, key, OutcomeDenied)
	})
	return req
}

// DecideElevate approves or denies the pending elevate request for key
// (userId, delegateId, featureSet, label). If approve is true and remember
// is set on the request, a whitelist rule covering the requested
// capabilities is appended to that pair's policy and a scope_policy_updated
// event is recorded, so future identical requests auto-approve under
// policy without prompting again.
func (m *Manager) DecideElevate(ctx context.Context, userID, delegateID, featureSet, label string, approve bool) error {
	outcome := OutcomeDenied
	if approve {
		outcome = OutcomeApproved
	}
	return m.decideElevate(ctx, dedupKey(userID, delegateID, featureSet, label), outcome)
}

func (m *Manager) decideElevate(ctx context.Context, key string, outcome Outcome) error {
	m.mu.Lock()
	req, ok := m.elevates[key]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.mu.Unlock()

	req.mu.Lock()
	if req.outcome != OutcomePending {
		req.mu.Unlock()
		return ErrAlreadyDecided
	}
	req.outcome = outcome
	if req.timer != nil {
		req.timer.Stop()
	}
	remember := req.Remember
	onDone := req.onDone
	userID, delegateID, featureSet, label, capabilities := req.UserID, req.DelegateID, req.FeatureSet, req.Label, req.Capabilities
	req.mu.Unlock()

	if outcome == OutcomeApproved && remember {
		rule := Rule{FeatureSetPattern: featureSet, Capabilities: capabilities, Label: label}
		m.mu.Lock()
		m.appendRuleLocked(userID, delegateID, "whitelist", rule)
		m.mu.Unlock()
		m.emit(ctx, PolicyEvent{UserID: userID, DelegateID: delegateID, List: "whitelist", Rule: rule})
	}

	m.obs.Log(ctx, observability.Event{Operation: "scope_elevate", Subject: req.DelegateID, Outcome: toObsOutcome(outcome)})
	if onDone != nil {
		onDone(outcome)
	}
	return nil
}

// PendingElevateKeys returns the dedup keys with a decision still
// outstanding, sorted for deterministic inspection/testing.
func (m *Manager) PendingElevateKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.elevates))
	for k, req := range m.elevates {
		req.mu.Lock()
		pending := req.outcome == OutcomePending
		req.mu.Unlock()
		if pending {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func toObsOutcome(o Outcome) observability.Outcome {
	if o == OutcomeApproved {
		return observability.OutcomeSuccess
	}
	return observability.OutcomeError
}
