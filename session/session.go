// Package session implements the MCPL Session Manager: session identity,
// capability negotiation, feature-set storage, and reliable-channel state
// persistence across delegate reconnects.
package session

import (
	"context"
	"errors"
	"sync"

	"goa.design/mcpl/channel"
)

// Capability is one of the four MCPL capabilities a session may negotiate.
type Capability string

const (
	CapContextHooks      Capability = "context_hooks"
	CapPushEvents        Capability = "push_events"
	CapInferenceRequests Capability = "inference_requests"
	CapToolManagement    Capability = "tool_management"
)

// ServerSupportedCapabilities is the fixed set of capabilities the host
// supports; negotiation returns the intersection with what a delegate
// requests in mcpl/hello.
var ServerSupportedCapabilities = map[Capability]struct{}{
	CapContextHooks:      {},
	CapPushEvents:        {},
	CapInferenceRequests: {},
	CapToolManagement:    {},
}

// FeatureSet is the per-server record of which MCPL capabilities a server is
// allowed to use.
type FeatureSet struct {
	ContextHooks      bool
	PushEvents        bool
	InferenceRequests bool
	ToolManagement    bool
}

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session: not found")
	// ErrOwnerMismatch is returned by Resume when the session belongs to a
	// different user.
	ErrOwnerMismatch = errors.New("session: owner mismatch")
)

// Session is MCPL-level identity that survives WebSocket reconnects.
type Session struct {
	mu sync.RWMutex

	ID                     string
	UserID                 string
	DelegateID             string
	ProtocolVersion        string
	NegotiatedCapabilities map[Capability]struct{}

	// featureSets maps a serverId pattern (concrete id or "prefix.*") to its
	// feature flags. Concrete keys override wildcard keys for the same
	// serverId; see ExpandFeatureSets.
	featureSets map[string]FeatureSet

	reliableState   channel.State
	hasReliableState bool
}

// NewSession negotiates capabilities as the intersection of requested with
// ServerSupportedCapabilities, and constructs a fresh Session.
func NewSession(id, userID, delegateID, protocolVersion string, requested []Capability) *Session {
	negotiated := make(map[Capability]struct{})
	for _, c := range requested {
		if _, ok := ServerSupportedCapabilities[c]; ok {
			negotiated[c] = struct{}{}
		}
	}
	return &Session{
		ID:                     id,
		UserID:                 userID,
		DelegateID:             delegateID,
		ProtocolVersion:        protocolVersion,
		NegotiatedCapabilities: negotiated,
		featureSets:            make(map[string]FeatureSet),
	}
}

// HasCapability reports whether cap was negotiated for this session.
func (s *Session) HasCapability(cap Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.NegotiatedCapabilities[cap]
	return ok
}

// NegotiatedCapabilityList returns the negotiated capabilities as a slice,
// suitable for the mcpl/ack payload.
func (s *Session) NegotiatedCapabilityList() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Capability, 0, len(s.NegotiatedCapabilities))
	for c := range s.NegotiatedCapabilities {
		out = append(out, c)
	}
	return out
}

// SetFeatureSets replaces the feature-set map entirely. Callers are expected
// to have already expanded any wildcard patterns against the delegate's
// actual server ids before calling this.
func (s *Session) SetFeatureSets(sets map[string]FeatureSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featureSets = make(map[string]FeatureSet, len(sets))
	for k, v := range sets {
		s.featureSets[k] = v
	}
}

// FeatureSetFor returns the feature set registered for an exact serverId
// pattern key (no wildcard expansion), and whether it was found.
func (s *Session) FeatureSetFor(key string) (FeatureSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.featureSets[key]
	return fs, ok
}

// FeatureSets returns a copy of the full feature-set map.
func (s *Session) FeatureSets() map[string]FeatureSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FeatureSet, len(s.featureSets))
	for k, v := range s.featureSets {
		out[k] = v
	}
	return out
}

// SaveReliableState stores a Reliable Channel snapshot for resume across
// physical connections.
func (s *Session) SaveReliableState(state channel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reliableState = state
	s.hasReliableState = true
}

// GetReliableState returns the last saved Reliable Channel snapshot, if any.
func (s *Session) GetReliableState() (channel.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reliableState, s.hasReliableState
}

// Store tracks all live sessions, keyed by session id, and supports
// user-scoped resume.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore constructs an empty session Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers or replaces a session.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get returns the session by id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Resume returns the session only if it exists and userID matches its owner;
// otherwise it returns ErrNotFound/ErrOwnerMismatch and the caller is
// expected to create a new session instead.
func (s *Store) Resume(ctx context.Context, id, userID string) (*Session, error) {
	_ = ctx
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if sess.UserID != userID {
		return nil, ErrOwnerMismatch
	}
	return sess, nil
}

// Remove explicitly tears down a session (e.g. user-initiated teardown).
// Sessions otherwise persist indefinitely for resume.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
