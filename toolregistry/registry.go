package toolregistry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

// NamespaceSeparator joins a lowercased delegateId to a tool's original name
// to form its prefixed, globally-unique name.
const NamespaceSeparator = "__"

var (
	// ErrForbiddenName is returned when a raw tool name contains the
	// namespace separator.
	ErrForbiddenName = errors.New("toolregistry: tool name must not contain " + NamespaceSeparator)
	// ErrUnknownTool is returned when no candidate resolves a call.
	ErrUnknownTool = errors.New("toolregistry: unknown tool")
	// ErrAmbiguousTool is returned when the unprefixed compat shim matches
	// more than one delegate tool.
	ErrAmbiguousTool = errors.New("toolregistry: ambiguous tool name")
	// ErrToolNotAllowed is returned when a per-conversation policy denies a
	// tool that otherwise resolved.
	ErrToolNotAllowed = errors.New("toolregistry: tool not allowed")
)

// Tool is one named, schema-typed function exposed to the inference engine.
type Tool struct {
	// Name is the name the inference engine sees: unprefixed for global
	// tools, "{lower(delegateId)}__{original}" for delegate tools.
	Name string
	// OriginalName is what travels back to the delegate for execution;
	// equal to Name for global tools.
	OriginalName string
	Description  string
	InputSchema  json.RawMessage

	// DelegateID is empty for global tools.
	DelegateID string
	// ServerID is the stable id minted for the (delegate, server-name) pair
	// this tool belongs to, when known.
	ServerID string

	// Handler executes a global (host-hosted) tool directly, bypassing the
	// delegate round-trip. Nil for delegate tools, which are instead routed
	// through the Delegate Manager by the caller.
	Handler GlobalHandler

	schema *jsonschema.Schema
}

// GlobalHandler implements a built-in, host-hosted tool. userID and
// conversationID are the implicit context argument every management tool
// receives alongside its declared input.
type GlobalHandler func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error)

// ToolConfig is the per-conversation policy controlling which tools are
// visible/callable.
type ToolConfig struct {
	// ToolsEnabled, when explicitly false, denies all tools.
	ToolsEnabled *bool
	// EnabledTools, when non-nil, is a whitelist (possibly empty, denying
	// everything). A nil slice allows all tools.
	EnabledTools []string
}

func (c *ToolConfig) allows(name string) bool {
	if c == nil {
		return true
	}
	if c.ToolsEnabled != nil && !*c.ToolsEnabled {
		return false
	}
	if c.EnabledTools == nil {
		return true
	}
	for _, t := range c.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}

// ToolCall is a single request to execute a tool by its name as seen by the
// inference engine (prefixed for delegate tools, or an unprefixed
// compat-shim candidate).
type ToolCall struct {
	Name           string
	Input          json.RawMessage
	ConversationID string

	// RequestID uniquely identifies this call for wire correlation with the
	// delegate's tool_call_response. It must be distinct across concurrent
	// in-flight calls even when they target the same tool Name; unlike
	// Name, it is never reused as a correlation key.
	RequestID string
}

// ExecuteResult is the outcome of resolving+executing a ToolCall.
type ExecuteResult struct {
	Tool  *Tool
	Error error
}

// Registry stores two maps: global tools (unprefixed) and delegate tools
// keyed "{userId}:{prefixedName}".
type Registry struct {
	mu          sync.RWMutex
	global      map[string]*Tool
	delegate    map[string]*Tool // key: userId + ":" + prefixedName
	obs         *observability.Recorder
}

// New constructs an empty Registry.
func New(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Registry {
	return &Registry{
		global:   make(map[string]*Tool),
		delegate: make(map[string]*Tool),
		obs:      observability.New("toolregistry", logger, metrics, tracer),
	}
}

func delegateKey(userID, prefixedName string) string {
	return userID + ":" + prefixedName
}

// PrefixedName computes the namespaced name a delegate tool is stored and
// advertised under.
func PrefixedName(delegateID, originalName string) string {
	return strings.ToLower(delegateID) + NamespaceSeparator + originalName
}

// RegisterGlobalTool installs or replaces a global (server-hosted) tool.
func (r *Registry) RegisterGlobalTool(t *Tool) error {
	if strings.Contains(t.OriginalName, NamespaceSeparator) {
		return ErrForbiddenName
	}
	if err := compileSchema(t); err != nil {
		return err
	}
	t.Name = t.OriginalName
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[t.Name] = t
	return nil
}

// RegisterDelegateTools replaces the full set of delegate tools advertised
// by userID's delegateID, and returns the computed toolset hash of the new
// set plus the prior set's hash for audit logging of hash transitions.
func (r *Registry) RegisterDelegateTools(userID, delegateID string, tools []*Tool) (newHash, prevHash string, err error) {
	for _, t := range tools {
		if strings.Contains(t.OriginalName, NamespaceSeparator) {
			return "", "", ErrForbiddenName
		}
		if e := compileSchema(t); e != nil {
			return "", "", e
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prevHash = r.computeToolsetHashLocked(userID, delegateID)

	// Remove prior entries for this delegate.
	prefix := strings.ToLower(delegateID) + NamespaceSeparator
	for key, t := range r.delegate {
		if t.DelegateID == delegateID && strings.HasPrefix(key, userID+":"+prefix) {
			delete(r.delegate, key)
		}
	}
	for _, t := range tools {
		prefixed := PrefixedName(delegateID, t.OriginalName)
		t.Name = prefixed
		t.DelegateID = delegateID
		r.delegate[delegateKey(userID, prefixed)] = t
	}

	newHash = r.computeToolsetHashLocked(userID, delegateID)
	return newHash, prevHash, nil
}

func compileSchema(t *Tool) error {
	if len(t.InputSchema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + t.OriginalName
	if err := compiler.AddResource(url, toAny(t.InputSchema)); err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", t.OriginalName, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", t.OriginalName, err)
	}
	t.schema = schema
	return nil
}

func toAny(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// Execute resolves and validates call per the spec's three-step resolution
// order, then applies policy. Exactly one ExecuteResult is always produced.
func (r *Registry) Execute(ctx context.Context, call ToolCall, userID string, toolConfig *ToolConfig) ExecuteResult {
	r.mu.RLock()
	tool, resolveErr := r.resolveLocked(call.Name, userID)
	r.mu.RUnlock()

	if resolveErr != nil {
		r.obs.Log(ctx, observability.Event{Operation: "execute_tool", Subject: call.Name, Outcome: observability.OutcomeError, Error: resolveErr.Error()})
		return ExecuteResult{Error: resolveErr}
	}

	// Policy is evaluated after the match so an ambiguity error stays
	// informative rather than being masked by a generic denial.
	if !toolConfig.allows(tool.Name) {
		return ExecuteResult{Tool: tool, Error: fmt.Errorf("%w: %q", ErrToolNotAllowed, tool.Name)}
	}

	if tool.schema != nil && len(call.Input) > 0 {
		if err := tool.schema.Validate(toAny(call.Input)); err != nil {
			return ExecuteResult{Tool: tool, Error: fmt.Errorf("toolregistry: invalid arguments for %q: %w", tool.Name, err)}
		}
	}

	return ExecuteResult{Tool: tool}
}

// resolveLocked implements the three-step resolution order: (1) global tool
// exact match, (2) delegate tool exact prefixed match, (3) unprefixed
// compat-shim, resolved only if exactly one of userID's delegate tools has
// that original name. Policy is not consulted here; Execute applies it after
// the match.
func (r *Registry) resolveLocked(name, userID string) (*Tool, error) {
	if t, ok := r.global[name]; ok {
		return t, nil
	}
	if t, ok := r.delegate[delegateKey(userID, name)]; ok {
		return t, nil
	}
	if strings.Contains(name, NamespaceSeparator) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	var candidates []*Tool
	prefix := userID + ":"
	for key, t := range r.delegate {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if t.OriginalName == name {
			candidates = append(candidates, t)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.Name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q matches %s", ErrAmbiguousTool, name, strings.Join(names, ", "))
	}
}

// UnregisterDelegateTools removes every tool userID's delegateID currently
// advertises and returns the toolset hash after removal. Callers must only
// invoke this once they've confirmed no newer connection for the same
// (userID, delegateID) has already replaced the one being torn down, or a
// reconnecting delegate's freshly-registered tools would be dropped out
// from under it.
func (r *Registry) UnregisterDelegateTools(userID, delegateID string) (newHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := userID + ":" + strings.ToLower(delegateID) + NamespaceSeparator
	for key, t := range r.delegate {
		if t.DelegateID == delegateID && strings.HasPrefix(key, prefix) {
			delete(r.delegate, key)
		}
	}
	return r.computeToolsetHashAllLocked(userID)
}

// ComputeToolsetHash returns the deterministic toolset hash for userID's
// visible tool set: global tools plus userID's delegate tools, canonical
// JSON with sorted object keys, SHA-256 truncated to 16 hex chars prefixed
// "sha256:". An empty set hashes to "sha256:empty".
func (r *Registry) ComputeToolsetHash(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.computeToolsetHashAllLocked(userID)
}

func (r *Registry) computeToolsetHashAllLocked(userID string) string {
	tools := make([]*Tool, 0, len(r.global)+len(r.delegate))
	for _, t := range r.global {
		tools = append(tools, t)
	}
	prefix := userID + ":"
	for key, t := range r.delegate {
		if strings.HasPrefix(key, prefix) {
			tools = append(tools, t)
		}
	}
	return computeToolsetHash(tools)
}

func (r *Registry) computeToolsetHashLocked(userID, delegateID string) string {
	var tools []*Tool
	lowerPrefix := strings.ToLower(delegateID) + NamespaceSeparator
	prefix := userID + ":"
	for key, t := range r.delegate {
		if t.DelegateID == delegateID && strings.HasPrefix(key, prefix+lowerPrefix) {
			tools = append(tools, t)
		}
	}
	return computeToolsetHash(tools)
}

// toolsetRecord is the canonical, order-independent representation of one
// tool's visible surface: its name, description, and input schema. Two
// toolsets hash equal iff their sorted record lists are equal.
type toolsetRecord struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// computeToolsetHash implements the canonical, order-independent hash: same
// tools (by name, description, and input schema) in any order produce the
// same hash, and any change to a tool's description or schema changes it.
func computeToolsetHash(tools []*Tool) string {
	if len(tools) == 0 {
		return "sha256:empty"
	}
	records := make([]toolsetRecord, 0, len(tools))
	for _, t := range tools {
		records = append(records, toolsetRecord{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: canonicalJSON(t.InputSchema),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	canonical, _ := json.Marshal(records)
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON re-marshals raw through an untyped value so object keys sort
// deterministically at every nesting level, making equal schemas hash equal
// regardless of source key order.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out, err := json.Marshal(toAny(raw))
	if err != nil {
		return raw
	}
	return out
}

var reservedDelegateNames = map[string]struct{}{
	"server": {}, "system": {}, "internal": {}, "admin": {},
}

var delegateIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidateDelegateID enforces the §3 delegateId rules: bounded length,
// restricted character set, no namespace separator, not a reserved name.
func ValidateDelegateID(id string) error {
	if !delegateIDPattern.MatchString(id) {
		return fmt.Errorf("toolregistry: invalid delegateId %q", id)
	}
	if strings.Contains(id, NamespaceSeparator) {
		return fmt.Errorf("toolregistry: delegateId %q must not contain %q", id, NamespaceSeparator)
	}
	if _, reserved := reservedDelegateNames[strings.ToLower(id)]; reserved {
		return fmt.Errorf("toolregistry: delegateId %q is reserved", id)
	}
	return nil
}
