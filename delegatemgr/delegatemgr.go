// Package delegatemgr implements the MCPL Delegate Manager: the
// (sessionId → connected delegate) table, stable per-(delegate, server)
// identity assignment, and tool-call routing with request/response
// correlation and timeout.
package delegatemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

// DefaultToolCallTimeout is used when a caller supplies timeoutMs <= 0.
const DefaultToolCallTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned when a call targets a delegate with no
	// registered, open session.
	ErrNotConnected = errors.New("delegatemgr: delegate not connected")
	// ErrDisconnected completes every call still pending when its delegate
	// disconnects.
	ErrDisconnected = errors.New("delegatemgr: delegate disconnected")
	// ErrTimeout completes a call whose correlated response never arrives.
	ErrTimeout = errors.New("delegatemgr: tool call timed out")
)

// Sender delivers a framed payload to a delegate's reliable channel.
type Sender interface {
	Send(ctx context.Context, payload any) error
}

// ToolCallRequest is the wire shape sent to a delegate.
type ToolCallRequest struct {
	RequestID      string          `json:"requestId"`
	ConversationID string          `json:"conversationId,omitempty"`
	ToolName       string          `json:"toolName"`
	Input          json.RawMessage `json:"input,omitempty"`
	ScopeContext   json.RawMessage `json:"scopeContext,omitempty"`
}

// ToolCallResponse is what resolves a pending tool call, whether from the
// delegate or synthesized by a timeout/disconnect.
type ToolCallResponse struct {
	RequestID string
	Result    json.RawMessage
	IsError   bool
	Error     string
}

// HookCallRequest describes a beforeInference/afterInference request to a
// delegate acting as an MCP server. SendHookRequest builds the wire message
// from it: Kind selects the message type and Summary travels as
// messagesSummary.
type HookCallRequest struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	Summary        string `json:"summary"`
	Kind           string `json:"kind"` // "beforeInference" or "afterInference"
}

// HookCallResponse is what resolves a pending hook call, whether from the
// delegate's mcpl/beforeInference_response (afterInference calls resolve
// with an empty Injections on their mcpl/afterInference_ack).
type HookCallResponse struct {
	RequestID  string
	Injections json.RawMessage
	Error      string
}

// DelegateStatus is the kind of change broadcast to a user's UI rooms.
type DelegateStatus string

const (
	StatusConnected    DelegateStatus = "connected"
	StatusDisconnected DelegateStatus = "disconnected"
	StatusToolsUpdated DelegateStatus = "tools_updated"
)

// StatusBroadcaster publishes delegate connectivity/tool changes to a
// user's UI rooms.
type StatusBroadcaster interface {
	BroadcastDelegateStatus(ctx context.Context, userID string, status DelegateStatus, delegates []DelegateInfo)
}

// DelegateInfo is a snapshot of one connected delegate for UI broadcast.
type DelegateInfo struct {
	DelegateID string
	SessionID  string
	Tools      []string
}

type connectedDelegate struct {
	delegateID string
	userID     string
	sessionID  string
	sender     Sender
	tools      []string
}

// Manager tracks connected delegates and routes tool calls to them.
type Manager struct {
	mu sync.Mutex

	bySession map[string]*connectedDelegate
	serverIDs map[string]string // "delegateId::serverName" -> stable serverId
	nextSeq   int

	pending     map[string]chan ToolCallResponse
	pendingHook map[string]chan HookCallResponse

	broadcaster StatusBroadcaster
	obs         *observability.Recorder
}

// New constructs an empty Manager.
func New(broadcaster StatusBroadcaster, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Manager {
	return &Manager{
		bySession:   make(map[string]*connectedDelegate),
		serverIDs:   make(map[string]string),
		pending:     make(map[string]chan ToolCallResponse),
		pendingHook: make(map[string]chan HookCallResponse),
		broadcaster: broadcaster,
		obs:         observability.New("delegatemgr", logger, metrics, tracer),
	}
}

// Register installs a connected delegate under sessionID and broadcasts a
// "connected" status.
func (m *Manager) Register(ctx context.Context, sessionID, delegateID, userID string, sender Sender) {
	m.mu.Lock()
	m.bySession[sessionID] = &connectedDelegate{delegateID: delegateID, userID: userID, sessionID: sessionID, sender: sender}
	m.mu.Unlock()

	m.broadcastStatus(ctx, userID, StatusConnected)
}

// Unregister removes sessionID's delegate, fails every pending call for it
// with ErrDisconnected, and broadcasts "disconnected".
func (m *Manager) Unregister(ctx context.Context, sessionID string) {
	m.mu.Lock()
	d, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.bySession, sessionID)

	var toFail []chan ToolCallResponse
	for reqID, ch := range m.pending {
		if strings.HasPrefix(reqID, d.delegateID+"::") {
			toFail = append(toFail, ch)
			delete(m.pending, reqID)
		}
	}
	var hooksToFail []chan HookCallResponse
	for reqID, ch := range m.pendingHook {
		if strings.HasPrefix(reqID, d.delegateID+"::") {
			hooksToFail = append(hooksToFail, ch)
			delete(m.pendingHook, reqID)
		}
	}
	m.mu.Unlock()

	for _, ch := range toFail {
		ch <- ToolCallResponse{IsError: true, Error: ErrDisconnected.Error()}
	}
	for _, ch := range hooksToFail {
		ch <- HookCallResponse{Error: ErrDisconnected.Error()}
	}

	m.broadcastStatus(ctx, d.userID, StatusDisconnected)
}

// UpdateTools replaces sessionID's advertised tool set and broadcasts
// "tools_updated".
func (m *Manager) UpdateTools(ctx context.Context, sessionID string, tools []string) {
	m.mu.Lock()
	d, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	d.tools = tools
	userID := d.userID
	m.mu.Unlock()

	m.broadcastStatus(ctx, userID, StatusToolsUpdated)
}

func (m *Manager) broadcastStatus(ctx context.Context, userID string, status DelegateStatus) {
	if m.broadcaster == nil {
		return
	}
	infos := m.ConnectedDelegates(userID)
	m.broadcaster.BroadcastDelegateStatus(ctx, userID, status, infos)
}

// ConnectedDelegates returns a snapshot of userID's currently connected
// delegates, used by the list_mcp_servers/get_server_status management
// tools as well as status broadcasts.
func (m *Manager) ConnectedDelegates(userID string) []DelegateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []DelegateInfo
	for _, d := range m.bySession {
		if d.userID != userID {
			continue
		}
		infos = append(infos, DelegateInfo{DelegateID: d.delegateID, SessionID: d.sessionID, Tools: append([]string(nil), d.tools...)})
	}
	return infos
}

// GetOrCreateServerID returns the stable serverId for (delegateId,
// serverName), minting a new one on first use. The identity is stable for
// the process lifetime and survives reconnects within it.
func (m *Manager) GetOrCreateServerID(delegateID, serverName string) string {
	key := delegateID + "::" + serverName
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.serverIDs[key]; ok {
		return id
	}
	m.nextSeq++
	id := fmt.Sprintf("srv_%d", m.nextSeq)
	m.serverIDs[key] = id
	return id
}

func (m *Manager) findByDelegate(delegateID, userID string) (*connectedDelegate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.bySession {
		if d.delegateID == delegateID && d.userID == userID {
			return d, true
		}
	}
	return nil, false
}

// ExecuteToolOnDelegate sends a correlated tool_call_request to delegateID
// and waits up to timeout for the matching tool_call_response. If the
// delegate isn't connected, an error result is returned synchronously
// without ever creating a pending correlation entry.
func (m *Manager) ExecuteToolOnDelegate(ctx context.Context, delegateID, userID string, call ToolCallRequest, timeout time.Duration) ToolCallResponse {
	if timeout <= 0 {
		timeout = DefaultToolCallTimeout
	}

	d, ok := m.findByDelegate(delegateID, userID)
	if !ok {
		return ToolCallResponse{RequestID: call.RequestID, IsError: true, Error: ErrNotConnected.Error()}
	}

	correlationKey := delegateID + "::" + call.RequestID
	ch := make(chan ToolCallResponse, 1)
	m.mu.Lock()
	m.pending[correlationKey] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, correlationKey)
		m.mu.Unlock()
	}()

	if err := d.sender.Send(ctx, call); err != nil {
		return ToolCallResponse{RequestID: call.RequestID, IsError: true, Error: err.Error()}
	}

	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		m.obs.Log(ctx, observability.Event{Operation: "execute_tool_on_delegate", Subject: delegateID, Outcome: observability.OutcomeTimeout})
		return ToolCallResponse{RequestID: call.RequestID, IsError: true, Error: ErrTimeout.Error()}
	case <-ctx.Done():
		return ToolCallResponse{RequestID: call.RequestID, IsError: true, Error: ctx.Err().Error()}
	}
}

// ResolveToolCallResponse completes the pending call correlated by
// (delegateID, resp.RequestID), if any is still waiting.
func (m *Manager) ResolveToolCallResponse(delegateID string, resp ToolCallResponse) bool {
	correlationKey := delegateID + "::" + resp.RequestID
	m.mu.Lock()
	ch, ok := m.pending[correlationKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// SendHookRequest sends a correlated beforeInference/afterInference request
// to delegateID and waits up to timeout for the matching hook response. If
// the delegate isn't connected, an error result is returned synchronously
// without ever creating a pending correlation entry.
func (m *Manager) SendHookRequest(ctx context.Context, delegateID, userID string, call HookCallRequest, timeout time.Duration) HookCallResponse {
	if timeout <= 0 {
		timeout = DefaultToolCallTimeout
	}

	d, ok := m.findByDelegate(delegateID, userID)
	if !ok {
		return HookCallResponse{RequestID: call.RequestID, Error: ErrNotConnected.Error()}
	}

	correlationKey := delegateID + "::" + call.RequestID
	ch := make(chan HookCallResponse, 1)
	m.mu.Lock()
	m.pendingHook[correlationKey] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pendingHook, correlationKey)
		m.mu.Unlock()
	}()

	msgType := "mcpl/beforeInference"
	if call.Kind == "afterInference" {
		msgType = "mcpl/afterInference"
	}
	if err := d.sender.Send(ctx, map[string]any{
		"type":            msgType,
		"requestId":       call.RequestID,
		"conversationId":  call.ConversationID,
		"messagesSummary": call.Summary,
	}); err != nil {
		return HookCallResponse{RequestID: call.RequestID, Error: err.Error()}
	}

	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		m.obs.Log(ctx, observability.Event{Operation: "send_hook_request", Subject: delegateID, Outcome: observability.OutcomeTimeout})
		return HookCallResponse{RequestID: call.RequestID, Error: ErrTimeout.Error()}
	case <-ctx.Done():
		return HookCallResponse{RequestID: call.RequestID, Error: ctx.Err().Error()}
	}
}

// ResolveHookResponse completes the pending hook call correlated by
// (delegateID, resp.RequestID), if any is still waiting.
func (m *Manager) ResolveHookResponse(delegateID string, resp HookCallResponse) bool {
	correlationKey := delegateID + "::" + resp.RequestID
	m.mu.Lock()
	ch, ok := m.pendingHook[correlationKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}
