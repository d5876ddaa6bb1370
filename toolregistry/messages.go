// Package toolregistry implements the MCPL Tool Registry: a namespaced
// store of global and delegate-scoped tools, per-participant policy
// filtering, deterministic toolset hashing, and unambiguous compat-shim
// resolution for unprefixed tool calls.
package toolregistry

import "encoding/json"

// ToolCallRequest is the host->delegate tool_call_request payload.
type ToolCallRequest struct {
	RequestID      string          `json:"requestId"`
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId,omitempty"`
	Tool           ToolInvocation  `json:"tool"`
	TimeoutMs      int             `json:"timeout"`
	ScopeContext   *ScopeContext   `json:"scopeContext,omitempty"`

	// TraceParent/TraceState/Baggage propagate W3C trace context so a
	// delegate-side span can be linked back to the originating host span.
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
	Baggage     string `json:"baggage,omitempty"`
}

// ToolInvocation identifies the tool and input for a tool_call_request.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ScopeContext is attached to a tool_call_request when the call executes
// under a negotiated feature set with active capabilities.
type ScopeContext struct {
	FeatureSet        string   `json:"featureSet"`
	ActiveCapabilities []string `json:"activeCapabilities"`
}

// ToolCallResponse is the delegate->host tool_call_response payload.
type ToolCallResponse struct {
	RequestID string     `json:"requestId"`
	ToolUseID string     `json:"toolUseId"`
	Result    ToolResult `json:"result"`
}

// ToolResult is the content and error state returned from a tool execution.
type ToolResult struct {
	// Content is either a string or an array of content blocks; represented
	// opaquely here since the runtime never interprets its shape.
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
}

// ToolManifestEntry describes one tool advertised by a delegate's
// tool_manifest message.
type ToolManifestEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	ServerName  string          `json:"serverName,omitempty"`
}

// ToolManifest is the delegate->host tool_manifest payload. DelegateID in
// the payload is ignored — the handshake value is canonical.
type ToolManifest struct {
	DelegateID string              `json:"delegateId"`
	Tools      []ToolManifestEntry `json:"tools"`
}

// ToolManifestAck is the host->delegate acknowledgement naming the prefixed
// names actually installed.
type ToolManifestAck struct {
	ToolCount int      `json:"toolCount"`
	Tools     []string `json:"tools"`
}
