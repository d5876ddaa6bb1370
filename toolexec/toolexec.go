// Package toolexec ties tool resolution (toolregistry) to execution: a
// global tool's handler runs in-process, a delegate tool's call is routed
// through the Delegate Manager and awaited.
package toolexec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/toolregistry"
)

// Result is the outcome of executing a resolved tool call to completion.
type Result struct {
	Tool    *toolregistry.Tool
	Output  json.RawMessage
	IsError bool
	Error   error
}

// Executor resolves a tool call via a Registry and executes it, either
// locally (global tools) or by round-tripping to the owning delegate.
type Executor struct {
	registry  *toolregistry.Registry
	delegates *delegatemgr.Manager
	timeout   time.Duration
}

// New constructs an Executor. timeout <= 0 uses delegatemgr.DefaultToolCallTimeout.
func New(registry *toolregistry.Registry, delegates *delegatemgr.Manager, timeout time.Duration) *Executor {
	return &Executor{registry: registry, delegates: delegates, timeout: timeout}
}

// Execute resolves call against userID's visible tools, applies toolConfig
// policy, and runs it to completion.
func (e *Executor) Execute(ctx context.Context, call toolregistry.ToolCall, userID string, toolConfig *toolregistry.ToolConfig) Result {
	resolved := e.registry.Execute(ctx, call, userID, toolConfig)
	if resolved.Error != nil {
		return Result{Tool: resolved.Tool, IsError: true, Error: resolved.Error}
	}

	if resolved.Tool.Handler != nil {
		out, err := resolved.Tool.Handler(ctx, userID, call.ConversationID, call.Input)
		if err != nil {
			return Result{Tool: resolved.Tool, IsError: true, Error: err}
		}
		return Result{Tool: resolved.Tool, Output: out}
	}

	requestID := call.RequestID
	if requestID == "" {
		// Never reuse the tool name here: two concurrent in-flight calls to
		// the same tool from the same delegate would collide on the same
		// correlation key in delegatemgr.Manager.pending.
		requestID = uuid.NewString()
	}
	resp := e.delegates.ExecuteToolOnDelegate(ctx, resolved.Tool.DelegateID, userID, delegatemgr.ToolCallRequest{
		RequestID:      requestID,
		ConversationID: call.ConversationID,
		ToolName:       resolved.Tool.OriginalName,
		Input:          call.Input,
	}, e.timeout)
	if resp.IsError {
		return Result{Tool: resolved.Tool, IsError: true, Error: delegateCallError(resp.Error)}
	}
	return Result{Tool: resolved.Tool, Output: resp.Result}
}

type delegateCallError string

func (e delegateCallError) Error() string { return string(e) }
