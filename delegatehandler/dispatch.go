package delegatehandler

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/eventqueue"
	"goa.design/mcpl/inference"
	"goa.design/mcpl/scope"
	"goa.design/mcpl/session"
	"goa.design/mcpl/statemgr"
	"goa.design/mcpl/toolregistry"
)

// MCPLRouter is the concrete Router wiring every MCPL message type to its
// owning subsystem. It implements the Handler's Router interface.
type MCPLRouter struct {
	Tools     *toolregistry.Registry
	Delegates *delegatemgr.Manager
	Queue     *eventqueue.Queue
	State     *statemgr.Manager
	Scope     *scope.Manager
	Broker    *inference.Broker
	GenRespID func() string
}

// Route implements Router.
func (r *MCPLRouter) Route(ctx context.Context, conn *Conn, messageType string, raw json.RawMessage) {
	switch messageType {
	case "tool_manifest":
		r.handleToolManifest(conn, raw)
	case "tool_call_response":
		r.handleToolCallResponse(conn, raw)
	case "mcpl/push_event":
		r.handlePushEvent(ctx, conn, raw)
	case "trigger_inference":
		r.handleTriggerInference(ctx, conn, raw)
	case "ping":
		r.handlePing(ctx, conn, raw)
	case "mcpl/scope_change_request":
		r.handleScopeChangeRequest(ctx, conn, raw)
	case "mcpl/scope_elevate_request":
		r.handleScopeElevateRequest(ctx, conn, raw)
	case "mcpl/featureSets_changed":
		r.handleFeatureSetsChanged(conn, raw)
	case "mcpl/state_set":
		r.handleStateSet(ctx, conn, raw)
	case "mcpl/state_patch":
		r.handleStatePatch(ctx, conn, raw)
	case "mcpl/state_rollback":
		r.handleStateRollback(ctx, conn, raw)
	case "mcpl/state_get":
		r.handleStateGet(conn, raw)
	case "mcpl/checkpoint_list":
		r.handleCheckpointList(conn, raw)
	case "mcpl/inference_request":
		r.handleInferenceRequest(ctx, conn, raw)
	case "mcpl/connect_server_result":
		r.handleConnectServerResult(ctx, conn, raw)
	case "mcpl/model_info_request":
		r.handleModelInfoRequest(ctx, conn, raw)
	case "mcpl/beforeInference_response":
		r.handleBeforeInferenceResponse(conn, raw)
	case "mcpl/afterInference_ack":
		r.handleAfterInferenceAck(conn, raw)
	}
}

func (r *MCPLRouter) handleToolManifest(conn *Conn, raw json.RawMessage) {
	var manifest toolregistry.ToolManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return
	}
	tools := make([]*toolregistry.Tool, 0, len(manifest.Tools))
	for _, entry := range manifest.Tools {
		tools = append(tools, &toolregistry.Tool{
			OriginalName: entry.Name,
			Description:  entry.Description,
			InputSchema:  entry.InputSchema,
		})
	}
	_, _, err := r.Tools.RegisterDelegateTools(conn.UserID, conn.DelegateID, tools)
	if err != nil {
		return
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	_ = conn.Send(context.Background(), toolregistry.ToolManifestAck{ToolCount: len(names), Tools: names})
}

func (r *MCPLRouter) handleToolCallResponse(conn *Conn, raw json.RawMessage) {
	var resp toolregistry.ToolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil || r.Delegates == nil {
		return
	}
	r.Delegates.ResolveToolCallResponse(conn.DelegateID, delegatemgr.ToolCallResponse{
		RequestID: resp.RequestID,
		Result:    resp.Result.Content,
		IsError:   resp.Result.IsError,
	})
}

func (r *MCPLRouter) handlePushEvent(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var ev struct {
		ID             string          `json:"id"`
		Source         string          `json:"source"`
		ConversationID string          `json:"conversationId"`
		EventType      string          `json:"eventType"`
		Payload        json.RawMessage `json:"payload"`
		SystemMessage  string          `json:"systemMessage"`
		IdempotencyKey string          `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if r.Queue == nil {
		return
	}
	r.Queue.Push(ctx, eventqueue.Event{
		ID:             ev.ID,
		Source:         ev.Source,
		ConversationID: ev.ConversationID,
		EventType:      ev.EventType,
		Payload:        ev.Payload,
		SystemMessage:  ev.SystemMessage,
		IdempotencyKey: ev.IdempotencyKey,
		DelegateID:     conn.DelegateID,
		UserID:         conn.UserID,
	}, time.Now())
}

// handleTriggerInference answers a legacy trigger_inference call
// synchronously with trigger_inference_result, distinct from the framed
// mcpl/push_event path which goes through the Event Queue.
func (r *MCPLRouter) handleTriggerInference(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var trig struct {
		TriggerID      string `json:"triggerId"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &trig); err != nil {
		return
	}
	_ = conn.Send(ctx, map[string]any{
		"type": "trigger_inference_result", "triggerId": trig.TriggerID, "success": true, "conversationId": trig.ConversationID,
	})
}

func (r *MCPLRouter) handlePing(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var ping struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(raw, &ping)
	_ = conn.Send(ctx, map[string]any{"type": "pong", "timestamp": ping.Timestamp})
}

func (r *MCPLRouter) handleScopeChangeRequest(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID             string   `json:"requestId"`
		ServerID              string   `json:"serverId"`
		RequestedCapabilities []string `json:"requestedCapabilities"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.Scope == nil {
		return
	}
	requested := make(map[string]bool, len(req.RequestedCapabilities))
	for _, c := range req.RequestedCapabilities {
		requested[c] = true
	}
	r.Scope.RequestChange(ctx, req.RequestID, conn.DelegateID, conn.SessionID, requested, func(outcome scope.Outcome) {
		approved := outcome == scope.Approved
		_ = conn.Send(context.Background(), map[string]any{
			"type": "mcpl/scope_change_result", "requestId": req.RequestID, "approved": approved,
		})
	})
}

func (r *MCPLRouter) handleScopeElevateRequest(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID             string   `json:"requestId"`
		FeatureSet            string   `json:"featureSet"`
		Label                 string   `json:"label"`
		RequestedCapabilities []string `json:"requestedCapabilities"`
		TimeoutMs             int      `json:"timeoutMs"`
		Remember              bool     `json:"remember"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.Scope == nil {
		return
	}
	timeout := scope.ElevateDefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	r.Scope.RequestElevate(ctx, req.RequestID, conn.UserID, conn.DelegateID, req.FeatureSet, req.Label, req.RequestedCapabilities, req.Remember, timeout, func(outcome scope.Outcome) {
		approved := outcome == scope.Approved
		_ = conn.Send(context.Background(), map[string]any{
			"type": "mcpl/scope_elevate_result", "requestId": req.RequestID, "approved": approved,
		})
	})
}

func (r *MCPLRouter) handleFeatureSetsChanged(conn *Conn, raw json.RawMessage) {
	var payload struct {
		FeatureSets map[string]session.FeatureSet `json:"featureSets"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || conn.Session == nil {
		return
	}
	conn.Session.SetFeatureSets(payload.FeatureSets)
}

func (r *MCPLRouter) handleStateSet(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string          `json:"requestId"`
		ConversationID string          `json:"conversationId"`
		State          json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.State == nil {
		return
	}
	r.State.SetState(ctx, req.ConversationID, true, req.State)
}

func (r *MCPLRouter) handleStatePatch(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string          `json:"requestId"`
		ConversationID string          `json:"conversationId"`
		Patch          json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.State == nil {
		return
	}
	success, errMsg := r.State.ApplyPatch(ctx, req.ConversationID, true, req.Patch)
	_ = conn.Send(ctx, map[string]any{
		"type": "mcpl/state_patch_result", "requestId": req.RequestID, "success": success, "error": errMsg,
	})
}

func (r *MCPLRouter) handleStateRollback(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string `json:"requestId"`
		ConversationID string `json:"conversationId"`
		CheckpointID   string `json:"checkpointId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.State == nil {
		return
	}
	commit := r.State.CommitRollback(ctx, req.ConversationID, req.CheckpointID)
	resp := map[string]any{"type": "mcpl/state_response", "requestId": req.RequestID, "rolledBack": commit.Status == statemgr.CommitOK}
	if commit.Status != statemgr.CommitOK {
		resp["error"] = string(commit.Status)
	} else {
		resp["checkpointId"] = req.CheckpointID
		resp["state"] = r.State.GetState(req.ConversationID)
	}
	_ = conn.Send(ctx, resp)
}

func (r *MCPLRouter) handleStateGet(conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string `json:"requestId"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.State == nil {
		return
	}
	_ = conn.Send(context.Background(), map[string]any{
		"type": "mcpl/state_response", "requestId": req.RequestID, "state": r.State.GetState(req.ConversationID),
	})
}

func (r *MCPLRouter) handleCheckpointList(conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string `json:"requestId"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.State == nil {
		return
	}
	current, checkpoints := r.State.GetCheckpoints(req.ConversationID)
	_ = conn.Send(context.Background(), map[string]any{
		"type": "mcpl/checkpoint_list_response", "requestId": req.RequestID, "current": current, "checkpoints": checkpoints,
	})
}

func (r *MCPLRouter) handleInferenceRequest(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID      string `json:"requestId"`
		ServerID       string `json:"serverId"`
		ConversationID string `json:"conversationId"`
		SystemMessage  string `json:"systemMessage"`
		UserMessage    string `json:"userMessage"`
		MaxTokens      int    `json:"maxTokens"`
		Stream         bool   `json:"stream"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.Broker == nil {
		return
	}
	r.Broker.Handle(ctx, inference.Request{
		RequestID:      req.RequestID,
		ServerID:       req.ServerID,
		DelegateID:     conn.DelegateID,
		ConversationID: req.ConversationID,
		SystemMessage:  req.SystemMessage,
		UserMessage:    req.UserMessage,
		MaxTokens:      req.MaxTokens,
		Stream:         req.Stream,
	}, &connResponder{conn: conn})
}

// handleConnectServerResult persists the final outcome of a scope-change
// request the host already approved: the delegate reports whether it managed
// to actually connect to the newly-scoped MCP server.
func (r *MCPLRouter) handleConnectServerResult(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var res struct {
		RequestID string `json:"requestId"`
		URL       string `json:"url"`
		Success   bool   `json:"success"`
		ServerID  string `json:"serverId"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || r.Scope == nil {
		return
	}
	_ = r.Scope.RecordConnectResult(res.RequestID, res.Success)
}

// handleModelInfoRequest answers with the model the Inference Router would
// currently select for this delegate absent a conversation-specific
// override; the conversation-level model, where one is configured, is only
// known at inference time.
func (r *MCPLRouter) handleModelInfoRequest(ctx context.Context, conn *Conn, raw json.RawMessage) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || r.Broker == nil {
		return
	}
	route := r.Broker.ResolveRoute(inference.Query{DelegateID: conn.DelegateID})
	_ = conn.Send(ctx, map[string]any{
		"type": "mcpl/model_info_response", "requestId": req.RequestID,
		"modelId": route.Model, "provider": route.Provider,
		"contextWindow": 0, "outputTokenLimit": 0,
		"supportsThinking": false, "supportsPrefill": false,
		"capabilities": []string{},
	})
}

// handleBeforeInferenceResponse forwards a delegate's reply to a
// host-initiated mcpl/beforeInference call back to the waiting Hook
// Manager fan-out.
func (r *MCPLRouter) handleBeforeInferenceResponse(conn *Conn, raw json.RawMessage) {
	var resp struct {
		RequestID  string          `json:"requestId"`
		Injections json.RawMessage `json:"injections"`
		Error      string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || r.Delegates == nil {
		return
	}
	r.Delegates.ResolveHookResponse(conn.DelegateID, delegatemgr.HookCallResponse{
		RequestID:  resp.RequestID,
		Injections: resp.Injections,
		Error:      resp.Error,
	})
}

// handleAfterInferenceAck forwards a delegate's acknowledgement of a
// host-initiated mcpl/afterInference notification; afterInference never
// carries injections, so only the correlation itself matters.
func (r *MCPLRouter) handleAfterInferenceAck(conn *Conn, raw json.RawMessage) {
	var ack struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil || r.Delegates == nil {
		return
	}
	r.Delegates.ResolveHookResponse(conn.DelegateID, delegatemgr.HookCallResponse{RequestID: ack.RequestID})
}

// connResponder adapts a Conn's Send to inference.Responder.
type connResponder struct {
	conn *Conn
}

func (c *connResponder) SendChunk(ctx context.Context, requestID string, chunkIndex int, delta string) error {
	return c.conn.Send(ctx, map[string]any{
		"type": "mcpl/inference_chunk", "requestId": requestID, "chunkIndex": chunkIndex, "delta": delta,
	})
}

func (c *connResponder) SendResponse(ctx context.Context, requestID string, success bool, content, errMsg string) error {
	payload := map[string]any{"type": "mcpl/inference_response", "requestId": requestID, "success": success}
	if success {
		payload["content"] = content
	} else {
		payload["error"] = errMsg
	}
	return c.conn.Send(ctx, payload)
}
