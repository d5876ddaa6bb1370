// Package mgmttools implements the built-in management tools every MCPL
// host registers as global tools: list_mcp_servers, get_server_status,
// enable_server, disable_server, and manage_scope_policies. Each receives an
// implicit {userId, conversationId} context argument alongside its declared
// input.
package mgmttools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/scope"
	"goa.design/mcpl/toolregistry"
)

// ServerToggle tracks which (userId, serverId) pairs have been explicitly
// disabled via the enable_server/disable_server tools. A server absent from
// this set is enabled by default.
type ServerToggle struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
}

// NewServerToggle constructs an empty ServerToggle.
func NewServerToggle() *ServerToggle {
	return &ServerToggle{disabled: make(map[string]struct{})}
}

func toggleKey(userID, serverID string) string { return userID + "::" + serverID }

// Enabled reports whether serverId is enabled for userId.
func (t *ServerToggle) Enabled(userID, serverID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, disabled := t.disabled[toggleKey(userID, serverID)]
	return !disabled
}

func (t *ServerToggle) setDisabled(userID, serverID string, disabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := toggleKey(userID, serverID)
	if disabled {
		t.disabled[key] = struct{}{}
	} else {
		delete(t.disabled, key)
	}
}

// Register installs all five built-in management tools into reg.
func Register(reg *toolregistry.Registry, delegates *delegatemgr.Manager, scopeMgr *scope.Manager, toggle *ServerToggle) error {
	tools := []*toolregistry.Tool{
		{
			OriginalName: "list_mcp_servers",
			Description:  "List the MCP servers currently connected for this user, with their advertised tools.",
			Handler:      listServersHandler(delegates),
		},
		{
			OriginalName: "get_server_status",
			Description:  "Report connection and enablement status for a named MCP server.",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"serverId":{"type":"string"}},"required":["serverId"]}`),
			Handler:      getServerStatusHandler(delegates, toggle),
		},
		{
			OriginalName: "enable_server",
			Description:  "Re-enable a previously disabled MCP server's tools for this user.",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"serverId":{"type":"string"}},"required":["serverId"]}`),
			Handler:      setEnabledHandler(toggle, false),
		},
		{
			OriginalName: "disable_server",
			Description:  "Disable an MCP server's tools for this user without disconnecting it.",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"serverId":{"type":"string"}},"required":["serverId"]}`),
			Handler:      setEnabledHandler(toggle, true),
		},
		{
			OriginalName: "manage_scope_policies",
			Description:  "List this user's pending scope-elevate requests, or inspect/replace the remembered whitelist/blacklist policy for one of its delegates.",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"action":{"type":"string","enum":["list","getPolicy","setPolicy"]},"delegateId":{"type":"string"},"policy":{"type":"object"}}}`),
			Handler:      manageScopePoliciesHandler(scopeMgr),
		},
	}
	for _, t := range tools {
		if err := reg.RegisterGlobalTool(t); err != nil {
			return err
		}
	}
	return nil
}

func listServersHandler(delegates *delegatemgr.Manager) toolregistry.GlobalHandler {
	return func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error) {
		infos := delegates.ConnectedDelegates(userID)
		return json.Marshal(infos)
	}
}

func getServerStatusHandler(delegates *delegatemgr.Manager, toggle *ServerToggle) toolregistry.GlobalHandler {
	return func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		connected := false
		for _, d := range delegates.ConnectedDelegates(userID) {
			if d.DelegateID == req.ServerID {
				connected = true
				break
			}
		}
		return json.Marshal(map[string]any{
			"serverId":  req.ServerID,
			"connected": connected,
			"enabled":   toggle.Enabled(userID, req.ServerID),
		})
	}
}

func setEnabledHandler(toggle *ServerToggle, disabled bool) toolregistry.GlobalHandler {
	return func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		toggle.setDisabled(userID, req.ServerID, disabled)
		return json.Marshal(map[string]any{"serverId": req.ServerID, "enabled": !disabled})
	}
}

// manageScopePoliciesHandler lists pending elevate requests by default, and
// lets a caller read or replace the whitelist/blacklist policy remembered
// for one of the user's delegates via action "getPolicy"/"setPolicy".
func manageScopePoliciesHandler(scopeMgr *scope.Manager) toolregistry.GlobalHandler {
	return func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Action     string        `json:"action"`
			DelegateID string        `json:"delegateId"`
			Policy     *scope.Policy `json:"policy"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
		}
		switch req.Action {
		case "getPolicy":
			if req.DelegateID == "" {
				return nil, fmt.Errorf("getPolicy requires delegateId")
			}
			return json.Marshal(map[string]any{"delegateId": req.DelegateID, "policy": scopeMgr.PolicyFor(userID, req.DelegateID)})
		case "setPolicy":
			if req.DelegateID == "" || req.Policy == nil {
				return nil, fmt.Errorf("setPolicy requires delegateId and policy")
			}
			scopeMgr.SetPolicy(userID, req.DelegateID, *req.Policy)
			return json.Marshal(map[string]any{"delegateId": req.DelegateID, "policy": scopeMgr.PolicyFor(userID, req.DelegateID)})
		default:
			return json.Marshal(map[string]any{"pendingElevateKeys": scopeMgr.PendingElevateKeys()})
		}
	}
}
