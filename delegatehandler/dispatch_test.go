package delegatehandler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/delegatehandler"
	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/inference"
	"goa.design/mcpl/scope"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, payload any) error { return nil }

type recordingConn struct {
	mu  sync.Mutex
	out []map[string]any
}

func (r *recordingConn) conn(userID, delegateID string) *delegatehandler.Conn {
	return &delegatehandler.Conn{
		UserID:     userID,
		DelegateID: delegateID,
		Send: func(ctx context.Context, payload any) error {
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			r.mu.Lock()
			r.out = append(r.out, m)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *recordingConn) byType(msgType string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.out {
		if m["type"] == msgType {
			return m, true
		}
	}
	return nil, false
}

func TestMCPLRouter_Ping_RepliesWithPong(t *testing.T) {
	r := &delegatehandler.MCPLRouter{}
	rc := &recordingConn{}
	r.Route(context.Background(), rc.conn("user1", "alpha"), "ping", json.RawMessage(`{"timestamp":42}`))

	msg, ok := rc.byType("pong")
	require.True(t, ok)
	assert.Equal(t, float64(42), msg["timestamp"])
}

func TestMCPLRouter_TriggerInference_RepliesSynchronously(t *testing.T) {
	r := &delegatehandler.MCPLRouter{}
	rc := &recordingConn{}
	r.Route(context.Background(), rc.conn("user1", "alpha"), "trigger_inference", json.RawMessage(`{"triggerId":"trig_1","conversationId":"conv_1"}`))

	msg, ok := rc.byType("trigger_inference_result")
	require.True(t, ok)
	assert.Equal(t, "trig_1", msg["triggerId"])
	assert.Equal(t, true, msg["success"])
	assert.Equal(t, "conv_1", msg["conversationId"])
}

func TestMCPLRouter_ScopeChangeThenConnectServerResult_PersistsApprovedConnected(t *testing.T) {
	scopeMgr := scope.New(nil, scope.Policy{}, nil, nil, nil)
	r := &delegatehandler.MCPLRouter{Scope: scopeMgr}
	rc := &recordingConn{}
	conn := rc.conn("user1", "alpha")

	r.Route(context.Background(), conn, "mcpl/scope_change_request", json.RawMessage(`{"requestId":"req1","serverId":"srv","requestedCapabilities":["push_events"]}`))
	require.NoError(t, scopeMgr.DecideChange(context.Background(), "req1", true))

	msg, ok := rc.byType("mcpl/scope_change_result")
	require.True(t, ok)
	assert.Equal(t, true, msg["approved"])

	r.Route(context.Background(), conn, "mcpl/connect_server_result", json.RawMessage(`{"requestId":"req1","success":true}`))
	assert.NoError(t, scopeMgr.RecordConnectResult("req1", true)) // idempotent re-check: already recorded via Route
}

func TestMCPLRouter_ModelInfoRequest_RepliesWithResolvedRoute(t *testing.T) {
	router := inference.NewRouter("/nonexistent/path-for-test.json")
	broker := inference.NewBroker(router, nopEngine{}, nil, nil, nil, nil)
	r := &delegatehandler.MCPLRouter{Broker: broker}
	rc := &recordingConn{}

	r.Route(context.Background(), rc.conn("user1", "alpha"), "mcpl/model_info_request", json.RawMessage(`{"requestId":"req1"}`))

	msg, ok := rc.byType("mcpl/model_info_response")
	require.True(t, ok)
	assert.Equal(t, "req1", msg["requestId"])
}

func TestMCPLRouter_ToolCallResponse_ResolvesPendingExecuteToolOnDelegate(t *testing.T) {
	delegates := delegatemgr.New(nil, nil, nil, nil)
	delegates.Register(context.Background(), "sess1", "alpha", "user1", noopSender{})

	r := &delegatehandler.MCPLRouter{Delegates: delegates}
	rc := &recordingConn{}
	conn := rc.conn("user1", "alpha")

	done := make(chan delegatemgr.ToolCallResponse, 1)
	go func() {
		resp := delegates.ExecuteToolOnDelegate(context.Background(), "alpha", "user1", delegatemgr.ToolCallRequest{
			RequestID: "req1", ToolName: "search",
		}, time.Second)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		r.Route(context.Background(), conn, "tool_call_response", json.RawMessage(`{"requestId":"req1","result":{"content":"42","isError":false}}`))
		select {
		case resp := <-done:
			done <- resp // put it back for the final assertion below
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	select {
	case resp := <-done:
		assert.False(t, resp.IsError)
		assert.Equal(t, `"42"`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("ExecuteToolOnDelegate never resolved")
	}
}

func TestMCPLRouter_BeforeInferenceResponse_ResolvesPendingSendHookRequest(t *testing.T) {
	delegates := delegatemgr.New(nil, nil, nil, nil)
	delegates.Register(context.Background(), "sess1", "alpha", "user1", noopSender{})

	r := &delegatehandler.MCPLRouter{Delegates: delegates}
	rc := &recordingConn{}
	conn := rc.conn("user1", "alpha")

	done := make(chan delegatemgr.HookCallResponse, 1)
	go func() {
		done <- delegates.SendHookRequest(context.Background(), "alpha", "user1", delegatemgr.HookCallRequest{
			RequestID: "h1", ConversationID: "conv1", Summary: "s", Kind: "beforeInference",
		}, time.Second)
	}()

	require.Eventually(t, func() bool {
		r.Route(context.Background(), conn, "mcpl/beforeInference_response", json.RawMessage(`{"requestId":"h1","injections":[{"Content":"hi"}]}`))
		select {
		case resp := <-done:
			done <- resp
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	select {
	case resp := <-done:
		assert.Empty(t, resp.Error)
		assert.Contains(t, string(resp.Injections), "hi")
	case <-time.After(time.Second):
		t.Fatal("SendHookRequest never resolved")
	}
}

type nopEngine struct{}

func (nopEngine) Infer(ctx context.Context, route inference.Route, req inference.Request, onChunk func(int, string)) (string, error) {
	return "", nil
}
