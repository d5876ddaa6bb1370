package delegatemgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/delegatemgr"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
	fail error
}

func (f *fakeSender) Send(ctx context.Context, payload any) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	return nil
}

func TestGetOrCreateServerID_StableAndScopedPerDelegateServerPair(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	a1 := m.GetOrCreateServerID("alpha", "github")
	a2 := m.GetOrCreateServerID("alpha", "github")
	b1 := m.GetOrCreateServerID("alpha", "gitlab")
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b1)
}

func TestExecuteToolOnDelegate_NotConnectedReturnsSynchronousError(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	resp := m.ExecuteToolOnDelegate(context.Background(), "alpha", "user1", delegatemgr.ToolCallRequest{RequestID: "r1"}, time.Second)
	assert.True(t, resp.IsError)
	assert.Equal(t, delegatemgr.ErrNotConnected.Error(), resp.Error)
}

func TestExecuteToolOnDelegate_ResolvedByMatchingResponse(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	sender := &fakeSender{}
	m.Register(context.Background(), "sess1", "alpha", "user1", sender)

	done := make(chan delegatemgr.ToolCallResponse, 1)
	go func() {
		done <- m.ExecuteToolOnDelegate(context.Background(), "alpha", "user1", delegatemgr.ToolCallRequest{RequestID: "r1"}, 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		return m.ResolveToolCallResponse("alpha", delegatemgr.ToolCallResponse{RequestID: "r1", Result: []byte(`"ok"`)})
	}, time.Second, time.Millisecond)

	resp := <-done
	assert.False(t, resp.IsError)
	assert.Equal(t, `"ok"`, string(resp.Result))
}

func TestExecuteToolOnDelegate_TimesOutWithoutResponse(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	sender := &fakeSender{}
	m.Register(context.Background(), "sess1", "alpha", "user1", sender)

	resp := m.ExecuteToolOnDelegate(context.Background(), "alpha", "user1", delegatemgr.ToolCallRequest{RequestID: "r1"}, 20*time.Millisecond)
	assert.True(t, resp.IsError)
	assert.Equal(t, delegatemgr.ErrTimeout.Error(), resp.Error)
}

func TestSendHookRequest_ResolvedByMatchingResponse(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	sender := &fakeSender{}
	m.Register(context.Background(), "sess1", "alpha", "user1", sender)

	done := make(chan delegatemgr.HookCallResponse, 1)
	go func() {
		done <- m.SendHookRequest(context.Background(), "alpha", "user1", delegatemgr.HookCallRequest{
			RequestID: "h1", ConversationID: "conv1", Summary: "s", Kind: "beforeInference",
		}, 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		return m.ResolveHookResponse("alpha", delegatemgr.HookCallResponse{RequestID: "h1", Injections: []byte(`[{"ServerID":"alpha","Content":"hi"}]`)})
	}, time.Second, time.Millisecond)

	resp := <-done
	assert.Empty(t, resp.Error)
	assert.Contains(t, string(resp.Injections), "hi")
}

func TestSendHookRequest_NotConnectedReturnsSynchronousError(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	resp := m.SendHookRequest(context.Background(), "ghost", "user1", delegatemgr.HookCallRequest{RequestID: "h1"}, 0)
	assert.Equal(t, delegatemgr.ErrNotConnected.Error(), resp.Error)
}

func TestUnregister_FailsPendingCallsWithDisconnectError(t *testing.T) {
	m := delegatemgr.New(nil, nil, nil, nil)
	sender := &fakeSender{}
	m.Register(context.Background(), "sess1", "alpha", "user1", sender)

	done := make(chan delegatemgr.ToolCallResponse, 1)
	go func() {
		done <- m.ExecuteToolOnDelegate(context.Background(), "alpha", "user1", delegatemgr.ToolCallRequest{RequestID: "r1"}, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Unregister(context.Background(), "sess1")

	resp := <-done
	assert.True(t, resp.IsError)
	assert.Equal(t, delegatemgr.ErrDisconnected.Error(), resp.Error)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []delegatemgr.DelegateStatus
}

func (s *statusRecorder) BroadcastDelegateStatus(ctx context.Context, userID string, status delegatemgr.DelegateStatus, delegates []delegatemgr.DelegateInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func TestUpdateTools_BroadcastsToolsUpdated(t *testing.T) {
	rec := &statusRecorder{}
	m := delegatemgr.New(rec, nil, nil, nil)
	m.Register(context.Background(), "sess1", "alpha", "user1", &fakeSender{})
	m.UpdateTools(context.Background(), "sess1", []string{"read", "write"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.statuses, 2)
	assert.Equal(t, delegatemgr.StatusConnected, rec.statuses[0])
	assert.Equal(t, delegatemgr.StatusToolsUpdated, rec.statuses[1])
}
