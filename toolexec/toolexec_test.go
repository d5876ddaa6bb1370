package toolexec_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/toolexec"
	"goa.design/mcpl/toolregistry"
)

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, payload any) error { return nil }

func TestExecute_GlobalToolRunsHandlerDirectly(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	require.NoError(t, reg.RegisterGlobalTool(&toolregistry.Tool{
		OriginalName: "echo",
		Handler: func(ctx context.Context, userID, conversationID string, input json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"userId": userID})
		},
	}))
	delegates := delegatemgr.New(nil, nil, nil, nil)
	exec := toolexec.New(reg, delegates, time.Second)

	result := exec.Execute(context.Background(), toolregistry.ToolCall{Name: "echo"}, "user1", nil)
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"userId":"user1"}`, string(result.Output))
}

func TestExecute_DelegateToolRoundTripsThroughDelegateManager(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	_, _, err := reg.RegisterDelegateTools("user1", "alpha", []*toolregistry.Tool{{OriginalName: "search"}})
	require.NoError(t, err)

	delegates := delegatemgr.New(nil, nil, nil, nil)
	delegates.Register(context.Background(), "sess1", "alpha", "user1", fakeSender{})

	exec := toolexec.New(reg, delegates, 20*time.Millisecond)
	result := exec.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__search"}, "user1", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, delegatemgr.ErrTimeout.Error(), result.Error.Error())
}

// echoingSender captures each outgoing ToolCallRequest's requestId and
// resolves it asynchronously with a result derived from that same id, so a
// correlation-key collision between two concurrent calls would surface as a
// timeout or a swapped/duplicated result.
type echoingSender struct {
	delegates  *delegatemgr.Manager
	delegateID string

	mu  sync.Mutex
	ids []string
}

func (s *echoingSender) Send(ctx context.Context, payload any) error {
	req := payload.(delegatemgr.ToolCallRequest)
	s.mu.Lock()
	s.ids = append(s.ids, req.RequestID)
	s.mu.Unlock()
	go func() {
		s.delegates.ResolveToolCallResponse(s.delegateID, delegatemgr.ToolCallResponse{
			RequestID: req.RequestID,
			Result:    json.RawMessage(`"` + req.RequestID + `"`),
		})
	}()
	return nil
}

func (s *echoingSender) requestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func TestExecute_ConcurrentCallsToSameToolDoNotShareCorrelationKey(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	_, _, err := reg.RegisterDelegateTools("user1", "alpha", []*toolregistry.Tool{{OriginalName: "search"}})
	require.NoError(t, err)

	delegates := delegatemgr.New(nil, nil, nil, nil)
	sender := &echoingSender{delegates: delegates, delegateID: "alpha"}
	delegates.Register(context.Background(), "sess1", "alpha", "user1", sender)

	exec := toolexec.New(reg, delegates, time.Second)

	var wg sync.WaitGroup
	results := make([]toolexec.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exec.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__search"}, "user1", nil)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.Falsef(t, r.IsError, "call %d should resolve rather than time out", i)
	}
	assert.NotEqual(t, string(results[0].Output), string(results[1].Output),
		"each call must be correlated by its own unique request id, not the shared tool name")

	ids := sender.requestIDs()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1], "concurrent calls to the same tool must not reuse the tool name as the correlation id")
}

func TestExecute_UnknownToolReturnsResolutionError(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	delegates := delegatemgr.New(nil, nil, nil, nil)
	exec := toolexec.New(reg, delegates, time.Second)

	result := exec.Execute(context.Background(), toolregistry.ToolCall{Name: "nope"}, "user1", nil)
	assert.True(t, result.IsError)
	assert.ErrorIs(t, result.Error, toolregistry.ErrUnknownTool)
}
