package inference_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/inference"
)

type sentResponse struct {
	success bool
	content string
	errMsg  string
}

type recordingResponder struct {
	mu       sync.Mutex
	chunks   []string
	response *sentResponse
}

func (r *recordingResponder) SendChunk(ctx context.Context, requestID string, chunkIndex int, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, delta)
	return nil
}

func (r *recordingResponder) SendResponse(ctx context.Context, requestID string, success bool, content, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.response = &sentResponse{success: success, content: content, errMsg: errMsg}
	return nil
}

type fakeEngine struct {
	chunks  []string
	content string
	err     error
	onCall  func()
}

func (f fakeEngine) Infer(ctx context.Context, route inference.Route, req inference.Request, onChunk func(int, string)) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return "", f.err
	}
	if onChunk != nil {
		for i, c := range f.chunks {
			onChunk(i, c)
		}
	}
	return f.content, nil
}

func newTestRouter(t *testing.T) *inference.Router {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/inference-routing.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[],"default":{"provider":"p1","model":"m1"}}`), 0o644))
	return inference.NewRouter(path)
}

type boomError string

func (e boomError) Error() string { return string(e) }

func TestBroker_StreamsChunksThenSendsTerminalResponse(t *testing.T) {
	router := newTestRouter(t)
	engine := fakeEngine{chunks: []string{"hel", "lo"}, content: "hello"}
	b := inference.NewBroker(router, engine, nil, nil, nil, nil)

	resp := &recordingResponder{}
	b.Handle(context.Background(), inference.Request{RequestID: "r1", ConversationID: "c1", Stream: true}, resp)

	assert.Equal(t, []string{"hel", "lo"}, resp.chunks)
	require.NotNil(t, resp.response)
	assert.True(t, resp.response.success)
	assert.Equal(t, "hello", resp.response.content)
}

func TestBroker_EngineErrorYieldsFailureResponse(t *testing.T) {
	router := newTestRouter(t)
	engine := fakeEngine{err: boomError("boom")}
	b := inference.NewBroker(router, engine, nil, nil, nil, nil)

	resp := &recordingResponder{}
	b.Handle(context.Background(), inference.Request{RequestID: "r1", ConversationID: "c1"}, resp)

	require.NotNil(t, resp.response)
	assert.False(t, resp.response.success)
	assert.Equal(t, "boom", resp.response.errMsg)
}

func TestBroker_QuotaExhaustedSendsFailureWithoutCallingEngine(t *testing.T) {
	router := newTestRouter(t)
	calls := 0
	engine := fakeEngine{content: "ok", onCall: func() { calls++ }}
	b := inference.NewBroker(router, engine, nil, nil, nil, nil, inference.WithMaxInferencesPerHour(1))

	resp := &recordingResponder{}
	b.Handle(context.Background(), inference.Request{RequestID: "r1", ConversationID: "c1"}, resp)
	require.NotNil(t, resp.response)
	assert.True(t, resp.response.success)

	resp2 := &recordingResponder{}
	b.Handle(context.Background(), inference.Request{RequestID: "r2", ConversationID: "c1"}, resp2)
	require.NotNil(t, resp2.response)
	assert.False(t, resp2.response.success)
	assert.Equal(t, 1, calls, "the engine must not be invoked once the hourly quota is exhausted")
}

func TestBroker_FallsBackToConversationModelWhenNoRuleMatches(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/inference-routing.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[],"default":{"useConversationModel":true}}`), 0o644))
	router := inference.NewRouter(path)

	var gotRoute inference.Route
	engine := fakeEngine{content: "ok"}
	convModel := func(conversationID string) inference.Route {
		return inference.Route{Provider: "conv-provider", Model: "conv-model"}
	}
	b := inference.NewBroker(router, recordingEngine{fakeEngine: engine, onRoute: func(r inference.Route) { gotRoute = r }}, convModel, nil, nil, nil)

	resp := &recordingResponder{}
	b.Handle(context.Background(), inference.Request{RequestID: "r1", ConversationID: "c1"}, resp)
	assert.Equal(t, "conv-provider", gotRoute.Provider)
	assert.Equal(t, "conv-model", gotRoute.Model)
}

type recordingEngine struct {
	fakeEngine
	onRoute func(inference.Route)
}

func (r recordingEngine) Infer(ctx context.Context, route inference.Route, req inference.Request, onChunk func(int, string)) (string, error) {
	if r.onRoute != nil {
		r.onRoute(route)
	}
	return r.fakeEngine.Infer(ctx, route, req, onChunk)
}
