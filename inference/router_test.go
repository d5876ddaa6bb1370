package inference_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/inference"
)

func writeConfig(t *testing.T, path string, cfg map[string]any) {
	t.Helper()
	buf, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestRouter_FirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference-routing.json")
	writeConfig(t, path, map[string]any{
		"rules": []map[string]any{
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p1", "model": "m1"}},
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p2", "model": "m2"}},
		},
	})

	r := inference.NewRouter(path)
	route, useConv, ok := r.Resolve(inference.Query{DelegateID: "alpha"})
	require.True(t, ok)
	assert.False(t, useConv)
	assert.Equal(t, "p1", route.Provider)
	assert.Equal(t, "m1", route.Model)
}

func TestRouter_FallsBackToConversationModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference-routing.json")
	writeConfig(t, path, map[string]any{
		"rules":   []map[string]any{},
		"default": map[string]any{"useConversationModel": true},
	})

	r := inference.NewRouter(path)
	_, useConv, _ := r.Resolve(inference.Query{DelegateID: "unknown"})
	assert.True(t, useConv)
}

func TestRouter_ReloadsOnMTimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference-routing.json")
	writeConfig(t, path, map[string]any{
		"rules": []map[string]any{
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p1", "model": "m1"}},
		},
	})
	r := inference.NewRouter(path, inference.WithPollInterval(10*time.Millisecond))

	route, _, _ := r.Resolve(inference.Query{DelegateID: "alpha"})
	assert.Equal(t, "p1", route.Provider)

	time.Sleep(10 * time.Millisecond) // ensure the next write's mtime differs
	writeConfig(t, path, map[string]any{
		"rules": []map[string]any{
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p2", "model": "m2"}},
		},
	})

	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		route, _, _ = r.Resolve(inference.Query{DelegateID: "alpha"})
		if route.Provider == "p2" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "p2", route.Provider)
}

func TestRouter_ParseErrorKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference-routing.json")
	writeConfig(t, path, map[string]any{
		"rules": []map[string]any{
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p1", "model": "m1"}},
		},
	})
	r := inference.NewRouter(path, inference.WithPollInterval(10*time.Millisecond))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	r.Start()
	defer r.Stop()
	time.Sleep(50 * time.Millisecond)

	route, _, ok := r.Resolve(inference.Query{DelegateID: "alpha"})
	require.True(t, ok)
	assert.Equal(t, "p1", route.Provider)
}

func TestRouter_SkipsRulesWithUnknownModels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference-routing.json")
	writeConfig(t, path, map[string]any{
		"rules": []map[string]any{
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p1", "model": "unknown-model"}},
			{"match": map[string]any{"delegateId": "alpha"}, "route": map[string]any{"provider": "p1", "model": "known-model"}},
		},
	})
	known := func(route inference.Route) bool { return route.Model == "known-model" }
	r := inference.NewRouter(path, inference.WithKnownModelChecker(known))

	route, _, ok := r.Resolve(inference.Query{DelegateID: "alpha"})
	require.True(t, ok)
	assert.Equal(t, "known-model", route.Model)
}
