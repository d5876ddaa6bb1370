package toolregistry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/toolregistry"
)

func boolPtr(b bool) *bool { return &b }

func TestRegistry_NamespacedDelegateTools(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)

	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read"},
		{OriginalName: "write"},
	})
	require.NoError(t, err)

	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__read"}, "user1", nil)
	require.NoError(t, res.Error)
	assert.Equal(t, "alpha__read", res.Tool.Name)
	assert.Equal(t, "read", res.Tool.OriginalName)
}

func TestRegistry_CompatShimResolvesSingleCandidate(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)
	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{{OriginalName: "read"}})
	require.NoError(t, err)

	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "read"}, "user1", nil)
	require.NoError(t, res.Error)
	assert.Equal(t, "alpha__read", res.Tool.Name)
}

func TestRegistry_CompatShimAmbiguousAfterSecondDelegate(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)
	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{{OriginalName: "read"}})
	require.NoError(t, err)
	_, _, err = r.RegisterDelegateTools("user1", "Beta", []*toolregistry.Tool{{OriginalName: "read"}})
	require.NoError(t, err)

	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "read"}, "user1", nil)
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, toolregistry.ErrAmbiguousTool)
}

func TestRegistry_PolicyDeniesAfterMatch(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)
	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{{OriginalName: "read"}})
	require.NoError(t, err)

	cfg := &toolregistry.ToolConfig{ToolsEnabled: boolPtr(false)}
	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__read"}, "user1", cfg)
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, toolregistry.ErrToolNotAllowed)
	// The tool itself was resolved; policy denial doesn't obscure what matched.
	require.NotNil(t, res.Tool)
}

func TestRegistry_WhitelistPolicy(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)
	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read"}, {OriginalName: "write"},
	})
	require.NoError(t, err)

	cfg := &toolregistry.ToolConfig{EnabledTools: []string{"alpha__read"}}
	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__read"}, "user1", cfg)
	assert.NoError(t, res.Error)

	res = r.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__write"}, "user1", cfg)
	assert.ErrorIs(t, res.Error, toolregistry.ErrToolNotAllowed)
}

func TestComputeToolsetHash_OrderIndependentAndEmpty(t *testing.T) {
	r1 := toolregistry.New(nil, nil, nil)
	_, _, _ = r1.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read"}, {OriginalName: "write"},
	})
	r2 := toolregistry.New(nil, nil, nil)
	_, _, _ = r2.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "write"}, {OriginalName: "read"},
	})
	assert.Equal(t, r1.ComputeToolsetHash("user1"), r2.ComputeToolsetHash("user1"))

	empty := toolregistry.New(nil, nil, nil)
	assert.Equal(t, "sha256:empty", empty.ComputeToolsetHash("user1"))
}

func TestComputeToolsetHash_ChangesWithDescriptionOrSchema(t *testing.T) {
	base := toolregistry.New(nil, nil, nil)
	_, _, _ = base.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read", Description: "reads a file"},
	})

	diffDescription := toolregistry.New(nil, nil, nil)
	_, _, _ = diffDescription.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read", Description: "reads a thing"},
	})
	assert.NotEqual(t, base.ComputeToolsetHash("user1"), diffDescription.ComputeToolsetHash("user1"))

	diffSchema := toolregistry.New(nil, nil, nil)
	_, _, _ = diffSchema.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read", Description: "reads a file", InputSchema: []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
	})
	assert.NotEqual(t, base.ComputeToolsetHash("user1"), diffSchema.ComputeToolsetHash("user1"))

	reorderedKeys := toolregistry.New(nil, nil, nil)
	_, _, _ = reorderedKeys.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read", Description: "reads a file", InputSchema: []byte(`{"properties":{"path":{"type":"string"}},"type":"object"}`)},
	})
	assert.Equal(t, diffSchema.ComputeToolsetHash("user1"), reorderedKeys.ComputeToolsetHash("user1"))
}

func TestRegistry_UnregisterDelegateTools_RemovesAllOfThatDelegatesTools(t *testing.T) {
	r := toolregistry.New(nil, nil, nil)
	_, _, err := r.RegisterDelegateTools("user1", "Alpha", []*toolregistry.Tool{
		{OriginalName: "read"}, {OriginalName: "write"},
	})
	require.NoError(t, err)
	_, _, err = r.RegisterDelegateTools("user1", "Beta", []*toolregistry.Tool{{OriginalName: "read"}})
	require.NoError(t, err)

	newHash := r.UnregisterDelegateTools("user1", "Alpha")

	res := r.Execute(context.Background(), toolregistry.ToolCall{Name: "alpha__read"}, "user1", nil)
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, toolregistry.ErrUnknownTool)

	// Beta's tools are untouched.
	res = r.Execute(context.Background(), toolregistry.ToolCall{Name: "beta__read"}, "user1", nil)
	require.NoError(t, res.Error)

	assert.Equal(t, newHash, r.ComputeToolsetHash("user1"), "hash after unregister reflects the remaining toolset")
}

func TestValidateDelegateID(t *testing.T) {
	assert.NoError(t, toolregistry.ValidateDelegateID("Alpha-1"))
	assert.Error(t, toolregistry.ValidateDelegateID("has__separator"))
	assert.Error(t, toolregistry.ValidateDelegateID("admin"))
	assert.Error(t, toolregistry.ValidateDelegateID(""))
}
