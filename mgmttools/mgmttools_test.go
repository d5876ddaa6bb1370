package mgmttools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/mgmttools"
	"goa.design/mcpl/scope"
	"goa.design/mcpl/toolregistry"
)

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, payload any) error { return nil }

func TestRegister_InstallsAllFiveBuiltins(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	delegates := delegatemgr.New(nil, nil, nil, nil)
	scopeMgr := scope.New(nil, scope.Policy{}, nil, nil, nil)
	toggle := mgmttools.NewServerToggle()

	require.NoError(t, mgmttools.Register(reg, delegates, scopeMgr, toggle))

	for _, name := range []string{"list_mcp_servers", "get_server_status", "enable_server", "disable_server", "manage_scope_policies"} {
		result := reg.Execute(context.Background(), toolregistry.ToolCall{Name: name, Input: json.RawMessage(`{"serverId":"alpha"}`)}, "user1", nil)
		assert.NoError(t, result.Error, "tool %s should resolve", name)
	}
}

func TestEnableDisableServer_TogglesEnablement(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	delegates := delegatemgr.New(nil, nil, nil, nil)
	scopeMgr := scope.New(nil, scope.Policy{}, nil, nil, nil)
	toggle := mgmttools.NewServerToggle()
	require.NoError(t, mgmttools.Register(reg, delegates, scopeMgr, toggle))

	assert.True(t, toggle.Enabled("user1", "alpha"))

	result := reg.Execute(context.Background(), toolregistry.ToolCall{Name: "disable_server", Input: json.RawMessage(`{"serverId":"alpha"}`)}, "user1", nil)
	require.NoError(t, result.Error)
	_, err := result.Tool.Handler(context.Background(), "user1", "", json.RawMessage(`{"serverId":"alpha"}`))
	require.NoError(t, err)
	assert.False(t, toggle.Enabled("user1", "alpha"))

	result = reg.Execute(context.Background(), toolregistry.ToolCall{Name: "enable_server", Input: json.RawMessage(`{"serverId":"alpha"}`)}, "user1", nil)
	require.NoError(t, result.Error)
	_, err = result.Tool.Handler(context.Background(), "user1", "", json.RawMessage(`{"serverId":"alpha"}`))
	require.NoError(t, err)
	assert.True(t, toggle.Enabled("user1", "alpha"))
}

func TestListMCPServers_ReflectsConnectedDelegates(t *testing.T) {
	reg := toolregistry.New(nil, nil, nil)
	delegates := delegatemgr.New(nil, nil, nil, nil)
	scopeMgr := scope.New(nil, scope.Policy{}, nil, nil, nil)
	toggle := mgmttools.NewServerToggle()
	require.NoError(t, mgmttools.Register(reg, delegates, scopeMgr, toggle))

	delegates.Register(context.Background(), "sess1", "alpha", "user1", fakeSender{})

	result := reg.Execute(context.Background(), toolregistry.ToolCall{Name: "list_mcp_servers"}, "user1", nil)
	require.NoError(t, result.Error)
	out, err := result.Tool.Handler(context.Background(), "user1", "", nil)
	require.NoError(t, err)

	var infos []delegatemgr.DelegateInfo
	require.NoError(t, json.Unmarshal(out, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "alpha", infos[0].DelegateID)
}
