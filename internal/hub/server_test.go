package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/config"
	"McpToolbox/internal/database"
	"McpToolbox/internal/models"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	command string
	tool    string
	args    map[string]any
	result  *mcp.CallToolResult
	err     error
}

func (f *fakeRemote) CallTool(_ context.Context, command, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	f.command, f.tool, f.args = command, toolName, args
	return f.result, f.err
}

func (f *fakeRemote) GetSessionStats() map[string]any {
	return map[string]any{"total_sessions": 1}
}

func newTestHub(t *testing.T, authCfg *config.AuthConfig, remote RemoteInvoker) *httptest.Server {
	t.Helper()
	store, err := database.NewDatabaseService(context.Background(), &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		File:   filepath.Join(t.TempDir(), "hub.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(NewServer(store, auth.NewAuthMiddleware(authCfg), remote))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		var raw any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
			if m, ok := raw.(map[string]any); ok {
				out = m
			} else {
				out = map[string]any{"_list": raw}
			}
		}
	}
	return resp, out
}

func payload(ms, name string) map[string]any {
	return map[string]any{
		"tool_name":       name,
		"microservice_id": ms,
		"description":     "desc " + name,
		"invocation_info": map[string]any{
			"type":                               "mcp_jsonrpc_stdio",
			"command_template":                   "toolbox --config {config_file_path} mcp-serve",
			"mcp_command_template":               "toolbox --config {config_file_path} mcp-serve --transport mcp",
			"config_file_path_for_this_instance": "/etc/tools.yaml",
		},
		"mcp_manifest": map[string]any{
			"name":        name,
			"description": "desc " + name,
			"input_schema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "integer"}},
				"required":   []string{"id"},
			},
		},
	}
}

func TestRootAndHealth(t *testing.T) {
	srv := newTestHub(t, nil, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Welcome to the MCP Hub!", body["message"])

	resp, body = do(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/auth/info", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])
}

func TestRegisterLifecycle(t *testing.T) {
	srv := newTestHub(t, nil, nil)
	api := srv.URL + "/api/v1"

	resp, body := do(t, http.MethodPost, api+"/tools", payload("ms-1", "query"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))
	assert.Equal(t, "query", body["tool_name"])
	assert.Contains(t, body, "registered_at")

	resp, body = do(t, http.MethodPost, api+"/tools", payload("ms-1", "query"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(id), body["id"])

	_, _ = do(t, http.MethodPost, api+"/tools", payload("ms-2", "other"), nil)

	resp, body = do(t, http.MethodGet, api+"/tools", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["_list"], 2)

	resp, body = do(t, http.MethodGet, api+"/tools?microservice_id=ms-2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["_list"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "other", list[0].(map[string]any)["tool_name"])
	assert.NotContains(t, list[0], "invocation_info")

	resp, body = do(t, http.MethodGet, api+"/tools?skip=1&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["_list"], 1)

	resp, _ = do(t, http.MethodGet, api+"/tools?limit=abc", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = do(t, http.MethodGet, fmt.Sprintf("%s/tools/%d", api, id), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "invocation_info")
	assert.Equal(t, "query", body["mcp_manifest"].(map[string]any)["name"])

	resp, body = do(t, http.MethodGet, api+"/tools/lookup?microservice_id=ms-1&tool_name=query", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(id), body["id"])

	resp, body = do(t, http.MethodGet, api+"/tools/lookup?microservice_id=ms-1&tool_name=nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Tool 'nope' from microservice 'ms-1' not found.", body["detail"])

	resp, _ = do(t, http.MethodGet, api+"/tools/lookup?tool_name=nope", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = do(t, http.MethodPost, api+"/tools/heartbeat/ms-1/query", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Heartbeat received", body["message"])
	assert.NotNil(t, body["last_heartbeat_at"])

	resp, body = do(t, http.MethodPost, api+"/tools/heartbeat/ms-1/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Tool 'ghost' from microservice 'ms-1' not found for heartbeat.", body["detail"])

	resp, _ = do(t, http.MethodDelete, fmt.Sprintf("%s/tools/%d", api, id), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodDelete, fmt.Sprintf("%s/tools/%d", api, id), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Tool not found for deletion.", body["detail"])

	resp, body = do(t, http.MethodGet, fmt.Sprintf("%s/tools/%d", api, id), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Tool not found by Hub ID", body["detail"])
}

func TestRegisterValidation(t *testing.T) {
	srv := newTestHub(t, nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/tools", map[string]any{"tool_name": "x"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	detail := body["detail"].([]any)
	assert.Len(t, detail, 3)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/tools", bytes.NewBufferString("{broken"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, raw.StatusCode)
}

func TestMutatingRoutesRequireAPIKey(t *testing.T) {
	srv := newTestHub(t, &config.AuthConfig{Enabled: true, HeaderName: "X-API-Key", APIKeys: []string{"secret"}}, &fakeRemote{})
	api := srv.URL + "/api/v1"

	resp, body := do(t, http.MethodPost, api+"/tools", payload("ms", "t"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized: Invalid API Key", body["detail"])

	resp, _ = do(t, http.MethodPost, api+"/tools", payload("ms", "t"), map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, api+"/tools", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/admin/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/admin/sessions", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_sessions"])
}

func TestInvokeRegisteredTool(t *testing.T) {
	remote := &fakeRemote{result: &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `[{"id":3}]`}}}}
	srv := newTestHub(t, nil, remote)
	api := srv.URL + "/api/v1"

	_, body := do(t, http.MethodPost, api+"/tools", payload("ms", "query"), nil)
	id := int64(body["id"].(float64))

	resp, body := do(t, http.MethodPost, fmt.Sprintf("%s/tools/%d/invoke", api, id), map[string]any{"arguments": map[string]any{"id": 3}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{map[string]any{"id": float64(3)}}, body["result"])
	assert.Equal(t, false, body["is_error"])
	assert.Equal(t, "toolbox --config /etc/tools.yaml mcp-serve --transport mcp", remote.command)
	assert.Equal(t, "query", remote.tool)

	resp, body = do(t, http.MethodPost, fmt.Sprintf("%s/tools/%d/invoke", api, id), map[string]any{"arguments": map[string]any{"id": "x"}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["detail"], "Invalid arguments for tool 'query'")

	remote.err = errors.New("spawn failed")
	resp, _ = do(t, http.MethodPost, fmt.Sprintf("%s/tools/%d/invoke", api, id), map[string]any{"arguments": map[string]any{"id": 3}}, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, api+"/tools/999/invoke", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvokeDisabledWithoutRemote(t *testing.T) {
	srv := newTestHub(t, nil, nil)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/tools/1/invoke", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestMCPCommand(t *testing.T) {
	tests := []struct {
		name    string
		info    models.JSONB
		want    string
		wantErr bool
	}{
		{
			name: "mcp template",
			info: models.JSONB{"mcp_command_template": "tb --config {config_file_path} mcp-serve --transport mcp", "config_file_path_for_this_instance": "/a.yaml"},
			want: "tb --config /a.yaml mcp-serve --transport mcp",
		},
		{
			name: "legacy template",
			info: models.JSONB{"command_template": "tb --config {config_file_path} mcp-serve", "config_file_path_for_this_instance": "/b.yaml"},
			want: "tb --config /b.yaml mcp-serve --transport mcp",
		},
		{name: "no command", info: models.JSONB{}, wantErr: true},
		{name: "no path", info: models.JSONB{"mcp_command_template": "tb --config {config_file_path}"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MCPCommand(tt.info)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
