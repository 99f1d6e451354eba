package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/config"
	"McpToolbox/internal/database"
	"McpToolbox/internal/hub"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolsYAML = `
sources:
  mem:
    kind: sqlite
    database_file: ":memory:"
tools:
  ping:
    kind: sqlite-sql
    source: mem
    description: Returns one row
    statement: SELECT 1 AS one
    parameters:
      - name: note
        type: string
        description: Free text
  guarded:
    kind: sqlite-sql
    source: mem
    description: Needs a token
    statement: SELECT 'secret' AS value
    authRequired: [corp]
authServices:
  corp:
    tokens: [letmein]
`

func writeTools(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(toolsYAML), 0o600))
	return path
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestListTools(t *testing.T) {
	out, err := execute(t, nil, "--config", writeTools(t), "list-tools")
	require.NoError(t, err)

	assert.Contains(t, out, "Available tools:")
	assert.Contains(t, out, "- ping: Returns one row")
	assert.Contains(t, out, "    - note (string, required: false): Free text")
	assert.Contains(t, out, "  Requires authorization: corp")
	assert.Less(t, strings.Index(out, "- ping"), strings.Index(out, "- guarded"), "tools keep file order")
}

func TestListToolsMissingConfig(t *testing.T) {
	_, err := execute(t, nil, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list-tools")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigFromDotEnv(t *testing.T) {
	path := writeTools(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TOOLBOX_CONFIG="+path+"\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() { _ = os.Unsetenv("TOOLBOX_CONFIG") })

	out, err := execute(t, nil, "list-tools")
	require.NoError(t, err)
	assert.Contains(t, out, "- ping: Returns one row")
}

func TestInvokeTool(t *testing.T) {
	path := writeTools(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "default params", args: []string{"ping"}, want: "\"one\": 1"},
		{name: "auth uses own requirements", args: []string{"guarded", "{}"}, want: "\"value\": \"secret\""},
		{name: "invalid json", args: []string{"ping", "{oops"}, wantErr: "invalid JSON"},
		{name: "not an object", args: []string{"ping", "[1]"}, wantErr: "invalid JSON"},
		{name: "null params", args: []string{"ping", "null"}, wantErr: "must be a JSON object"},
		{name: "unknown tool", args: []string{"ghost"}, wantErr: "available tools are: ping, guarded"},
		{name: "large integer", args: []string{"ping", `{"statement":"SELECT ? AS id","args":[9007199254740993]}`}, want: "\"id\": 9007199254740993"},
		{name: "bad statement", args: []string{"ping", `{"statement": 3}`}, wantErr: "ValueError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, nil, append([]string{"--config", path, "invoke-tool"}, tt.args...)...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
			assert.True(t, json.Valid([]byte(out)))
		})
	}
}

func TestMCPServeJSONRPC(t *testing.T) {
	t.Setenv("MCP_HUB_API_URL", "")
	stdin := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"list_tools"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"invoke_tool","params":{"tool_name":"ping","invoke_params":{}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"invoke_tool","params":{"tool_name":"guarded"}}`,
		`not json`,
	}, "\n") + "\n")

	out, err := execute(t, stdin, "--config", writeTools(t), "mcp-serve")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)

	var list struct {
		ID     int              `json:"id"`
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &list))
	assert.Equal(t, 1, list.ID)
	require.Len(t, list.Result, 2)
	assert.Equal(t, "ping", list.Result[0]["name"])

	assert.Contains(t, lines[1], `"one":1`)
	assert.Contains(t, lines[2], `"authorization_failed"`)
	assert.Contains(t, lines[3], `-32700`)
}

func TestMCPServeLoadFailureWritesError(t *testing.T) {
	out, err := execute(t, strings.NewReader(""), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "mcp-serve")
	require.Error(t, err)
	assert.Contains(t, out, "Critical server error during tool loading")
	assert.Contains(t, out, `"id":null`)
}

func TestMCPServeRejectsUnknownTransport(t *testing.T) {
	_, err := execute(t, nil, "--config", writeTools(t), "mcp-serve", "--transport", "grpc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestMCPServeRegistersWithHub(t *testing.T) {
	store, err := database.NewDatabaseService(context.Background(), &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		File:   filepath.Join(t.TempDir(), "hub.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	hubSrv := httptest.NewServer(hub.NewServer(store, auth.NewAuthMiddleware(nil), nil))
	t.Cleanup(hubSrv.Close)

	t.Setenv("MCP_HUB_API_URL", hubSrv.URL+"/api/v1")
	t.Setenv("PYTOOLBOX_MICROSERVICE_ID", "ms-cli")

	stdinR, stdinW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, stdinR, "--config", writeTools(t), "mcp-serve", "--heartbeat-interval", "20ms")
		done <- err
	}()

	require.Eventually(t, func() bool {
		tools, err := store.ListTools(context.Background(), "ms-cli", 0, 10)
		return err == nil && len(tools) == 2
	}, 5*time.Second, 20*time.Millisecond)

	registered, err := store.LookupTool(context.Background(), "ms-cli", "ping")
	require.NoError(t, err)
	assert.Equal(t, "mcp_jsonrpc_stdio", registered.InvocationInfo["type"])
	assert.Contains(t, registered.InvocationInfo["mcp_command_template"], "mcp-serve --transport mcp")
	assert.True(t, filepath.IsAbs(registered.InvocationInfo["config_file_path_for_this_instance"].(string)))

	first := *registered.LastHeartbeatAt
	require.Eventually(t, func() bool {
		tool, err := store.LookupTool(context.Background(), "ms-cli", "ping")
		return err == nil && tool.LastHeartbeatAt.After(first)
	}, 5*time.Second, 20*time.Millisecond, "heartbeats refresh last_heartbeat_at")

	require.NoError(t, stdinW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mcp-serve did not exit after stdin closed")
	}
}

func TestMCPServeStandardProtocol(t *testing.T) {
	t.Setenv("MCP_HUB_API_URL", "")
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	root := NewRootCmd()
	root.SetIn(stdinR)
	root.SetOut(stdoutW)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", writeTools(t), "mcp-serve", "--transport", "mcp"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Execute()
		_ = stdoutW.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "cli-test", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, &mcp.IOTransport{Reader: stdoutR, Writer: stdinW}, nil)
	require.NoError(t, err)

	tools, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ping", "guarded"}, names)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "ping", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	_ = session.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mcp-serve did not exit after the client closed")
	}
}

// 保证 bufio 在 JSON-RPC 输出上逐行可读
func TestWriteLoadFailureIsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	writeLoadFailure(&buf, io.ErrUnexpectedEOF)
	scanner := bufio.NewScanner(&buf)
	require.True(t, scanner.Scan())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.False(t, scanner.Scan())
}
