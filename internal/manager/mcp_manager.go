package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/handlers"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/tools"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "mcp-toolbox"

// MCPServerManager 按工具集构建并缓存 MCP 服务器实例
type MCPServerManager struct {
	provider ToolsetProvider
	version  string
	servers  map[string]*mcp.Server
	mutex    sync.Mutex
}

// NewMCPServerManager 创建新的服务器管理器
func NewMCPServerManager(provider ToolsetProvider, version string) *MCPServerManager {
	return &MCPServerManager{
		provider: provider,
		version:  version,
		servers:  make(map[string]*mcp.Server),
	}
}

// GetServer 获取工具集对应的 MCP 服务器，名称为空表示全部工具
func (m *MCPServerManager) GetServer(toolset string) (*mcp.Server, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if server, exists := m.servers[toolset]; exists {
		return server, nil
	}

	server, err := m.createServer(toolset)
	if err != nil {
		return nil, err
	}
	m.servers[toolset] = server
	return server, nil
}

// createServer 把工具集中的每个工具注册为 MCP 工具
func (m *MCPServerManager) createServer(toolset string) (*mcp.Server, error) {
	list, err := m.provider.Toolset(toolset)
	if err != nil {
		return nil, err
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: m.version,
	}, nil)

	for _, tool := range list {
		manifest := tool.McpManifest()
		logger.Debug("adding mcp tool", "tool", tool.Name(), "toolset", toolset)
		server.AddTool(&mcp.Tool{
			Name:        tool.Name(),
			Description: manifest.Description,
			InputSchema: InputSchema(manifest.InputSchema),
		}, m.toolHandler(tool))
	}

	logger.Info("mcp server created", "toolset", toolset, "tools", len(list))
	return server, nil
}

func (m *MCPServerManager) toolHandler(tool tools.Tool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			decoded, err := tools.DecodeParams(bytes.NewReader(req.Params.Arguments))
			if err != nil {
				return errorResult(fmt.Sprintf("Invalid arguments for tool '%s': %v", tool.Name(), err)), nil
			}
			if decoded != nil {
				args = decoded
			}
		}

		var verified []string
		if req.Extra != nil && req.Extra.Header != nil {
			verified = auth.VerifiedServices(req.Extra.Header, m.provider.AuthServices())
		}
		if !tool.IsAuthorized(verified) {
			logger.Warn("mcp tool call not authorized", "tool", tool.Name(), "required", tool.AuthRequired())
			return errorResult(fmt.Sprintf("Tool '%s' not authorized.", tool.Name())), nil
		}

		result, err := tool.Invoke(ctx, args)
		if err != nil {
			return errorResult(handlers.ToolError(tool.Name(), err).Message), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of tool %q: %w", tool.Name(), err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}

// InputSchema 把工具的参数描述转换为 JSON Schema
func InputSchema(in tools.InputSchema) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(in.Properties)),
		Required:   append([]string(nil), in.Required...),
	}
	for name, prop := range in.Properties {
		schema.Properties[name] = &jsonschema.Schema{
			Type:        jsonType(prop.Type),
			Description: prop.Description,
		}
	}
	return schema
}

func jsonType(t string) string {
	switch t {
	case "string", "integer", "number", "boolean", "array", "object":
		return t
	case "int":
		return "integer"
	case "float":
		return "number"
	case "bool":
		return "boolean"
	default:
		return "string"
	}
}

// ServeTransport 在给定传输上运行工具集的 MCP 服务器，直到连接关闭或 ctx 取消
func (m *MCPServerManager) ServeTransport(ctx context.Context, toolset string, transport mcp.Transport) error {
	server, err := m.GetServer(toolset)
	if err != nil {
		return err
	}
	return server.Run(ctx, transport)
}

// ServeIO 在给定的读写流上提供 MCP 服务，通常是进程的标准输入输出
func (m *MCPServerManager) ServeIO(ctx context.Context, toolset string, in io.Reader, out io.Writer) error {
	logger.Info("serving mcp over stdio", "toolset", toolset)
	return m.ServeTransport(ctx, toolset, &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	})
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// HTTPHandler 可流式 HTTP 端点，工具集由 toolset 查询参数指定
func (m *MCPServerManager) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		toolset := r.URL.Query().Get("toolset")
		server, err := m.GetServer(toolset)
		if err != nil {
			logger.Warn("mcp http request for unknown toolset", "toolset", toolset, "error", err)
			return nil
		}
		return server
	}, nil)
}
