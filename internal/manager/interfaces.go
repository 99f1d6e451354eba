package manager

import (
	"context"

	"McpToolbox/internal/config"
	"McpToolbox/internal/tools"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolsetProvider 提供工具集和认证服务配置
type ToolsetProvider interface {
	Toolset(name string) ([]tools.Tool, error)
	AuthServices() map[string]config.AuthServiceConfig
}

// MCPServerManagerInterface MCP服务器管理器接口
type MCPServerManagerInterface interface {
	GetServer(toolset string) (*mcp.Server, error)
}

// Dialer 为远程命令建立 MCP 传输
type Dialer func(ctx context.Context, command string) (mcp.Transport, error)

// RemoteToolCaller 通过远程 MCP 会话调用工具
type RemoteToolCaller interface {
	CallTool(ctx context.Context, command, toolName string, args map[string]any) (*mcp.CallToolResult, error)
}
