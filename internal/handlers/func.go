package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/rpc"
	"McpToolbox/internal/tools"
)

// Toolset 分发器依赖的工具查询接口
type Toolset interface {
	Tool(name string) (tools.Tool, bool)
	Names() []string
}

// MethodHandler 处理一个 JSON-RPC 方法
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ToolHandlerRegistry 方法处理器注册表，实现 rpc.Handler
type ToolHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
	toolset  Toolset
}

// NewToolHandlerRegistry 创建注册表并注册内置方法
func NewToolHandlerRegistry(toolset Toolset) *ToolHandlerRegistry {
	registry := &ToolHandlerRegistry{
		handlers: make(map[string]MethodHandler),
		toolset:  toolset,
	}

	registry.RegisterBuiltinHandlers()

	return registry
}

// RegisterHandler 注册处理器
func (r *ToolHandlerRegistry) RegisterHandler(method string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// GetHandler 获取处理器
func (r *ToolHandlerRegistry) GetHandler(method string) (MethodHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[method]
	return handler, exists
}

// RegisterBuiltinHandlers 注册 list_tools、get_tool_description、invoke_tool
func (r *ToolHandlerRegistry) RegisterBuiltinHandlers() {
	r.RegisterHandler("list_tools", r.listTools)
	r.RegisterHandler("get_tool_description", r.getToolDescription)
	r.RegisterHandler("invoke_tool", r.invokeTool)
}

// Handle 分发请求
func (r *ToolHandlerRegistry) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	labels := []metrics.Label{metrics.L("method", method)}
	metrics.IncrCounter([]string{"rpc", "requests"}, labels...)

	handler, ok := r.GetHandler(method)
	if !ok {
		metrics.IncrCounter([]string{"rpc", "errors"}, labels...)
		return nil, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("Method '%s' not found.", method), nil)
	}

	result, err := handler(ctx, params)
	if err != nil {
		metrics.IncrCounter([]string{"rpc", "errors"}, labels...)
		return nil, err
	}
	return result, nil
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *ToolHandlerRegistry) listTools(_ context.Context, _ json.RawMessage) (any, error) {
	names := r.toolset.Names()
	out := make([]toolSummary, 0, len(names))
	for _, name := range names {
		tool, ok := r.toolset.Tool(name)
		if !ok {
			continue
		}
		out = append(out, toolSummary{Name: name, Description: tool.Manifest().Description})
	}
	return out, nil
}

func (r *ToolHandlerRegistry) getToolDescription(_ context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	tool, err := r.lookupTool(params)
	if err != nil {
		return nil, err
	}

	manifest := tool.McpManifest()
	if manifest.Name == "" {
		manifest.Name = tool.Name()
	}
	return manifest, nil
}

func (r *ToolHandlerRegistry) invokeTool(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	tool, err := r.lookupTool(params)
	if err != nil {
		return nil, err
	}

	// 只有两个键都缺失时才使用空参数，显式的 null 视为类型错误
	invokeParams, ok := params["invoke_params"]
	if !ok {
		invokeParams, ok = params["tool_params"]
	}
	args := map[string]any{}
	switch v := invokeParams.(type) {
	case map[string]any:
		args = v
	case nil:
		if ok {
			return nil, rpc.NewError(rpc.CodeInvalidParams,
				"Invalid params: 'invoke_params' or 'tool_params' must be an object/dictionary.", nil)
		}
	default:
		return nil, rpc.NewError(rpc.CodeInvalidParams,
			"Invalid params: 'invoke_params' or 'tool_params' must be an object/dictionary.", nil)
	}

	// 标准输入通道没有令牌来源，需要认证的工具一律拒绝
	if required := tool.AuthRequired(); len(required) > 0 && !tool.IsAuthorized(nil) {
		logger.Warn("tool invocation not authorized", "tool", tool.Name(), "required", required)
		return nil, rpc.NewError(rpc.CodeInternalError, fmt.Sprintf("Tool '%s' not authorized.", tool.Name()),
			map[string]any{"reason": "authorization_failed", "required": required})
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		return nil, ToolError(tool.Name(), err)
	}
	return result, nil
}

func (r *ToolHandlerRegistry) lookupTool(params map[string]any) (tools.Tool, error) {
	name, ok := params["tool_name"].(string)
	if !ok || name == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: 'tool_name' (string) is required.", nil)
	}
	tool, ok := r.toolset.Tool(name)
	if !ok {
		return nil, rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("Tool '%s' not found.", name), nil)
	}
	return tool, nil
}

// ToolError 将工具执行错误转换为 JSON-RPC 错误
func ToolError(toolName string, err error) *rpc.Error {
	switch {
	case errors.Is(err, tools.ErrConnection):
		logger.Error("tool connection error", "tool", toolName, "error", err)
		return rpc.NewError(rpc.CodeInternalError,
			fmt.Sprintf("Connection error for tool '%s': %v", toolName, err),
			map[string]any{"tool_name": toolName, "type": "ConnectionError"})
	case errors.Is(err, tools.ErrInvalidParams):
		logger.Warn("tool rejected parameters", "tool", toolName, "error", err)
		return rpc.NewError(rpc.CodeInvalidParams,
			fmt.Sprintf("Invalid parameters or value for tool '%s': %v", toolName, err),
			map[string]any{"tool_name": toolName, "type": "ValueError"})
	default:
		logger.Error("tool execution failed", "tool", toolName, "error", err)
		return rpc.NewError(rpc.CodeInternalError,
			fmt.Sprintf("Error during tool '%s' execution: %v", toolName, err),
			map[string]any{"tool_name": toolName, "type": tools.ErrorType(err)})
	}
}

// 参数缺失或不是对象时返回空 map，由各方法报告缺少的字段。数字越界时返回 -32602
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	params, err := tools.DecodeParams(bytes.NewReader(raw))
	switch {
	case errors.Is(err, tools.ErrInvalidParams):
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: "+err.Error(), nil)
	case err != nil || params == nil:
		return map[string]any{}, nil
	}
	return params, nil
}
