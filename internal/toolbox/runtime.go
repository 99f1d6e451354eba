package toolbox

import (
	"errors"
	"fmt"
	"slices"

	"McpToolbox/internal/config"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/sources"
	"McpToolbox/internal/tools"
)

// ErrToolsetNotFound 工具集不存在
var ErrToolsetNotFound = errors.New("toolset not found")

// Runtime 从 tools.yaml 加载出的数据源和工具
type Runtime struct {
	configPath   string
	sources      map[string]sources.Source
	sourceOrder  []string
	tools        map[string]tools.Tool
	toolOrder    []string
	toolsets     map[string][]string
	authServices map[string]config.AuthServiceConfig
}

// Load 使用内置注册表加载配置文件
func Load(path string) (*Runtime, error) {
	return LoadWith(path, sources.NewDefaultRegistry(), tools.NewDefaultRegistry())
}

// LoadWith 使用指定注册表加载配置文件
func LoadWith(path string, sourceRegistry *sources.Registry, toolRegistry *tools.Registry) (*Runtime, error) {
	cfg, err := config.LoadToolboxConfig(path)
	if err != nil {
		return nil, err
	}
	rt, err := New(cfg, sourceRegistry, toolRegistry)
	if err != nil {
		return nil, err
	}
	rt.configPath = path
	return rt, nil
}

// New 根据已解析的配置构造运行时
func New(cfg *config.ToolboxConfig, sourceRegistry *sources.Registry, toolRegistry *tools.Registry) (*Runtime, error) {
	srcs, sourceOrder, err := sourceRegistry.LoadSources(&cfg.Sources)
	if err != nil {
		return nil, err
	}

	loaded, toolOrder, err := toolRegistry.LoadTools(&cfg.Tools, srcs)
	if err != nil {
		_ = closeSources(srcs)
		return nil, err
	}

	rt := &Runtime{
		sources:      srcs,
		sourceOrder:  sourceOrder,
		tools:        loaded,
		toolOrder:    toolOrder,
		toolsets:     make(map[string][]string, len(cfg.Toolsets)),
		authServices: cfg.AuthServices,
	}

	for name, members := range cfg.Toolsets {
		valid := make([]string, 0, len(members))
		for _, member := range members {
			if _, ok := loaded[member]; !ok {
				logger.Warn("toolset references unknown tool", "toolset", name, "tool", member)
				continue
			}
			valid = append(valid, member)
		}
		rt.toolsets[name] = valid
	}

	logger.InfoWithFields("toolbox loaded", map[string]any{
		"sources":  len(sourceOrder),
		"tools":    len(toolOrder),
		"toolsets": len(rt.toolsets),
	})
	return rt, nil
}

// ConfigPath 配置文件路径
func (rt *Runtime) ConfigPath() string { return rt.configPath }

// Tool 按名称查找工具
func (rt *Runtime) Tool(name string) (tools.Tool, bool) {
	tool, ok := rt.tools[name]
	return tool, ok
}

// Names 按配置文件顺序返回工具名
func (rt *Runtime) Names() []string {
	return slices.Clone(rt.toolOrder)
}

// SourceNames 按配置文件顺序返回数据源名
func (rt *Runtime) SourceNames() []string {
	return slices.Clone(rt.sourceOrder)
}

// Toolset 返回工具集中的工具，名称为空时返回全部工具
func (rt *Runtime) Toolset(name string) ([]tools.Tool, error) {
	names := rt.toolOrder
	if name != "" {
		members, ok := rt.toolsets[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrToolsetNotFound, name)
		}
		names = members
	}

	out := make([]tools.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, rt.tools[n])
	}
	return out, nil
}

// AuthServices 已配置的认证服务
func (rt *Runtime) AuthServices() map[string]config.AuthServiceConfig {
	return rt.authServices
}

// Close 关闭所有数据源
func (rt *Runtime) Close() error {
	return closeSources(rt.sources)
}

func closeSources(srcs map[string]sources.Source) error {
	var errs []error
	for name, src := range srcs {
		if err := src.Close(); err != nil {
			logger.Error("failed to close source", "source", name, "error", err)
			errs = append(errs, fmt.Errorf("close source %q: %w", name, err))
			continue
		}
		logger.Debug("source closed", "source", name)
	}
	return errors.Join(errs...)
}
