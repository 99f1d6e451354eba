package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"McpToolbox/internal/config"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/sources"

	"gopkg.in/yaml.v3"
)

// Factory 根据配置节点和已初始化的数据源构造工具
type Factory func(name string, node *yaml.Node, srcs map[string]sources.Source) (Tool, error)

// Registry 工具类型注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry 创建包含内置工具类型的注册表
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindPostgresSQL, newSQLFactory(KindPostgresSQL, sources.KindPostgres))
	r.Register(KindMySQLSQL, newSQLFactory(KindMySQLSQL, sources.KindMySQL))
	r.Register(KindSQLiteSQL, newSQLFactory(KindSQLiteSQL, sources.KindSQLite))
	r.Register(KindNeo4jCypher, newCypherTool)
	return r
}

// Register 注册工具类型，重复注册会覆盖并告警
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		logger.Warn("overwriting tool factory", "kind", kind)
	}
	r.factories[kind] = factory
}

// Kinds 返回已注册的类型
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build 构造一个工具
func (r *Registry) Build(name string, node *yaml.Node, srcs map[string]sources.Source) (Tool, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("tool %q: config must be a mapping", name)
	}

	kind, err := config.EntryKind(node)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	if kind == "" {
		return nil, fmt.Errorf("tool %q: missing 'kind'", name)
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q: unknown kind %q (available: %s)", name, kind, strings.Join(r.Kinds(), ", "))
	}

	return factory(name, node, srcs)
}

// LoadTools 按顺序加载所有工具，单个条目失败只记录日志
func (r *Registry) LoadTools(node *yaml.Node, srcs map[string]sources.Source) (map[string]Tool, []string, error) {
	entries, err := config.MappingEntries(node, "tools")
	if err != nil {
		return nil, nil, err
	}

	loaded := make(map[string]Tool, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Node.Kind != yaml.MappingNode {
			logger.Warn("skipping tool with non-mapping config", "tool", entry.Name)
			continue
		}

		tool, err := r.Build(entry.Name, entry.Node, srcs)
		if err != nil {
			logger.Error("failed to initialize tool", "tool", entry.Name, "error", err)
			continue
		}

		if _, dup := loaded[entry.Name]; !dup {
			order = append(order, entry.Name)
		}
		loaded[entry.Name] = tool
		logger.Info("tool initialized", "tool", entry.Name, "kind", tool.Kind())
	}

	return loaded, order, nil
}

// lookupSource 查找工具绑定的数据源并检查类型
func lookupSource(toolName, sourceName, wantKind string, srcs map[string]sources.Source) (sources.Source, error) {
	src, ok := srcs[sourceName]
	if !ok {
		available := make([]string, 0, len(srcs))
		for name := range srcs {
			available = append(available, name)
		}
		sort.Strings(available)
		return nil, fmt.Errorf("source %q not found for tool %q (available: %s)", sourceName, toolName, strings.Join(available, ", "))
	}
	if src.Kind() != wantKind {
		return nil, fmt.Errorf("source %q for tool %q is a %s source, want %s", sourceName, toolName, src.Kind(), wantKind)
	}
	return src, nil
}
