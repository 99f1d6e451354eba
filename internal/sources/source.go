package sources

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"McpToolbox/internal/config"
	"McpToolbox/internal/logger"

	"gopkg.in/yaml.v3"
)

// Source 已初始化的数据源
type Source interface {
	Name() string
	Kind() string
	Close() error
}

// SQLSource 基于 database/sql 连接池的数据源
type SQLSource interface {
	Source
	DB() *sql.DB
}

// CypherQuery 一次 Cypher 调用
type CypherQuery struct {
	Cypher   string
	Params   map[string]any
	Write    bool
	Database string
}

// CypherSource 图数据库数据源
type CypherSource interface {
	Source
	RunCypher(ctx context.Context, q CypherQuery) (any, error)
}

// Factory 根据配置节点构造数据源
type Factory func(name string, node *yaml.Node) (Source, error)

// Registry 数据源类型注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry 创建包含内置数据源类型的注册表
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindPostgres, newPostgresSource)
	r.Register(KindMySQL, newMySQLSource)
	r.Register(KindSQLite, newSQLiteSource)
	r.Register(KindNeo4j, newNeo4jSource)
	return r
}

// Register 注册数据源类型，重复注册会覆盖并告警
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		logger.Warn("overwriting source factory", "kind", kind)
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

// Build 根据配置节点构造一个数据源
func (r *Registry) Build(name string, node *yaml.Node) (Source, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("source %q: config must be a mapping", name)
	}

	kind, err := config.EntryKind(node)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, err)
	}
	if kind == "" {
		return nil, fmt.Errorf("source %q: missing 'kind'", name)
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q: unknown kind %q (available: %s)", name, kind, strings.Join(r.Kinds(), ", "))
	}

	return factory(name, node)
}

// LoadSources 按顺序加载所有数据源。单个条目失败只记录日志，继续加载其余条目
func (r *Registry) LoadSources(node *yaml.Node) (map[string]Source, []string, error) {
	entries, err := config.MappingEntries(node, "sources")
	if err != nil {
		return nil, nil, err
	}

	loaded := make(map[string]Source, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Node.Kind != yaml.MappingNode {
			logger.Warn("skipping source with non-mapping config", "source", entry.Name)
			continue
		}

		src, err := r.Build(entry.Name, entry.Node)
		if err != nil {
			logger.Error("failed to initialize source", "source", entry.Name, "error", err)
			continue
		}

		if prev, dup := loaded[entry.Name]; dup {
			_ = prev.Close()
		} else {
			order = append(order, entry.Name)
		}
		loaded[entry.Name] = src
		logger.Info("source initialized", "source", entry.Name, "kind", src.Kind())
	}

	return loaded, order, nil
}

// decode 解码配置节点并填充默认值
func decode[T any](name string, node *yaml.Node, cfg *T) error {
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("source %q: invalid config: %w", name, err)
	}
	return nil
}

// requireFields 检查必填字段
func requireFields(name, kind string, fields map[string]string) error {
	var missing []string
	for field, value := range fields {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s source %q is missing required field(s): %s", kind, name, strings.Join(missing, ", "))
	}
	return nil
}
