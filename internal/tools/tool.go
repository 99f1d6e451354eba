package tools

import (
	"context"
	"fmt"
	"slices"

	"McpToolbox/internal/logger"
)

// ParameterConfig 工具参数定义
type ParameterConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
	AuthSources []string `yaml:"authSources" json:"authSources,omitempty"`
}

// Config 所有工具共享的配置字段
type Config struct {
	Kind         string            `yaml:"kind"`
	Description  string            `yaml:"description"`
	Source       string            `yaml:"source"`
	Statement    string            `yaml:"statement"`
	AuthRequired []string          `yaml:"authRequired"`
	Parameters   []ParameterConfig `yaml:"parameters"`
}

// Manifest HTTP 接口对外暴露的工具描述
type Manifest struct {
	Description  string            `json:"description" yaml:"description"`
	Parameters   []ParameterConfig `json:"parameters" yaml:"parameters"`
	AuthRequired []string          `json:"authRequired,omitempty" yaml:"authRequired,omitempty"`
}

// PropertySchema 输入参数的 JSON Schema 片段
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// InputSchema MCP 输入 schema
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// McpManifest MCP 协议使用的工具描述
type McpManifest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Tool 已初始化的工具
type Tool interface {
	Name() string
	Kind() string
	Manifest() Manifest
	McpManifest() McpManifest
	AuthRequired() []string
	IsAuthorized(verifiedAuthServices []string) bool
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// base 工具的公共部分
type base struct {
	name        string
	kind        string
	config      Config
	manifest    Manifest
	mcpManifest McpManifest
}

func newBase(name, kind string, cfg Config) (base, error) {
	if cfg.Description == "" {
		return base{}, fmt.Errorf("%s tool %q missing field: 'description'", kind, name)
	}
	if cfg.Source == "" {
		return base{}, fmt.Errorf("%s tool %q missing field: 'source'", kind, name)
	}

	params := make([]ParameterConfig, 0, len(cfg.Parameters))
	for _, p := range cfg.Parameters {
		if p.Type == "" {
			p.Type = "string"
		}
		params = append(params, p)
	}
	cfg.Parameters = params

	return base{
		name:        name,
		kind:        kind,
		config:      cfg,
		manifest:    buildManifest(cfg),
		mcpManifest: buildMcpManifest(name, cfg),
	}, nil
}

func buildManifest(cfg Config) Manifest {
	return Manifest{
		Description:  cfg.Description,
		Parameters:   slices.Clone(cfg.Parameters),
		AuthRequired: slices.Clone(cfg.AuthRequired),
	}
}

func buildMcpManifest(name string, cfg Config) McpManifest {
	schema := InputSchema{
		Type:       "object",
		Properties: make(map[string]PropertySchema, len(cfg.Parameters)),
		Required:   []string{},
	}
	for _, p := range cfg.Parameters {
		if p.Name == "" {
			continue
		}
		schema.Properties[p.Name] = PropertySchema{Type: p.Type, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}

	return McpManifest{Name: name, Description: cfg.Description, InputSchema: schema}
}

func (b *base) Name() string { return b.name }

func (b *base) Kind() string { return b.kind }

func (b *base) Manifest() Manifest { return b.manifest }

func (b *base) McpManifest() McpManifest { return b.mcpManifest }

func (b *base) AuthRequired() []string { return slices.Clone(b.config.AuthRequired) }

// IsAuthorized 没有认证要求时直接通过，否则只要满足任意一个即可
func (b *base) IsAuthorized(verifiedAuthServices []string) bool {
	if IsAuthorized(b.config.AuthRequired, verifiedAuthServices) {
		return true
	}
	logger.Warn("tool not authorized", "tool", b.name, "required", b.config.AuthRequired, "provided", verifiedAuthServices)
	return false
}

// IsAuthorized 判断已验证的认证服务是否满足要求
func IsAuthorized(required, verified []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, req := range required {
		if slices.Contains(verified, req) {
			return true
		}
	}
	return false
}
