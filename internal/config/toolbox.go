package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolboxConfig tools.yaml 的顶层结构。sources 和 tools 保留原始节点，
// 交给各自的注册表按 kind 解码，并保持文件中的顺序
type ToolboxConfig struct {
	Sources      yaml.Node                    `yaml:"sources"`
	Tools        yaml.Node                    `yaml:"tools"`
	Toolsets     map[string][]string          `yaml:"toolsets"`
	AuthServices map[string]AuthServiceConfig `yaml:"authServices"`
}

// AuthServiceConfig 认证服务配置，目前只支持 static 令牌列表
type AuthServiceConfig struct {
	Kind   string   `yaml:"kind"`
	Tokens []string `yaml:"tokens"`
}

// Entry 一个命名的配置项
type Entry struct {
	Name string
	Node *yaml.Node
}

// LoadToolboxConfig 读取 tools.yaml
func LoadToolboxConfig(path string) (*ToolboxConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseToolboxConfig(data)
}

// ParseToolboxConfig 解析 tools.yaml 内容
func ParseToolboxConfig(data []byte) (*ToolboxConfig, error) {
	var cfg ToolboxConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse toolbox config: %w", err)
	}
	for name, svc := range cfg.AuthServices {
		if svc.Kind == "" {
			svc.Kind = "static"
			cfg.AuthServices[name] = svc
		}
		if svc.Kind != "static" {
			return nil, fmt.Errorf("auth service %q: unsupported kind %q", name, svc.Kind)
		}
	}
	return &cfg, nil
}

// MappingEntries 按文件顺序返回映射节点下的所有条目，节点缺失时返回空
func MappingEntries(node *yaml.Node, section string) ([]Entry, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%q must be a mapping (line %d)", section, node.Line)
	}

	entries := make([]Entry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		entries = append(entries, Entry{
			Name: node.Content[i].Value,
			Node: node.Content[i+1],
		})
	}
	return entries, nil
}

// EntryKind 读取条目中的 kind 字段
func EntryKind(node *yaml.Node) (string, error) {
	var head struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return "", err
	}
	return head.Kind, nil
}
