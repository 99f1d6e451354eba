// Package client 从工具箱 HTTP API 加载工具清单，并把每个工具包装成可调用对象
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gopkg.in/yaml.v3"
)

const defaultCacheTTL = 5 * time.Minute

// ParameterSchema 工具参数描述
type ParameterSchema struct {
	Name        string           `yaml:"name" json:"name"`
	Type        string           `yaml:"type" json:"type"`
	Description string           `yaml:"description" json:"description"`
	Required    bool             `yaml:"required" json:"required,omitempty"`
	AuthSources []string         `yaml:"authSources" json:"authSources,omitempty"`
	Items       *ParameterSchema `yaml:"items" json:"items,omitempty"`
}

// ToolSchema 单个工具的清单
type ToolSchema struct {
	Description  string            `yaml:"description" json:"description"`
	Parameters   []ParameterSchema `yaml:"parameters" json:"parameters"`
	AuthRequired []string          `yaml:"authRequired" json:"authRequired,omitempty"`
}

// Manifest /api/toolset 和 /api/tool 返回的清单，YAML 和 JSON 都可以解析
type Manifest struct {
	ServerVersion string                `yaml:"serverVersion" json:"serverVersion"`
	Tools         map[string]ToolSchema `yaml:"tools" json:"tools"`
}

// Client 工具箱客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *ttlcache.Cache[string, *Manifest]
	strict     bool
}

// Option 客户端选项
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	cacheTTL   time.Duration
	strict     bool
}

// WithHTTPClient 使用自定义 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithCacheTTL 清单缓存时间，0 表示不缓存
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *clientOptions) { o.cacheTTL = ttl }
}

// WithStrict 严格模式下绑定参数和认证令牌的不匹配会返回错误，否则只记录警告。默认开启
func WithStrict(strict bool) Option {
	return func(o *clientOptions) { o.strict = strict }
}

// New 创建客户端
func New(baseURL string, opts ...Option) *Client {
	o := clientOptions{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cacheTTL:   defaultCacheTTL,
		strict:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
		strict:     o.strict,
	}
	if o.cacheTTL > 0 {
		c.cache = ttlcache.New(
			ttlcache.WithTTL[string, *Manifest](o.cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *Manifest](),
		)
	}
	return c
}

// LoadToolset 加载工具集中的全部工具，name 为空时加载默认工具集。结果按名称排序
func (c *Client) LoadToolset(ctx context.Context, name string) ([]*Tool, error) {
	manifest, err := c.fetchManifest(ctx, c.baseURL+"/api/toolset/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(manifest.Tools))
	for toolName := range manifest.Tools {
		names = append(names, toolName)
	}
	sort.Strings(names)

	out := make([]*Tool, 0, len(names))
	for _, toolName := range names {
		out = append(out, c.newTool(toolName, manifest.Tools[toolName]))
	}
	return out, nil
}

// LoadTool 加载单个工具
func (c *Client) LoadTool(ctx context.Context, name string) (*Tool, error) {
	manifest, err := c.fetchManifest(ctx, c.baseURL+"/api/tool/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	schema, ok := manifest.Tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found in manifest", name)
	}
	return c.newTool(name, schema), nil
}

// InvalidateCache 清空清单缓存
func (c *Client) InvalidateCache() {
	if c.cache != nil {
		c.cache.DeleteAll()
	}
}

func (c *Client) fetchManifest(ctx context.Context, endpoint string) (*Manifest, error) {
	if c.cache != nil {
		if item := c.cache.Get(endpoint); item != nil {
			return item.Value(), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	manifest, err := ParseManifest(body)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(endpoint, manifest, ttlcache.DefaultTTL)
	}
	return manifest, nil
}

// ParseManifest 解析 YAML 或 JSON 格式的清单
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Tools == nil {
		return nil, errors.New("manifest has no tools")
	}
	return &m, nil
}

// HTTPError 服务端返回的非 2xx 响应
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("toolbox responded with status %d: %s", e.StatusCode, e.Body)
}
