package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"McpToolbox/internal/logger"

	"github.com/google/jsonschema-go/jsonschema"
)

// TokenGetter 返回认证服务的 ID 令牌
type TokenGetter func() (string, error)

// ErrMissingAuth 调用需要的认证令牌没有提供
var ErrMissingAuth = errors.New("missing authentication token")

// Tool 可调用的远程工具。绑定参数和添加令牌都返回新的 Tool，原对象不变
type Tool struct {
	client *Client
	name   string
	schema ToolSchema
	bound  map[string]any
	tokens map[string]TokenGetter
}

func (c *Client) newTool(name string, schema ToolSchema) *Tool {
	return &Tool{
		client: c,
		name:   name,
		schema: schema,
		bound:  map[string]any{},
		tokens: map[string]TokenGetter{},
	}
}

func (t *Tool) clone() *Tool {
	return &Tool{
		client: t.client,
		name:   t.name,
		schema: t.schema,
		bound:  maps.Clone(t.bound),
		tokens: maps.Clone(t.tokens),
	}
}

// Name 工具名
func (t *Tool) Name() string { return t.name }

// Description 工具描述
func (t *Tool) Description() string { return t.schema.Description }

// Parameters 清单中的全部参数
func (t *Tool) Parameters() []ParameterSchema { return slices.Clone(t.schema.Parameters) }

func (t *Tool) param(name string) (ParameterSchema, bool) {
	for _, p := range t.schema.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSchema{}, false
}

// Schema 调用方需要提供的参数的 JSON Schema，不含已绑定参数和认证参数
func (t *Tool) Schema() (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{
		Type:        "object",
		Description: t.schema.Description,
		Properties:  map[string]*jsonschema.Schema{},
	}
	for _, p := range t.schema.Parameters {
		if len(p.AuthSources) > 0 {
			continue
		}
		if _, ok := t.bound[p.Name]; ok {
			continue
		}
		prop, err := propertySchema(p)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.name, err)
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema, nil
}

func propertySchema(p ParameterSchema) (*jsonschema.Schema, error) {
	switch p.Type {
	case "string", "integer", "number", "boolean", "object":
		return &jsonschema.Schema{Type: p.Type, Description: p.Description}, nil
	case "array":
		s := &jsonschema.Schema{Type: "array", Description: p.Description}
		if p.Items != nil {
			items, err := propertySchema(*p.Items)
			if err != nil {
				return nil, err
			}
			s.Items = items
		}
		return s, nil
	default:
		return nil, fmt.Errorf("parameter %q: unsupported schema type %q", p.Name, p.Type)
	}
}

// BindParam 绑定单个参数，value 可以是值或 func() any
func (t *Tool) BindParam(name string, value any) (*Tool, error) {
	return t.BindParams(map[string]any{name: value})
}

// BindParams 绑定多个参数。已绑定的参数总是报错，未知参数和认证参数在严格模式下报错
func (t *Tool) BindParams(params map[string]any) (*Tool, error) {
	next := t.clone()
	for _, name := range slices.Sorted(maps.Keys(params)) {
		if _, ok := t.bound[name]; ok {
			return nil, fmt.Errorf("parameter %q is already bound in tool %q", name, t.name)
		}
		p, ok := t.param(name)
		switch {
		case !ok:
			if err := t.mismatch("parameter %q is not defined in the schema of tool %q", name, t.name); err != nil {
				return nil, err
			}
			continue
		case len(p.AuthSources) > 0:
			if err := t.mismatch("parameter %q of tool %q requires authentication and cannot be bound", name, t.name); err != nil {
				return nil, err
			}
			continue
		}
		next.bound[name] = params[name]
	}
	return next, nil
}

// AddAuthToken 为认证服务添加令牌来源
func (t *Tool) AddAuthToken(source string, getter TokenGetter) (*Tool, error) {
	return t.AddAuthTokens(map[string]TokenGetter{source: getter})
}

// AddAuthTokens 添加多个令牌来源。重复添加报错，工具不使用的来源在严格模式下报错
func (t *Tool) AddAuthTokens(tokens map[string]TokenGetter) (*Tool, error) {
	used := t.authSources()
	next := t.clone()
	for _, source := range slices.Sorted(maps.Keys(tokens)) {
		if _, ok := t.tokens[source]; ok {
			return nil, fmt.Errorf("authentication source %q is already registered in tool %q", source, t.name)
		}
		if !slices.Contains(used, source) {
			if err := t.mismatch("authentication source %q is not used by tool %q", source, t.name); err != nil {
				return nil, err
			}
			continue
		}
		next.tokens[source] = tokens[source]
	}
	return next, nil
}

// authSources 参数和工具本身用到的全部认证服务
func (t *Tool) authSources() []string {
	sources := slices.Clone(t.schema.AuthRequired)
	for _, p := range t.schema.Parameters {
		sources = append(sources, p.AuthSources...)
	}
	slices.Sort(sources)
	return slices.Compact(sources)
}

func (t *Tool) mismatch(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if t.client.strict {
		return err
	}
	logger.Warn("ignoring tool configuration mismatch", "tool", t.name, "reason", err.Error())
	return nil
}

// Invoke 校验参数后调用工具，返回响应中的 result
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	for name := range args {
		if _, ok := t.bound[name]; ok {
			return nil, fmt.Errorf("parameter %q is bound and cannot be passed to tool %q", name, t.name)
		}
	}

	// 经过 JSON 往返后数值统一为 float64，只用于 schema 校验，发送时仍使用原始值以免大整数失真
	normalized, err := normalize(args)
	if err != nil {
		return nil, fmt.Errorf("tool %q: arguments are not JSON encodable: %w", t.name, err)
	}
	if err := t.validate(normalized); err != nil {
		return nil, err
	}
	if err := t.checkAuth(); err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(args)+len(t.bound))
	for name, v := range args {
		payload[name] = v
	}
	for name, v := range t.bound {
		if fn, ok := v.(func() any); ok {
			v = fn()
		}
		payload[name] = v
	}
	for name, v := range payload {
		if v == nil {
			delete(payload, name)
		}
	}

	headers := make(http.Header, len(t.tokens))
	for source, getter := range t.tokens {
		token, err := getter()
		if err != nil {
			return nil, fmt.Errorf("failed to get token for %q: %w", source, err)
		}
		headers.Set(source+"_token", token)
	}
	return t.post(ctx, payload, headers)
}

func (t *Tool) validate(args map[string]any) error {
	schema, err := t.Schema()
	if err != nil {
		return err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", t.name, err)
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for tool %q: %w", t.name, err)
	}
	return nil
}

func (t *Tool) checkAuth() error {
	for _, p := range t.schema.Parameters {
		if len(p.AuthSources) == 0 {
			continue
		}
		if !t.hasToken(p.AuthSources) {
			return fmt.Errorf("%w: parameter %q of tool %q needs one of %v", ErrMissingAuth, p.Name, t.name, p.AuthSources)
		}
	}
	if len(t.schema.AuthRequired) > 0 && !t.hasToken(t.schema.AuthRequired) {
		return fmt.Errorf("%w: tool %q needs one of %v", ErrMissingAuth, t.name, t.schema.AuthRequired)
	}
	return nil
}

func (t *Tool) hasToken(sources []string) bool {
	for _, s := range sources {
		if _, ok := t.tokens[s]; ok {
			return true
		}
	}
	return false
}

func (t *Tool) post(ctx context.Context, payload map[string]any, headers http.Header) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/tool/%s/invoke", t.client.baseURL, url.PathEscape(t.name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke tool %q: %w", t.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of tool %q: %w", t.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: failure.Error}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	var out struct {
		Result any `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response of tool %q: %w", t.name, err)
	}
	return out.Result, nil
}

func normalize(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
