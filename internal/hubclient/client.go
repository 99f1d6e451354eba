package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/models"
	"McpToolbox/internal/tools"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// MicroserviceIDEnv 覆盖默认微服务 ID 的环境变量
	MicroserviceIDEnv = "PYTOOLBOX_MICROSERVICE_ID"
	// HubURLEnv Hub API 地址
	HubURLEnv = "MCP_HUB_API_URL"

	microserviceIDPrefix = "pytoolbox_ms_"
	defaultTimeout       = 10 * time.Second
	defaultMaxElapsed    = 30 * time.Second
	defaultAPIKeyHeader  = "X-API-Key"
)

// Client Hub 注册客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	keyHeader  string
	maxElapsed time.Duration
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 使用自定义 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey 在请求中携带 Hub API Key，header 为空时使用 X-API-Key
func WithAPIKey(header, key string) Option {
	return func(c *Client) {
		if header != "" {
			c.keyHeader = header
		}
		c.apiKey = key
	}
}

// WithMaxElapsed 注册重试的总时长上限，0 表示不重试
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// New 创建客户端，baseURL 末尾的 / 会被去掉
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		keyHeader:  defaultAPIKeyHeader,
		maxElapsed: defaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 返回 Hub 地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// MicroserviceID 优先使用环境变量，否则由配置路径和主机名生成稳定的 ID
func MicroserviceID(configPath string) string {
	if id := os.Getenv(MicroserviceIDEnv); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		logger.Warn("failed to read hostname", "error", err)
	}
	return DeriveMicroserviceID(configPath, host)
}

// DeriveMicroserviceID uuid5(DNS, configPath+host) 的前 8 位加前缀
func DeriveMicroserviceID(configPath, host string) string {
	id := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(configPath+host)).String()
	return microserviceIDPrefix + id[:8]
}

// StatusError Hub 返回的非成功响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub responded with status %d: %s", e.StatusCode, e.Body)
}

// Register 注册单个工具。5xx 和网络错误按指数退避重试，4xx 直接失败
func (c *Client) Register(ctx context.Context, payload *models.ToolRegistrationRequest) (*models.ToolRegistrationResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration payload: %w", err)
	}

	var out models.ToolRegistrationResponse
	op := func() error {
		status, respBody, err := c.post(ctx, c.baseURL+"/tools", body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
			if err := json.Unmarshal(respBody, &out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode registration response: %w", err))
			}
			return nil
		case status >= http.StatusInternalServerError:
			return &StatusError{StatusCode: status, Body: string(respBody)}
		default:
			return backoff.Permanent(&StatusError{StatusCode: status, Body: string(respBody)})
		}
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("hub registration failed, retrying", "tool", payload.ToolName, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, c.backOff(ctx), notify); err != nil {
		metrics.IncrCounter([]string{"hubclient", "register", "errors"})
		return nil, err
	}
	metrics.IncrCounter([]string{"hubclient", "register"})
	return &out, nil
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	if c.maxElapsed <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(c.maxElapsed),
	)
	return backoff.WithContext(b, ctx)
}

// Heartbeat 上报一次心跳
func (c *Client) Heartbeat(ctx context.Context, microserviceID, toolName string) (*models.HeartbeatResponse, error) {
	endpoint := fmt.Sprintf("%s/tools/heartbeat/%s/%s", c.baseURL, url.PathEscape(microserviceID), url.PathEscape(toolName))
	status, body, err := c.post(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}
	var out models.HeartbeatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat response: %w", err)
	}
	return &out, nil
}

// RunHeartbeats 按间隔为每个工具上报心跳，直到 ctx 结束。单次失败只记录日志
func (c *Client) RunHeartbeats(ctx context.Context, interval time.Duration, microserviceID string, toolNames []string) error {
	if interval <= 0 || len(toolNames) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, name := range toolNames {
				if _, err := c.Heartbeat(ctx, microserviceID, name); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					metrics.IncrCounter([]string{"hubclient", "heartbeat", "errors"})
					logger.Warn("heartbeat failed", "tool", name, "microservice", microserviceID, "error", err)
				}
			}
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request to hub failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read hub response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// Instance 描述当前工具箱进程，用于生成调用信息
type Instance struct {
	MicroserviceID string
	Executable     string
	ConfigPath     string
}

// BuildRegistration 生成单个工具的注册请求
func BuildRegistration(inst Instance, tool tools.Tool) *models.ToolRegistrationRequest {
	manifest := tool.McpManifest()
	if manifest.Name == "" {
		manifest.Name = tool.Name()
	}

	description := manifest.Description
	if description == "" {
		description = "No description provided."
	}

	properties := make(map[string]map[string]any, len(manifest.InputSchema.Properties))
	for name, prop := range manifest.InputSchema.Properties {
		properties[name] = map[string]any{"type": prop.Type, "description": prop.Description}
	}
	required := manifest.InputSchema.Required
	if required == nil {
		required = []string{}
	}
	schemaType := manifest.InputSchema.Type
	if schemaType == "" {
		schemaType = "object"
	}

	base := fmt.Sprintf("%s --config {config_file_path} mcp-serve", inst.Executable)
	return &models.ToolRegistrationRequest{
		ToolName:       tool.Name(),
		MicroserviceID: inst.MicroserviceID,
		Description:    &description,
		InvocationInfo: models.JSONB{
			"type":                               "mcp_jsonrpc_stdio",
			"command_template":                   base,
			"mcp_command_template":               base + " --transport mcp",
			"config_file_path_for_this_instance": inst.ConfigPath,
			"json_rpc_request_template": map[string]any{
				"jsonrpc": "2.0",
				"method":  "invoke_tool",
				"params": map[string]any{
					"tool_name":     tool.Name(),
					"invoke_params": map[string]any{"param1": "value1_example", "...": "..."},
				},
				"id": "<client_generated_request_id>",
			},
			"notes": "Replace placeholders in command_template and json_rpc_request_template. 'invoke_params' must match the tool's input_schema from its McpManifest.",
		},
		McpManifest: &models.McpManifestModel{
			Name:        manifest.Name,
			Description: manifest.Description,
			InputSchema: models.McpInputSchema{
				Type:       schemaType,
				Properties: properties,
				Required:   required,
			},
		},
	}
}

// RegisterTools 逐个注册工具，返回成功注册的工具名。单个失败不影响其余工具
func (c *Client) RegisterTools(ctx context.Context, inst Instance, list []tools.Tool) []string {
	if len(list) == 0 {
		logger.Info("no tools to register with hub")
		return nil
	}

	logger.Info("registering tools with hub", "hub", c.baseURL, "microservice", inst.MicroserviceID, "count", len(list))
	registered := make([]string, 0, len(list))
	for _, tool := range list {
		resp, err := c.Register(ctx, BuildRegistration(inst, tool))
		if err != nil {
			logger.Error("failed to register tool with hub", "tool", tool.Name(), "error", err)
			continue
		}
		logger.Info("tool registered with hub", "tool", tool.Name(), "hub_id", resp.ID)
		registered = append(registered, tool.Name())
	}
	return registered
}
