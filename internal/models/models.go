package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// RegisteredTool 表示 registered_tools 表的数据模型
type RegisteredTool struct {
	ID              int64            `json:"id" db:"id"`
	ToolName        string           `json:"tool_name" db:"tool_name"`
	MicroserviceID  string           `json:"microservice_id" db:"microservice_id"`
	Description     *string          `json:"description" db:"description"`
	InvocationInfo  JSONB            `json:"invocation_info" db:"invocation_info"`
	McpManifest     McpManifestModel `json:"mcp_manifest" db:"mcp_manifest"`
	RegisteredAt    time.Time        `json:"registered_at" db:"registered_at"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at" db:"last_heartbeat_at"`
}

// ToolDisplay 列表视图
type ToolDisplay struct {
	ID              int64      `json:"id"`
	ToolName        string     `json:"tool_name"`
	MicroserviceID  string     `json:"microservice_id"`
	Description     *string    `json:"description"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
}

// ToolDetail 详情视图
type ToolDetail struct {
	ToolDisplay
	InvocationInfo JSONB            `json:"invocation_info"`
	McpManifest    McpManifestModel `json:"mcp_manifest"`
}

// Display 转换为列表视图
func (t *RegisteredTool) Display() ToolDisplay {
	return ToolDisplay{
		ID:              t.ID,
		ToolName:        t.ToolName,
		MicroserviceID:  t.MicroserviceID,
		Description:     t.Description,
		RegisteredAt:    t.RegisteredAt,
		LastHeartbeatAt: t.LastHeartbeatAt,
	}
}

// Detail 转换为详情视图
func (t *RegisteredTool) Detail() ToolDetail {
	return ToolDetail{
		ToolDisplay:    t.Display(),
		InvocationInfo: t.InvocationInfo,
		McpManifest:    t.McpManifest,
	}
}

// ToolRegistrationRequest 注册请求
type ToolRegistrationRequest struct {
	ToolName       string            `json:"tool_name"`
	MicroserviceID string            `json:"microservice_id"`
	Description    *string           `json:"description"`
	InvocationInfo JSONB             `json:"invocation_info"`
	McpManifest    *McpManifestModel `json:"mcp_manifest"`
}

// ToolRegistrationResponse 注册响应
type ToolRegistrationResponse struct {
	ID             int64     `json:"id"`
	ToolName       string    `json:"tool_name"`
	MicroserviceID string    `json:"microservice_id"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	Message         string     `json:"message"`
	ToolName        string     `json:"tool_name"`
	MicroserviceID  string     `json:"microservice_id"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
}

// ToolInvokeRequest 通过 Hub 调用已注册工具的请求
type ToolInvokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolInvokeResponse 调用结果
type ToolInvokeResponse struct {
	Result  any  `json:"result"`
	IsError bool `json:"is_error"`
}

// ValidationError 单个字段的校验错误
type ValidationError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func missing(field ...string) ValidationError {
	return ValidationError{Loc: append([]string{"body"}, field...), Msg: "field required", Type: "value_error.missing"}
}

// Validate 检查必填字段并补全 mcp_manifest 的默认值
func (r *ToolRegistrationRequest) Validate() []ValidationError {
	var errs []ValidationError
	if r.ToolName == "" {
		errs = append(errs, missing("tool_name"))
	}
	if r.MicroserviceID == "" {
		errs = append(errs, missing("microservice_id"))
	}
	if r.InvocationInfo == nil {
		errs = append(errs, missing("invocation_info"))
	}
	if r.McpManifest == nil {
		errs = append(errs, missing("mcp_manifest"))
	} else {
		if r.McpManifest.Name == "" {
			errs = append(errs, missing("mcp_manifest", "name"))
		}
		r.McpManifest.applyDefaults()
	}
	return errs
}

// McpInputSchema 工具输入 schema
type McpInputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required"`
}

// McpManifestModel Hub 保存的工具 MCP 描述
type McpManifestModel struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema McpInputSchema `json:"input_schema"`
}

func (m *McpManifestModel) applyDefaults() {
	if m.InputSchema.Type == "" {
		m.InputSchema.Type = "object"
	}
	if m.InputSchema.Properties == nil {
		m.InputSchema.Properties = map[string]map[string]any{}
	}
	if m.InputSchema.Required == nil {
		m.InputSchema.Required = []string{}
	}
}

// Value 实现 driver.Valuer 接口
func (m McpManifestModel) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (m *McpManifestModel) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		return err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return err
	}
	m.applyDefaults()
	return nil
}

// ToJSONSchema 将输入 schema 转换为 JSON Schema
func (m *McpManifestModel) ToJSONSchema() (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{
		Type:        m.InputSchema.Type,
		Description: m.Description,
		Properties:  make(map[string]*jsonschema.Schema, len(m.InputSchema.Properties)),
		Required:    append([]string(nil), m.InputSchema.Required...),
	}
	if schema.Type == "" {
		schema.Type = "object"
	}

	for name, prop := range m.InputSchema.Properties {
		data, err := json.Marshal(prop)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		propSchema := &jsonschema.Schema{}
		if err := json.Unmarshal(data, propSchema); err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		schema.Properties[name] = propSchema
	}
	return schema, nil
}

// JSONB 以 JSON 文本存储的对象字段
type JSONB map[string]any

// Value 实现 driver.Valuer 接口
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONB) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	if data == nil {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("cannot scan non-string value into JSON column")
	}
}
