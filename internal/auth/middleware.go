package auth

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"McpToolbox/internal/config"
	"McpToolbox/internal/logger"
)

const defaultHeaderName = "X-API-Key"

// TokenHeaderSuffix 认证服务令牌头的后缀，完整头名为 {service}_token
const TokenHeaderSuffix = "_token"

// AuthMiddleware 认证中间件
type AuthMiddleware struct {
	config *config.AuthConfig
}

// NewAuthMiddleware 创建新的认证中间件
func NewAuthMiddleware(authConfig *config.AuthConfig) *AuthMiddleware {
	if authConfig == nil {
		authConfig = &config.AuthConfig{}
	}
	return &AuthMiddleware{
		config: authConfig,
	}
}

// ValidateAPIKey 验证API密钥
func (am *AuthMiddleware) ValidateAPIKey(apiKey string) bool {
	if !am.config.Enabled {
		return true
	}
	if apiKey == "" {
		return false
	}
	return slices.Contains(am.config.APIKeys, apiKey)
}

// Middleware 包装需要 API 密钥的路由，失败时返回 401 {"detail": ...}
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !am.ValidateAPIKey(am.ExtractAPIKey(r)) {
			logger.Warn("authentication failed", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Unauthorized: Invalid API Key"})
			return
		}

		logger.Debug("authentication successful", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey 依次从配置的头、Bearer 令牌、api_key 查询参数中提取密钥
func (am *AuthMiddleware) ExtractAPIKey(r *http.Request) string {
	if apiKey := r.Header.Get(am.GetHeaderName()); apiKey != "" {
		return apiKey
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("api_key")
}

// IsEnabled 检查认证是否启用
func (am *AuthMiddleware) IsEnabled() bool {
	return am.config.Enabled
}

// GetHeaderName 获取API密钥头名称
func (am *AuthMiddleware) GetHeaderName() string {
	if am.config.HeaderName == "" {
		return defaultHeaderName
	}
	return am.config.HeaderName
}

// VerifiedServices 返回请求头中令牌有效的认证服务名，按名称排序
func VerifiedServices(header http.Header, services map[string]config.AuthServiceConfig) []string {
	verified := make([]string, 0, len(services))
	for name, svc := range services {
		token := header.Get(name + TokenHeaderSuffix)
		if token == "" {
			continue
		}
		if slices.Contains(svc.Tokens, token) {
			verified = append(verified, name)
			continue
		}
		logger.Warn("invalid token for auth service", "service", name)
	}
	slices.Sort(verified)
	return verified
}
