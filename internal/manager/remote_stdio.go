package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/metrics"

	"github.com/jellydator/ttlcache/v3"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionInfo 一个远程命令的 MCP 客户端会话
type SessionInfo struct {
	session     *mcp.ClientSession
	command     string
	createdAt   time.Time
	lastUsed    atomic.Int64
	activeConns atomic.Int32
	calls       atomic.Int64

	mu      sync.Mutex
	refs    int
	closing bool
	drained chan struct{}
}

func newSessionInfo(session *mcp.ClientSession, command string) *SessionInfo {
	info := &SessionInfo{
		session:   session,
		command:   command,
		createdAt: time.Now(),
		drained:   make(chan struct{}),
	}
	info.lastUsed.Store(time.Now().UnixNano())
	return info
}

// acquire 增加一个在用引用，会话已经开始关闭时返回 false
func (s *SessionInfo) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.refs++
	return true
}

func (s *SessionInfo) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.closing && s.refs == 0 {
		close(s.drained)
	}
}

// drain 拒绝新的引用并等待已有调用结束
func (s *SessionInfo) drain() {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		if s.refs == 0 {
			close(s.drained)
		}
	}
	s.mu.Unlock()
	<-s.drained
}

// RemoteStdioOptions 远程会话参数
type RemoteStdioOptions struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	IdleTTL        time.Duration
	// Dialer 为空时启动子进程并通过 stdio 连接
	Dialer Dialer
}

// RemoteStdioManager 按命令复用远程 stdio MCP 会话，空闲超时后关闭
type RemoteStdioManager struct {
	opts        RemoteStdioOptions
	client      *mcp.Client
	sessions    *ttlcache.Cache[string, *SessionInfo]
	unsubscribe func()
	connectMu   sync.Mutex
	closeOnce   sync.Once
}

// NewRemoteStdioManager 创建新的远程 stdio 管理器
func NewRemoteStdioManager(opts RemoteStdioOptions) *RemoteStdioManager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.Dialer == nil {
		opts.Dialer = CommandDialer
	}

	rsm := &RemoteStdioManager{
		opts: opts,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "mcp-hub-client",
			Version: "1.0.0",
		}, nil),
		sessions: ttlcache.New[string, *SessionInfo](
			ttlcache.WithTTL[string, *SessionInfo](opts.IdleTTL),
		),
	}

	rsm.unsubscribe = rsm.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *SessionInfo]) {
		info := item.Value()
		info.drain()
		if err := info.session.Close(); err != nil {
			logger.Warn("error closing remote session", "command", info.command, "error", err)
		}
		logger.Info("remote session closed", "command", info.command, "reason", evictionReason(reason), "calls", info.calls.Load())
		metrics.SetGauge([]string{"hub", "remote", "sessions"}, float32(rsm.sessions.Len()))
	})

	go rsm.sessions.Start()

	return rsm
}

// CommandDialer 把命令按空白拆分后启动子进程
func CommandDialer(_ context.Context, command string) (mcp.Transport, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stderr = os.Stderr
	return &mcp.CommandTransport{Command: cmd}, nil
}

// getOrCreateSession 获取或建立命令对应的会话，返回时已持有一个引用，调用方用完后需 release
func (rsm *RemoteStdioManager) getOrCreateSession(ctx context.Context, command string) (*SessionInfo, error) {
	if info := rsm.acquireCached(command); info != nil {
		logger.Debug("reusing remote session", "command", command)
		return info, nil
	}

	rsm.connectMu.Lock()
	defer rsm.connectMu.Unlock()

	// 双重检查
	if info := rsm.acquireCached(command); info != nil {
		return info, nil
	}

	logger.Info("connecting to remote stdio service", "command", command)
	transport, err := rsm.opts.Dialer(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("failed to start remote service: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, rsm.opts.ConnectTimeout)
	defer cancel()

	session, err := rsm.client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	info := newSessionInfo(session, command)
	info.acquire()
	// 已过期但尚未清理的旧会话会被 Set 原地覆盖而不触发驱逐回调，先删除以确保它被关闭
	rsm.sessions.Delete(command)
	rsm.sessions.Set(command, info, ttlcache.DefaultTTL)
	metrics.SetGauge([]string{"hub", "remote", "sessions"}, float32(rsm.sessions.Len()))

	logger.Info("connected to remote stdio service", "command", command)
	return info, nil
}

// acquireCached 缓存中的会话正在关闭时视为不存在
func (rsm *RemoteStdioManager) acquireCached(command string) *SessionInfo {
	item := rsm.sessions.Get(command)
	if item == nil {
		return nil
	}
	if info := item.Value(); info.acquire() {
		return info
	}
	return nil
}

// CallTool 在命令对应的会话上调用工具
func (rsm *RemoteStdioManager) CallTool(ctx context.Context, command, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	info, err := rsm.getOrCreateSession(ctx, command)
	if err != nil {
		return nil, err
	}

	info.activeConns.Add(1)
	info.calls.Add(1)
	info.lastUsed.Store(time.Now().UnixNano())
	defer func() {
		info.activeConns.Add(-1)
		info.release()
	}()

	callCtx, cancel := context.WithTimeout(ctx, rsm.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := info.session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	metrics.MeasureSince([]string{"hub", "remote", "call"}, start, metrics.L("tool", toolName))
	if err != nil {
		// 会话可能已失效，丢弃后下次调用重新连接
		rsm.sessions.Delete(command)
		return nil, fmt.Errorf("remote call failed: %w", err)
	}
	return result, nil
}

// ListTools 列出远程会话暴露的工具
func (rsm *RemoteStdioManager) ListTools(ctx context.Context, command string) ([]*mcp.Tool, error) {
	info, err := rsm.getOrCreateSession(ctx, command)
	if err != nil {
		return nil, err
	}
	defer info.release()

	result, err := info.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote tools: %w", err)
	}
	return result.Tools, nil
}

// CloseRemoteSession 关闭指定命令的会话
func (rsm *RemoteStdioManager) CloseRemoteSession(command string) {
	rsm.sessions.Delete(command)
}

// CloseAll 关闭所有远程会话并停止过期清理
func (rsm *RemoteStdioManager) CloseAll() {
	rsm.closeOnce.Do(func() {
		rsm.sessions.DeleteAll()
		rsm.sessions.Stop()
		rsm.unsubscribe()
		logger.Info("all remote sessions closed")
	})
}

// GetSessionStats 获取会话统计信息
func (rsm *RemoteStdioManager) GetSessionStats() map[string]any {
	details := make(map[string]any)
	totalConnections := int32(0)

	rsm.sessions.Range(func(item *ttlcache.Item[string, *SessionInfo]) bool {
		info := item.Value()
		active := info.activeConns.Load()
		totalConnections += active
		details[item.Key()] = map[string]any{
			"active_conns": active,
			"calls":        info.calls.Load(),
			"created_at":   info.createdAt.UTC(),
			"last_used":    time.Unix(0, info.lastUsed.Load()).UTC(),
			"expires_at":   item.ExpiresAt().UTC(),
		}
		return true
	})

	return map[string]any{
		"total_sessions":    len(details),
		"total_connections": totalConnections,
		"idle_ttl_seconds":  rsm.opts.IdleTTL.Seconds(),
		"session_details":   details,
	}
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "idle"
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("reason_%d", r)
	}
}
