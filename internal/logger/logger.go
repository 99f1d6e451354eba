package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// LevelFatal slog 中没有 fatal 级别，这里扩展一个
const LevelFatal = slog.Level(12)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var slogLevels = map[LogLevel]slog.Level{
	DEBUG: slog.LevelDebug,
	INFO:  slog.LevelInfo,
	WARN:  slog.LevelWarn,
	ERROR: slog.LevelError,
	FATAL: LevelFatal,
}

var (
	mu           sync.RWMutex
	level        = new(slog.LevelVar)
	defaultLog   *slog.Logger
	exitFunc     = os.Exit
	defaultLevel = INFO
)

func init() {
	// stdout 留给 JSON-RPC 帧，日志默认写 stderr
	Init("info", "text", os.Stderr)
}

// Init 初始化全局 logger，format 支持 text 和 json
func Init(levelStr, format string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	SetLevelFromString(levelStr)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelFatal {
					a.Value = slog.StringValue(levelNames[FATAL])
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	defaultLog = slog.New(handler)
	mu.Unlock()
}

// GetLogger 返回全局 logger
func GetLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLog
}

// SetLevel 设置日志级别
func SetLevel(l LogLevel) {
	level.Set(slogLevels[l])
}

// SetLevelFromString 从字符串设置日志级别，无法识别时回退到 INFO
func SetLevelFromString(levelStr string) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "INFO":
		SetLevel(INFO)
	case "WARN", "WARNING":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	case "FATAL", "CRITICAL":
		SetLevel(FATAL)
	default:
		SetLevel(defaultLevel)
	}
}

// Enabled 判断某个级别是否会输出
func Enabled(l LogLevel) bool {
	return GetLogger().Enabled(context.Background(), slogLevels[l])
}

func Debug(msg string, args ...any) {
	GetLogger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	GetLogger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	GetLogger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	GetLogger().Error(msg, args...)
}

// Fatal 记录日志后退出进程
func Fatal(msg string, args ...any) {
	GetLogger().Log(context.Background(), LevelFatal, msg, args...)
	exitFunc(1)
}

// 结构化日志方法
func InfoWithFields(msg string, fields map[string]any) {
	GetLogger().Info(msg, fieldArgs(fields)...)
}

func ErrorWithFields(msg string, fields map[string]any) {
	GetLogger().Error(msg, fieldArgs(fields)...)
}

func fieldArgs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}
