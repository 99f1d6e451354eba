package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/config"
	"McpToolbox/internal/database"
	"McpToolbox/internal/hub"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/manager"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/server"

	"github.com/joho/godotenv"
)

var (
	configPath = flag.String("config", "config.yaml", "path to config file")
)

func main() {
	os.Exit(run())
}

// run 返回进程退出码，保证 defer 的清理在退出前执行
func run() int {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("failed to load .env", "error", err)
	}

	// 加载配置，环境变量优先
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	config.LoadConfigFromEnv(cfg)
	logger.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := metrics.Initialize("mcp_hub"); err != nil {
		logger.Warn("failed to initialize metrics", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabaseService(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to create database service", "driver", cfg.Database.Driver, "error", err)
	}
	defer db.Close()

	remote := manager.NewRemoteStdioManager(manager.RemoteStdioOptions{
		ConnectTimeout: cfg.Remote.DefaultConnectTimeout,
		CallTimeout:    cfg.Remote.DefaultCallTimeout,
		IdleTTL:        cfg.Remote.DefaultIdleTTL,
	})
	defer remote.CloseAll()

	authMiddleware := auth.NewAuthMiddleware(&cfg.Auth)
	hubServer := hub.NewServer(db, authMiddleware, remote)

	addr := cfg.Server.GetServerAddr()
	logger.Info("starting mcp hub", "address", addr, "driver", cfg.Database.Driver, "auth", authMiddleware.IsEnabled())
	if err := server.Run(ctx, addr, hubServer, 10*time.Second); err != nil {
		logger.Error("hub server failed", "error", err)
		return 1
	}
	logger.Info("hub stopped")
	return 0
}
