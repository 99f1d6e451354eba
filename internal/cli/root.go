package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/toolbox"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version 构建时可通过 -ldflags 覆盖
var Version = "0.1.0"

const envPrefix = "TOOLBOX"

// settings 命令共享的配置，flag 和环境变量都通过 viper 读取
type settings struct {
	v *viper.Viper
}

func (s *settings) configPath() string { return s.v.GetString("config") }

func (s *settings) hubURL() string { return s.v.GetString("hub-url") }

func (s *settings) hubAPIKey() string { return s.v.GetString("hub-api-key") }

func (s *settings) microserviceID() string { return s.v.GetString("microservice-id") }

// loadRuntime 加载工具箱配置，返回绝对路径的运行时
func (s *settings) loadRuntime() (*toolbox.Runtime, error) {
	path, err := filepath.Abs(s.configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return toolbox.Load(path)
}

// NewRootCmd 创建 toolbox 根命令
func NewRootCmd() *cobra.Command {
	s := &settings{v: viper.New()}

	root := &cobra.Command{
		Use:           "toolbox",
		Short:         "Serve database tools over JSON-RPC, MCP and HTTP",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(); err != nil {
				return err
			}
			// 日志写到 stderr，stdout 留给协议帧和命令输出
			logger.Init(s.v.GetString("log-level"), s.v.GetString("log-format"), cmd.ErrOrStderr())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "tools.yaml", "Path to the tools configuration file. Env: TOOLBOX_CONFIG")
	flags.String("log-level", "info", "Log level: debug, info, warn, error. Env: TOOLBOX_LOG_LEVEL")
	flags.String("log-format", "text", "Log format: text or json. Env: TOOLBOX_LOG_FORMAT")

	s.v.SetEnvPrefix(envPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.v.AutomaticEnv()
	cobra.CheckErr(s.v.BindPFlags(flags))
	cobra.CheckErr(s.v.BindEnv("hub-url", "MCP_HUB_API_URL"))
	cobra.CheckErr(s.v.BindEnv("hub-api-key", "MCP_HUB_API_KEY"))
	cobra.CheckErr(s.v.BindEnv("microservice-id", "PYTOOLBOX_MICROSERVICE_ID"))

	root.AddCommand(
		newListToolsCmd(s),
		newInvokeToolCmd(s),
		newMCPServeCmd(s),
		newServeCmd(s),
	)
	return root
}

// loadDotEnv 当前目录存在 .env 时加载，已有的环境变量不会被覆盖
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
}

// closeRuntime 退出前关闭所有数据源
func closeRuntime(rt *toolbox.Runtime) {
	if err := rt.Close(); err != nil {
		logger.Error("failed to close sources", "error", err)
		return
	}
	logger.Debug("all sources closed")
}
