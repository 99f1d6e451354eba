package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"McpToolbox/internal/handlers"
	"McpToolbox/internal/hubclient"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/manager"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/rpc"
	"McpToolbox/internal/server"
	"McpToolbox/internal/toolbox"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	transportJSONRPC = "jsonrpc"
	transportMCP     = "mcp"
)

func newMCPServeCmd(s *settings) *cobra.Command {
	var (
		transport string
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mcp-serve",
		Short: "Serve the tools over stdin/stdout and register them with the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if transport != transportJSONRPC && transport != transportMCP {
				return fmt.Errorf("unsupported transport %q (want %s or %s)", transport, transportJSONRPC, transportMCP)
			}

			rt, err := s.loadRuntime()
			if err != nil {
				logger.Error("failed to load tools for mcp-serve", "error", err)
				if transport == transportJSONRPC {
					writeLoadFailure(cmd.OutOrStdout(), err)
				}
				return err
			}
			defer closeRuntime(rt)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMCPServe(ctx, s, rt, transport, interval, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&transport, "transport", transportJSONRPC, "Stdio protocol: jsonrpc (line-delimited invoke_tool methods) or mcp (standard MCP)")
	cmd.Flags().DurationVar(&interval, "heartbeat-interval", 60*time.Second, "Interval between hub heartbeats, 0 disables them")
	return cmd
}

// writeLoadFailure 加载失败时仍然向对端输出一条 JSON-RPC 错误
func writeLoadFailure(out io.Writer, err error) {
	resp := rpc.NewErrorResponse(nil, rpc.NewError(rpc.CodeInternalError,
		fmt.Sprintf("Critical server error during tool loading: %v", err), nil))
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		return
	}
	_, _ = out.Write(append(data, '\n'))
}

func runMCPServe(ctx context.Context, s *settings, rt *toolbox.Runtime, transport string, interval time.Duration, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if hubURL := s.hubURL(); hubURL != "" {
		all, _ := rt.Toolset("")
		inst := hubclient.Instance{
			MicroserviceID: s.microserviceID(),
			Executable:     executablePath(),
			ConfigPath:     rt.ConfigPath(),
		}
		if inst.MicroserviceID == "" {
			inst.MicroserviceID = hubclient.MicroserviceID(rt.ConfigPath())
		}
		client := hubclient.New(hubURL, hubclient.WithAPIKey("", s.hubAPIKey()))
		g.Go(func() error {
			registered := client.RegisterTools(gctx, inst, all)
			return client.RunHeartbeats(gctx, interval, inst.MicroserviceID, registered)
		})
	} else {
		logger.Info("hub url not set, skipping tool registration", "env", hubclient.HubURLEnv)
	}

	g.Go(func() error {
		// 输入流结束时停止心跳
		defer cancel()
		if transport == transportMCP {
			return manager.NewMCPServerManager(rt, Version).ServeIO(gctx, "", in, out)
		}
		registry := handlers.NewToolHandlerRegistry(rt)
		logger.Info("serving json-rpc over stdio", "tools", len(rt.Names()))
		return rpc.NewServer(registry, in, out).Serve(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("mcp server stream ended, shutting down")
	return err
}

func executablePath() string {
	exe, err := os.Executable()
	if err != nil {
		logger.Warn("failed to resolve executable path", "error", err)
		return os.Args[0]
	}
	return exe
}

func newServeCmd(s *settings) *cobra.Command {
	var (
		address         string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the toolbox HTTP API and the streamable MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.loadRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if err := metrics.Initialize("toolbox"); err != nil {
				logger.Warn("failed to initialize metrics", "error", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, address, server.NewServer(rt, Version), shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:5000", "Address the HTTP API listens on")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	return cmd
}
