package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/tools"

	"github.com/spf13/cobra"
)

func newListToolsCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list-tools",
		Short: "List the configured tools with their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.loadRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			out := cmd.OutOrStdout()
			names := rt.Names()
			if len(names) == 0 {
				fmt.Fprintln(out, "No tools configured or loaded. Check your configuration file and ensure it's correctly specified.")
				return nil
			}

			fmt.Fprintln(out, "Available tools:")
			for _, name := range names {
				tool, _ := rt.Tool(name)
				manifest := tool.Manifest()
				fmt.Fprintf(out, "- %s: %s\n", name, manifest.Description)
				if len(manifest.Parameters) > 0 {
					fmt.Fprintln(out, "  Parameters:")
					for _, p := range manifest.Parameters {
						fmt.Fprintf(out, "    - %s (%s, required: %t): %s\n", p.Name, p.Type, p.Required, p.Description)
					}
				}
				if len(manifest.AuthRequired) > 0 {
					fmt.Fprintf(out, "  Requires authorization: %s\n", strings.Join(manifest.AuthRequired, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newInvokeToolCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke-tool <tool-name> [params-json]",
		Short: "Invoke a tool once with parameters given as a JSON object",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			raw := "{}"
			if len(args) == 2 {
				raw = args[1]
			}

			params, err := tools.DecodeParams(strings.NewReader(raw))
			if err != nil {
				return fmt.Errorf("invalid JSON provided for tool parameters: %w", err)
			}
			if params == nil {
				return errors.New("tool parameters must be a JSON object")
			}

			rt, err := s.loadRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			tool, ok := rt.Tool(name)
			if !ok {
				available := strings.Join(rt.Names(), ", ")
				if available == "" {
					available = "None"
				}
				return fmt.Errorf("tool %q not found or not configured, available tools are: %s", name, available)
			}

			// 本地执行时把工具自身的认证要求视为已验证
			required := tool.AuthRequired()
			if len(required) > 0 {
				logger.Warn("tool requires authorization, treating its own requirements as verified for local execution", "tool", name, "required", required)
			}
			if !tool.IsAuthorized(required) {
				return fmt.Errorf("%w: tool %q", tools.ErrNotAuthorized, name)
			}

			logger.Info("invoking tool", "tool", name, "params", params)
			result, err := tool.Invoke(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("tool %q failed (%s): %w", name, tools.ErrorType(err), err)
			}

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
