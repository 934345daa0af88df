package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/openapi-mcp-server/internal/logging"
	"github.com/mark3labs/openapi-mcp-server/internal/tools"
)

// placeholderBaseURL satisfies the HTTP client when tools are only listed.
const placeholderBaseURL = "http://localhost"

var toolsRunner = runTools

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the MCP tools the API description produces",
		Long:  "Tools loads the API description with the same filters as serve and prints each tool's name, description and input schema without contacting the upstream API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			format = strings.ToLower(strings.TrimSpace(format))
			if format != "json" && format != "yaml" {
				return newUsageError(fmt.Sprintf("unknown output format %q (allowed: json, yaml)", format))
			}
			cfg, err := resolveServeConfig(cmd, false)
			if err != nil {
				return err
			}
			return toolsRunner(cmd.Context(), cfg, format, cmd.OutOrStdout())
		},
	}
	addServeFlags(cmd.Flags())
	cmd.Flags().String("format", "json", "Output format: json|yaml")
	return cmd
}

func runTools(ctx context.Context, cfg *ServeConfig, format string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return newUsageError(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	listCfg := *cfg
	if listCfg.BaseURL == "" {
		listCfg.BaseURL = placeholderBaseURL
	}
	entries, err := loadEntries(ctx, &listCfg, nil, logger)
	if err != nil {
		return err
	}
	logger.Debug("listing tools", zap.Int("count", len(entries)))

	infos := tools.Describe(entries)
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(infos); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
