package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the openapi-mcp-server CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the root command so tests can exercise the CLI easily.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "openapi-mcp-server",
		Short:         "Expose an OpenAPI/Swagger API as MCP tools",
		Long:          "openapi-mcp-server loads an OpenAPI or Swagger document and serves every operation as an MCP tool over stdio, forwarding calls to the upstream API with the configured credentials.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	// Convert Cobra flag errors (like unknown flags) into friendly usage errors
	// that also show the command's help text.
	cmd.SetFlagErrorFunc(flagError)

	cmd.PersistentFlags().StringP("config", "c", "", "Config file path (YAML or JSON)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	for _, sub := range []*cobra.Command{newServeCmd(), newToolsCmd(), newInitCmd()} {
		sub.SetFlagErrorFunc(flagError)
		cmd.AddCommand(sub)
	}
	return cmd
}

func flagError(c *cobra.Command, err error) error {
	return newUsageError(fmt.Sprintf("%v\n\n%s", err, c.UsageString()))
}
