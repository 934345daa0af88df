package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mark3labs/openapi-mcp-server/internal/auth"
	"github.com/mark3labs/openapi-mcp-server/internal/logging"
	"github.com/mark3labs/openapi-mcp-server/internal/registry"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
	"github.com/mark3labs/openapi-mcp-server/internal/tools"
)

var serveRunner = runServe

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API operations as MCP tools over stdio",
		Long: "Serve loads the API description, registers one MCP tool per operation and answers MCP requests on stdin/stdout.\n" +
			"Settings come from defaults, then the config file, then environment variables, then flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd, true)
			if err != nil {
				return err
			}
			return serveRunner(cmd.Context(), cfg)
		},
	}
	addServeFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *ServeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return newUsageError(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	s, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(zap.NewStdLog(logger))
	logger.Info("serving MCP over stdio",
		zap.String("name", cfg.ServerName),
		zap.String("version", cfg.ServerVersion))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// buildServer wires credentials, the operation registry and the tool
// adapter into an MCP server.
func buildServer(ctx context.Context, cfg *ServeConfig, logger *zap.Logger) (*server.MCPServer, error) {
	manager, err := auth.NewManager(auth.ConfigFromSettings(cfg.authSettings(), logger), auth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	logger.Info("auth configured", zap.String("type", string(manager.Config().Type())))

	entries, err := loadEntries(ctx, cfg, manager, logger)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer(cfg.ServerName, cfg.ServerVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery())
	if err := tools.Register(s, entries, logger); err != nil {
		return nil, err
	}
	return s, nil
}

func loadEntries(ctx context.Context, cfg *ServeConfig, manager *auth.Manager, logger *zap.Logger) ([]registry.Entry, error) {
	extra, err := auth.ParseHeaders(cfg.Headers)
	if err != nil {
		logger.Warn("ignoring malformed API headers", zap.Error(err))
		extra = map[string]string{}
	}
	entries, err := registry.Load(ctx, registry.Options{
		SpecSource:   cfg.SpecPath,
		BaseURL:      cfg.BaseURL,
		ExtraHeaders: extra,
		Auth:         manager,
		Timeout:      cfg.Timeout,
		RateLimit:    cfg.RateLimit,
		Filters:      cfg.buildOptions(),
		Logger:       logger,
	})
	if err != nil {
		return nil, specUsageError(err)
	}
	return entries, nil
}

// specUsageError turns document loading failures into usage errors that
// point at the offending location.
func specUsageError(err error) error {
	var se *spec.SpecError
	if !errors.As(err, &se) {
		return err
	}
	msg := fmt.Sprintf("spec: %s", se.Message)
	if se.Location != "" {
		msg = fmt.Sprintf("%s\nLocation: %s", msg, se.Location)
	}
	if se.JSONPointer != "" {
		msg = fmt.Sprintf("%s\nPointer: %s", msg, se.JSONPointer)
	}
	return newUsageError(msg)
}
