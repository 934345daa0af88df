// Package tools exposes registry entries as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mark3labs/openapi-mcp-server/internal/httpclient"
	"github.com/mark3labs/openapi-mcp-server/internal/params"
	"github.com/mark3labs/openapi-mcp-server/internal/registry"
)

// Registrar accepts tool registrations; *server.MCPServer satisfies it.
type Registrar interface {
	AddTool(tool mcp.Tool, handler server.ToolHandlerFunc)
}

// Info describes one tool without registering it.
type Info struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"inputSchema" yaml:"inputSchema"`
}

// Describe lists the tools entries would register, in order.
func Describe(entries []registry.Entry) []Info {
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{Name: e.OperationID, Description: e.Description, InputSchema: e.Input.JSONSchema()})
	}
	return out
}

// Register adds one tool per entry.
func Register(r Registrar, entries []registry.Entry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, e := range entries {
		raw, err := json.Marshal(e.Input.JSONSchema())
		if err != nil {
			return fmt.Errorf("tool %s: marshal input schema: %w", e.OperationID, err)
		}
		r.AddTool(mcp.NewToolWithRawSchema(e.OperationID, e.Description, raw), Handler(e, logger))
		logger.Debug("tool registered", zap.String("tool", e.OperationID))
	}
	return nil
}

// Handler returns the MCP handler for e. It never returns a Go error: bad
// arguments yield an error result and every upstream outcome is rendered as
// content. The upstream call is not cancelled with the MCP request.
func Handler(e registry.Entry, logger *zap.Logger) server.ToolHandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		log := logger.With(zap.String("tool", e.OperationID), zap.String("call_id", uuid.NewString()))

		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		parsed, err := e.Input.Parse(args)
		if err != nil {
			log.Info("rejected tool arguments", zap.Error(err))
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		call := params.ToCall(parsed.(map[string]any), e.Parameters)

		start := time.Now()
		log.Debug("tool call started")
		resp, err := e.Invoke(context.WithoutCancel(ctx), call)

		var res Result
		if err != nil {
			res = Failure(err)
			var se *httpclient.StatusError
			if !errors.As(err, &se) {
				log.Warn("tool call error", zap.Error(err))
			}
		} else {
			res = Success(resp)
		}
		log.Info("tool call finished",
			zap.Int("status", res.Call.StatusCode),
			zap.Bool("failed", res.Failed),
			zap.Duration("duration", time.Since(start)))
		return res.ToolResult(), nil
	}
}
