package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// LoggingConfig configures tool call logging.
type LoggingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MCPLoggingMiddleware logs each tools/call request after it completes and
// fills in the result fields of the PlatformContext.
//
// It must sit inside MCPToolCallMiddleware so the platform context exists.
func MCPLoggingMiddleware(cfg LoggingConfig, logger *slog.Logger) mcp.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		if !cfg.Enabled {
			return next
		}

		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodToolsCall {
				return next(ctx, method, req)
			}

			start := time.Now()
			result, err := next(ctx, method, req)

			pc := GetPlatformContext(ctx)
			if pc == nil {
				return result, err
			}
			recordResult(pc, result, err, time.Since(start))
			logToolCall(ctx, logger, pc)

			return result, err
		}
	}
}

// recordResult copies the handler outcome onto the platform context.
func recordResult(pc *PlatformContext, result mcp.Result, err error, d time.Duration) {
	pc.Duration = d
	pc.Success = err == nil
	if err != nil {
		pc.ErrorMessage = err.Error()
		return
	}
	if tr, ok := result.(*mcp.CallToolResult); ok && tr != nil && tr.IsError {
		pc.Success = false
		pc.ErrorMessage = firstText(tr)
	}
}

func logToolCall(ctx context.Context, logger *slog.Logger, pc *PlatformContext) {
	attrs := []any{
		"request_id", pc.RequestID,
		"tool", pc.ToolName,
		"user_id", pc.UserID,
		"tier", string(pc.Tier),
		"transport", pc.Transport,
		"duration_ms", pc.Duration.Milliseconds(),
	}
	if !pc.Success {
		logger.WarnContext(ctx, "tool call failed", append(attrs, "error", pc.ErrorMessage)...)
		return
	}
	logger.InfoContext(ctx, "tool call", attrs...)
}

func firstText(r *mcp.CallToolResult) string {
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
