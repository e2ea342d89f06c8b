package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const methodToolsCall = "tools/call"

// MCPToolCallMiddleware creates MCP protocol-level middleware that intercepts
// tools/call requests and identifies the trainee making them.
//
// For tools/call requests it extracts the tool name, attaches a
// PlatformContext, and authenticates the caller. Requests whose identity
// cannot be established, or whose tier is unknown, never reach the tool
// handler. Whether the trainee may start a given call is decided later by
// the access engine, not here.
func MCPToolCallMiddleware(authenticator Authenticator, transport string) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodToolsCall {
				return next(ctx, method, req)
			}

			toolName, err := extractToolName(req)
			if err != nil {
				return createErrorResult(fmt.Sprintf("invalid request: %v", err)), nil
			}

			pc := NewPlatformContext(uuid.NewString())
			pc.ToolName = toolName
			pc.Transport = transport
			ctx = WithPlatformContext(ctx, pc)

			userInfo, err := authenticator.Authenticate(ctx)
			if err != nil {
				return createErrorResult("authentication failed: " + err.Error()), nil
			}
			if userInfo == nil || userInfo.UserID == "" {
				return createErrorResult("authentication failed: no user identity"), nil
			}

			tier := userInfo.Tier
			if tier == "" {
				tier = training.TierTrial
			}
			if !tier.Valid() {
				return createErrorResult(fmt.Sprintf("authentication failed: unknown tier %q", tier)), nil
			}

			pc.UserID = userInfo.UserID
			pc.Tier = tier
			pc.AuthType = userInfo.AuthType
			if userInfo.Claims != nil {
				pc.Claims = userInfo.Claims
			}

			return next(ctx, method, req)
		}
	}
}

// extractToolName extracts the tool name from a tools/call request.
func extractToolName(req mcp.Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("missing params")
	}
	params := req.GetParams()
	if params == nil {
		return "", fmt.Errorf("missing params")
	}

	callParams, ok := params.(*mcp.CallToolParamsRaw)
	if !ok {
		return "", fmt.Errorf("unexpected params type: %T", params)
	}

	// A typed nil pointer survives the assertion above.
	if callParams == nil {
		return "", fmt.Errorf("missing params")
	}

	if callParams.Name == "" {
		return "", fmt.Errorf("missing tool name")
	}

	return callParams.Name, nil
}

// createErrorResult creates an MCP error result for a rejected request.
func createErrorResult(errMsg string) mcp.Result {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: errMsg},
		},
	}
}
