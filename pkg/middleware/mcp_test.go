package middleware

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// mcpTestAuthenticator implements Authenticator for MCP middleware testing.
type mcpTestAuthenticator struct {
	userInfo *UserInfo
	err      error
}

func (m *mcpTestAuthenticator) Authenticate(_ context.Context) (*UserInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.userInfo, nil
}

// mcpTestRequest wraps ServerRequest for testing
type mcpTestRequest struct {
	mcp.ServerRequest[*mcp.CallToolParamsRaw]
}

func newMCPTestRequest(toolName string) *mcpTestRequest {
	return &mcpTestRequest{
		ServerRequest: mcp.ServerRequest[*mcp.CallToolParamsRaw]{
			Params: &mcp.CallToolParamsRaw{
				Name: toolName,
			},
		},
	}
}

func assertErrorResult(t *testing.T, result mcp.Result) {
	t.Helper()
	toolResult, ok := result.(*mcp.CallToolResult)
	if !ok {
		t.Fatalf("expected CallToolResult, got %T", result)
	}
	if !toolResult.IsError {
		t.Error("expected IsError to be true")
	}
}

func TestMCPToolCallMiddleware_AuthenticationFailure(t *testing.T) {
	authenticator := &mcpTestAuthenticator{err: context.DeadlineExceeded}

	next := func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		t.Fatal("next should not be called on auth failure")
		return nil, nil
	}

	handler := MCPToolCallMiddleware(authenticator, "http")(next)
	result, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("start_call"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertErrorResult(t, result)
}

func TestMCPToolCallMiddleware_NoIdentity(t *testing.T) {
	authenticator := &mcpTestAuthenticator{userInfo: &UserInfo{}}

	next := func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		t.Fatal("next should not be called without a user id")
		return nil, nil
	}

	handler := MCPToolCallMiddleware(authenticator, "http")(next)
	result, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("start_call"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertErrorResult(t, result)
}

func TestMCPToolCallMiddleware_UnknownTier(t *testing.T) {
	authenticator := &mcpTestAuthenticator{userInfo: &UserInfo{UserID: "u", Tier: "platinum"}}

	next := func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		t.Fatal("next should not be called with an unknown tier")
		return nil, nil
	}

	handler := MCPToolCallMiddleware(authenticator, "http")(next)
	result, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("start_call"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertErrorResult(t, result)
}

func TestMCPToolCallMiddleware_Success(t *testing.T) {
	authenticator := &mcpTestAuthenticator{
		userInfo: &UserInfo{UserID: "user123", Tier: training.TierLimited, AuthType: "jwt"},
	}

	var got *PlatformContext
	next := func(ctx context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		got = GetPlatformContext(ctx)
		return NewToolResultText("ok"), nil
	}

	handler := MCPToolCallMiddleware(authenticator, "stdio")(next)
	result, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("say"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(*mcp.CallToolResult).IsError {
		t.Error("expected success result")
	}
	if got == nil {
		t.Fatal("platform context not set")
	}
	if got.UserID != "user123" || got.Tier != training.TierLimited {
		t.Errorf("principal = %s/%s", got.UserID, got.Tier)
	}
	if got.ToolName != "say" {
		t.Errorf("ToolName = %q, want say", got.ToolName)
	}
	if got.Transport != "stdio" {
		t.Errorf("Transport = %q, want stdio", got.Transport)
	}
	if got.RequestID == "" {
		t.Error("RequestID should be set")
	}
}

func TestMCPToolCallMiddleware_DefaultsTier(t *testing.T) {
	authenticator := &mcpTestAuthenticator{userInfo: &UserInfo{UserID: "u"}}

	var tier training.Tier
	next := func(ctx context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		p, _ := PrincipalFromContext(ctx)
		tier = p.Tier
		return NewToolResultText("ok"), nil
	}

	handler := MCPToolCallMiddleware(authenticator, "http")(next)
	if _, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("say")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != training.TierTrial {
		t.Errorf("tier = %q, want trial", tier)
	}
}

func TestMCPToolCallMiddleware_NonToolsCall(t *testing.T) {
	authenticator := &mcpTestAuthenticator{err: context.Canceled}

	called := false
	next := func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		called = true
		return nil, nil
	}

	handler := MCPToolCallMiddleware(authenticator, "http")(next)
	if _, err := handler(context.Background(), "tools/list", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected next to be called for non tools/call methods")
	}
}

func TestExtractToolName(t *testing.T) {
	tests := []struct {
		name    string
		req     mcp.Request
		want    string
		wantErr bool
	}{
		{name: "valid", req: newMCPTestRequest("hang_up"), want: "hang_up"},
		{name: "empty name", req: newMCPTestRequest(""), wantErr: true},
		{name: "nil request", req: nil, wantErr: true},
		{
			name:    "nil params",
			req:     &mcpTestRequest{ServerRequest: mcp.ServerRequest[*mcp.CallToolParamsRaw]{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractToolName(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("extractToolName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("extractToolName() = %q, want %q", got, tt.want)
			}
		})
	}
}
