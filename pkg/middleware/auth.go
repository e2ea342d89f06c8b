package middleware

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Authenticator validates authentication credentials.
type Authenticator interface {
	// Authenticate validates credentials and returns user info.
	Authenticate(ctx context.Context) (*UserInfo, error)
}

// UserInfo holds authenticated user information.
type UserInfo struct {
	UserID   string
	Tier     training.Tier
	Claims   map[string]any
	AuthType string // "jwt", "apikey", "noop"
}

// NewToolResultError creates an error result using the SDK's SetError method.
// The underlying error is retrievable via CallToolResult.GetError().
func NewToolResultError(errMsg string) *mcp.CallToolResult {
	result := &mcp.CallToolResult{}
	result.SetError(errors.New(errMsg))
	return result
}

// NewToolResultText creates a text result.
func NewToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// NoopAuthenticator always succeeds authentication. Used for stdio and
// local development where a single trainee drives the server.
type NoopAuthenticator struct {
	DefaultUserID string
	DefaultTier   training.Tier
}

// Authenticate always returns a default user.
func (n *NoopAuthenticator) Authenticate(_ context.Context) (*UserInfo, error) {
	userID := n.DefaultUserID
	if userID == "" {
		userID = "anonymous"
	}
	tier := n.DefaultTier
	if tier == "" {
		tier = training.TierTrial
	}
	return &UserInfo{
		UserID:   userID,
		Tier:     tier,
		Claims:   make(map[string]any),
		AuthType: "noop",
	}, nil
}
