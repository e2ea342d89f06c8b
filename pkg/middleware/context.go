// Package middleware provides the MCP protocol middleware that identifies
// trainees and records per-call request context.
package middleware

import (
	"context"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	platformContextKey contextKey = iota
	tokenContextKey
)

// PlatformContext holds request-scoped context for a tool call.
type PlatformContext struct {
	// Request identification
	RequestID string
	StartTime time.Time

	// User information
	UserID   string
	Tier     training.Tier
	AuthType string
	Claims   map[string]any

	ToolName  string
	Transport string // "stdio" or "http"

	// Results (populated after handler)
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}

// NewPlatformContext creates a new platform context.
func NewPlatformContext(requestID string) *PlatformContext {
	return &PlatformContext{
		RequestID: requestID,
		StartTime: time.Now(),
		Claims:    make(map[string]any),
	}
}

// Principal returns the authenticated trainee for the request.
func (pc *PlatformContext) Principal() training.Principal {
	return training.Principal{UserID: pc.UserID, Tier: pc.Tier}
}

// WithPlatformContext adds platform context to the context.
func WithPlatformContext(ctx context.Context, pc *PlatformContext) context.Context {
	return context.WithValue(ctx, platformContextKey, pc)
}

// GetPlatformContext retrieves platform context from the context.
func GetPlatformContext(ctx context.Context) *PlatformContext {
	if pc, ok := ctx.Value(platformContextKey).(*PlatformContext); ok {
		return pc
	}
	return nil
}

// PrincipalFromContext returns the trainee attached by MCPToolCallMiddleware.
func PrincipalFromContext(ctx context.Context) (training.Principal, bool) {
	pc := GetPlatformContext(ctx)
	if pc == nil || pc.UserID == "" {
		return training.Principal{}, false
	}
	return pc.Principal(), true
}

// WithToken adds an authentication token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves an authentication token from the context.
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}
