// Package auth provides authentication support for the trainer.
package auth

import (
	"context"

	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
)

// WithToken adds a token to the context.
// Delegates to middleware.WithToken so that both packages share the same context key.
func WithToken(ctx context.Context, token string) context.Context {
	return middleware.WithToken(ctx, token)
}

// GetToken retrieves a token from the context.
// Delegates to middleware.GetToken so that both packages share the same context key.
func GetToken(ctx context.Context) string {
	return middleware.GetToken(ctx)
}
