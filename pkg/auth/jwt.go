package auth

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Issuer is the expected issuer claim in the JWT.
	Issuer string

	// SigningKey is the HMAC key used to verify JWT signatures.
	SigningKey []byte

	// TierClaimPath is the path to the tier claim. Default: "tier".
	TierClaimPath string

	// DefaultTier applies to tokens without a tier claim. Default: trial.
	DefaultTier training.Tier
}

// JWTAuthenticator validates HS256 bearer tokens carrying a user ID and tier.
type JWTAuthenticator struct {
	cfg       JWTConfig
	extractor *ClaimsExtractor
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt signing key is required")
	}

	extractor := DefaultClaimsExtractor()
	if cfg.TierClaimPath != "" {
		extractor.TierClaimPath = cfg.TierClaimPath
	}
	if cfg.DefaultTier != "" {
		extractor.DefaultTier = cfg.DefaultTier
	}

	return &JWTAuthenticator{cfg: cfg, extractor: extractor}, nil
}

// Authenticate validates the JWT token and returns user info.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*middleware.UserInfo, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, fmt.Errorf("no token found in context")
	}

	claims, err := a.parseAndValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	p, err := a.extractor.Extract(claims)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return &middleware.UserInfo{
		UserID:   p.UserID,
		Tier:     p.Tier,
		Claims:   claims,
		AuthType: "jwt",
	}, nil
}

// Issue signs a token for principal valid for ttl. Used by the token
// subcommand to hand out trainee credentials.
func (a *JWTAuthenticator) Issue(p training.Principal, ttl time.Duration) (string, error) {
	if p.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if !p.Tier.Valid() {
		return "", fmt.Errorf("unknown tier %q", p.Tier)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.cfg.Issuer,
		"sub": p.UserID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	setValue(claims, a.extractor.TierClaimPath, string(p.Tier))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// parseAndValidateToken parses and validates the JWT.
func (a *JWTAuthenticator) parseAndValidateToken(tokenString string) (map[string]any, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	iss, ok := claims["iss"].(string)
	if !ok || iss != a.cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: got %q, want %q", iss, a.cfg.Issuer)
	}

	claimsMap := make(map[string]any, len(claims))
	maps.Copy(claimsMap, claims)

	return claimsMap, nil
}

// Verify interface compliance.
var _ middleware.Authenticator = (*JWTAuthenticator)(nil)
