package auth

import (
	"fmt"
	"strings"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// ClaimsExtractor extracts a trainee identity from JWT claims.
type ClaimsExtractor struct {
	// SubjectClaimPath is the dot-separated path to the user ID.
	SubjectClaimPath string

	// TierClaimPath is the dot-separated path to the subscription tier,
	// e.g. "tier" or "app_metadata.tier".
	TierClaimPath string

	// DefaultTier applies when the tier claim is absent.
	DefaultTier training.Tier
}

// DefaultClaimsExtractor returns an extractor with common defaults.
func DefaultClaimsExtractor() *ClaimsExtractor {
	return &ClaimsExtractor{
		SubjectClaimPath: "sub",
		TierClaimPath:    "tier",
		DefaultTier:      training.TierTrial,
	}
}

// Extract returns the principal carried by claims. A present but unknown
// tier is an error rather than a silent downgrade.
func (e *ClaimsExtractor) Extract(claims map[string]any) (training.Principal, error) {
	p := training.Principal{
		UserID: getStringValue(claims, e.SubjectClaimPath),
		Tier:   training.Tier(getStringValue(claims, e.TierClaimPath)),
	}
	if p.UserID == "" {
		return p, fmt.Errorf("missing %s claim", e.SubjectClaimPath)
	}
	if p.Tier == "" {
		p.Tier = e.DefaultTier
	}
	if !p.Tier.Valid() {
		return p, fmt.Errorf("unknown tier %q", p.Tier)
	}
	return p, nil
}

// getStringValue gets a string value at a dot-separated path.
func getStringValue(claims map[string]any, path string) string {
	if s, ok := getValue(claims, path).(string); ok {
		return s
	}
	return ""
}

// getValue gets a value at a dot-separated path.
func getValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}

	var current any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// setValue sets value at a dot-separated path, creating nested maps.
func setValue(claims map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := claims
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// ValidateClaims validates required claims are present.
func ValidateClaims(claims map[string]any, required []string) error {
	for _, key := range required {
		if _, ok := claims[key]; !ok {
			return fmt.Errorf("missing required claim: %s", key)
		}
	}
	return nil
}
