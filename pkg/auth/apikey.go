package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKey represents an API key entry. Exactly one of Key or KeyHash is set;
// KeyHash is a bcrypt hash of the key.
type APIKey struct {
	Key     string        `yaml:"key"`
	KeyHash string        `yaml:"key_hash"`
	Name    string        `yaml:"name"`
	UserID  string        `yaml:"user_id"`
	Tier    training.Tier `yaml:"tier"`
}

func (k APIKey) userID() string {
	if k.UserID != "" {
		return k.UserID
	}
	return "apikey:" + k.Name
}

// APIKeyAuthenticator authenticates using API keys.
type APIKeyAuthenticator struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey
	hashed []*APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{keys: make(map[string]*APIKey)}
	for _, k := range cfg.Keys {
		a.AddKey(k)
	}
	return a
}

// Authenticate validates the API key and returns user info.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*middleware.UserInfo, error) {
	token := strings.TrimPrefix(GetToken(ctx), "Bearer ")
	if token == "" {
		return nil, fmt.Errorf("no API key found in context")
	}

	matched := a.match(token)
	if matched == nil {
		return nil, fmt.Errorf("invalid API key")
	}

	tier := matched.Tier
	if tier == "" {
		tier = training.TierTrial
	}
	return &middleware.UserInfo{
		UserID:   matched.userID(),
		Tier:     tier,
		Claims:   map[string]any{"key_name": matched.Name},
		AuthType: "apikey",
	}, nil
}

func (a *APIKeyAuthenticator) match(token string) *APIKey {
	a.mu.RLock()
	defer a.mu.RUnlock()

	// Plain keys use constant-time comparison
	for k, v := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			return v
		}
	}
	for _, v := range a.hashed {
		if bcrypt.CompareHashAndPassword([]byte(v.KeyHash), []byte(token)) == nil {
			return v
		}
	}
	return nil
}

// AddKey adds an API key at runtime.
func (a *APIKeyAuthenticator) AddKey(key APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key.KeyHash != "" {
		a.hashed = append(a.hashed, &key)
		return
	}
	a.keys[key.Key] = &key
}

// RemoveKey removes a plain API key.
func (a *APIKeyAuthenticator) RemoveKey(keyValue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, keyValue)
}

// HashKey returns a bcrypt hash suitable for APIKey.KeyHash.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(h), nil
}

// Verify interface compliance.
var _ middleware.Authenticator = (*APIKeyAuthenticator)(nil)
