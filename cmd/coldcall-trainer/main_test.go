package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/mcp-coldcall-trainer/pkg/auth"
	"github.com/txn2/mcp-coldcall-trainer/pkg/health"
	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/platform"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

func TestCorsMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(inner)

	t.Run("sets CORS headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Allow-Origin = %q, want %q", got, "https://example.com")
		}

		methods := w.Header().Get("Access-Control-Allow-Methods")
		for _, m := range []string{"GET", "POST", "DELETE", "OPTIONS"} {
			if !strings.Contains(methods, m) {
				t.Errorf("Allow-Methods missing %q: %s", m, methods)
			}
		}

		allowHeaders := w.Header().Get("Access-Control-Allow-Headers")
		for _, h := range []string{"Mcp-Session-Id", "Mcp-Protocol-Version", "X-API-Key", "Last-Event-ID"} {
			if !strings.Contains(allowHeaders, h) {
				t.Errorf("Allow-Headers missing %q: %s", h, allowHeaders)
			}
		}

		exposeHeaders := w.Header().Get("Access-Control-Expose-Headers")
		if !strings.Contains(exposeHeaders, "Mcp-Session-Id") {
			t.Errorf("Expose-Headers missing Mcp-Session-Id: %s", exposeHeaders)
		}

		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Allow-Credentials = %q, want %q", got, "true")
		}
	})

	t.Run("handles OPTIONS preflight", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/mcp", nil)
		req.Header.Set("Origin", "https://example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("OPTIONS status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("defaults origin to wildcard", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Allow-Origin = %q, want %q", got, "*")
		}
	})
}

func TestStartServer_UnknownTransport(t *testing.T) {
	err := startServer(context.Background(), nil, nil, serverOptions{transport: "websocket"})
	if err == nil {
		t.Fatal("expected error for unknown transport")
	}
	if !strings.Contains(err.Error(), "unknown transport") {
		t.Errorf("error = %q, want 'unknown transport'", err.Error())
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "c.yaml", "-transport", "http", "-address", ":9000", "-version"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	want := serverOptions{configPath: "c.yaml", transport: "http", address: ":9000", showVersion: true}
	if opts != want {
		t.Errorf("parseFlags() = %+v, want %+v", opts, want)
	}

	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := &platform.Config{}
	cfg.Server.Transport = platform.TransportStdio
	cfg.Server.Address = ":8080"

	applyFlagOverrides(cfg, serverOptions{})
	if cfg.Server.Transport != platform.TransportStdio || cfg.Server.Address != ":8080" {
		t.Errorf("empty flags changed config: %+v", cfg.Server)
	}

	applyFlagOverrides(cfg, serverOptions{transport: "http", address: ":9000"})
	if cfg.Server.Transport != "http" || cfg.Server.Address != ":9000" {
		t.Errorf("flags not applied: %+v", cfg.Server)
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "coldcall-trainer version") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunToken(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
auth:
  jwt:
    enabled: true
    issuer: test-issuer
    signing_key: test-secret
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var out bytes.Buffer
	err := run([]string{"token", "-config", configPath, "-user", "trainee-7", "-tier", "limited"}, &out)
	if err != nil {
		t.Fatalf("run(token) error = %v", err)
	}

	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		Issuer:     "test-issuer",
		SigningKey: []byte("test-secret"),
	})
	if err != nil {
		t.Fatalf("NewJWTAuthenticator() error = %v", err)
	}
	ctx := middleware.WithToken(context.Background(), strings.TrimSpace(out.String()))
	info, err := jwtAuth.Authenticate(ctx)
	if err != nil {
		t.Fatalf("issued token does not authenticate: %v", err)
	}
	if info.UserID != "trainee-7" || info.Tier != training.TierLimited {
		t.Errorf("UserInfo = %+v", info)
	}
}

func TestRunToken_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing user", []string{"token"}, "-user"},
		{"bad tier", []string{"token", "-user", "u", "-tier", "gold"}, "unknown tier"},
		{"no signing key", []string{"token", "-user", "u"}, "signing_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COLDCALL_JWT_SIGNING_KEY", "")
			err := run(tt.args, &bytes.Buffer{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRunHashKey(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"hash-key", "s3cret"}, &out); err != nil {
		t.Fatalf("run(hash-key) error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not match key: %v", err)
	}

	if err := run([]string{"hash-key"}, &bytes.Buffer{}); err == nil {
		t.Error("expected usage error without a key")
	}
}

func TestNewHTTPHandler_HealthRoutes(t *testing.T) {
	checker := health.NewChecker()
	handler := newHTTPHandler(nil, checker, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s status = %d, want %d", tt.path, w.Code, tt.want)
		}
	}

	checker.SetReady()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("/readyz after SetReady status = %d, want %d", w.Code, http.StatusOK)
	}
}
