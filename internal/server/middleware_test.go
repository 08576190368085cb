// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// =============================================================================
// AUTH
// =============================================================================

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware(NewAuthConfig("secret"), zaptest.NewLogger(t))(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/v1/chats", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/chats", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "/v1/chats", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/v1/chats", "Bearer secret", http.StatusOK},
		{"query token", "/v1/ws?access_token=secret", "", http.StatusOK},
		{"public path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := AuthMiddleware(NewAuthConfig(""), nil)(okHandler)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chats", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", w.Code)
	}
}

func TestAuthIPAllowlist(t *testing.T) {
	cfg := NewAuthConfig("secret")
	cfg.AllowedIPs = []string{"203.0.113.0/24", "198.51.100.7", "not-an-ip"}
	h := AuthMiddleware(cfg, zaptest.NewLogger(t))(okHandler)

	tests := []struct {
		remote string
		want   int
	}{
		{"203.0.113.9:5000", http.StatusOK},
		{"198.51.100.7:5000", http.StatusOK},
		{"198.51.100.8:5000", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
		r.RemoteAddr = tt.remote
		r.Header.Set("Authorization", "Bearer secret")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, w.Code, tt.want)
		}
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		token, expected string
		want            bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"", "abc", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := ValidateBearerToken(tt.token, tt.expected); got != tt.want {
			t.Errorf("ValidateBearerToken(%q, %q) = %v, want %v", tt.token, tt.expected, got, tt.want)
		}
	}
}

// =============================================================================
// CORS
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware(NewCORSConfig([]string{"https://app.example.com", "*.corp.example"}))(okHandler)

	tests := []struct {
		name   string
		method string
		origin string
		allow  string
		want   int
	}{
		{"allowed origin", http.MethodGet, "https://app.example.com", "https://app.example.com", http.StatusOK},
		{"subdomain", http.MethodGet, "https://crm.corp.example", "https://crm.corp.example", http.StatusOK},
		{"foreign origin", http.MethodGet, "https://evil.test", "", http.StatusOK},
		{"preflight", http.MethodOptions, "https://app.example.com", "https://app.example.com", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/v1/chats", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.allow)
			}
		})
	}
}

func TestCORSWildcard(t *testing.T) {
	h := CORSMiddleware(NewCORSConfig([]string{"*"}))(okHandler)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://anything.test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Errorf("methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another IP has its own bucket")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter(1, 1), nil)(okHandler)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chats", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

// =============================================================================
// RECOVERY, HEADERS, CHAIN
// =============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value leaked to the client")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware()(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(mw("a"), mw("b"), mw("c"))(okHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, "") != "abc" {
		t.Errorf("order = %v, want [a b c]", order)
	}
}

// =============================================================================
// CLIENT IP
// =============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted forwarder", "203.0.113.5:1234", "1.2.3.4", "", "203.0.113.5"},
		{"trusted proxy xff", "127.0.0.1:1234", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"trusted proxy real ip", "10.1.2.3:1234", "", "5.6.7.8", "5.6.7.8"},
		{"invalid forwarded value", "192.168.1.1:1234", "<script>", "", "192.168.1.1"},
		{"ipv6", "[::1]:1234", "", "", "::1"},
		{"no port", "203.0.113.5", "", "", "203.0.113.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
