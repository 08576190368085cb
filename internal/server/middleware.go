// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/bizcopilot/internal/logging"
)

// ============================================================================
// Auth Configuration and Middleware
// ============================================================================

// AuthConfig contains authentication configuration options.
type AuthConfig struct {
	// Enabled indicates whether authentication is required.
	Enabled bool

	// BearerToken is the expected bearer token.
	// If empty and Enabled is true, all requests will be rejected.
	BearerToken string

	// AllowedIPs is a list of IP addresses or CIDR ranges that are allowed access.
	// If empty, all IPs are allowed (subject to token authentication).
	AllowedIPs []string

	// Public lists paths served without a token.
	Public []string

	parsedCIDRs []*net.IPNet
	parsedOnce  sync.Once
}

// DefaultAuthConfig returns a default AuthConfig with authentication disabled.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Public: []string{"/health"},
	}
}

// NewAuthConfig enables bearer auth when token is set.
func NewAuthConfig(token string) *AuthConfig {
	c := DefaultAuthConfig()
	c.Enabled = token != ""
	c.BearerToken = token
	return c
}

func (c *AuthConfig) parseCIDRs(logger *zap.Logger) {
	c.parsedOnce.Do(func() {
		c.parsedCIDRs = make([]*net.IPNet, 0, len(c.AllowedIPs))
		for _, ipStr := range c.AllowedIPs {
			if strings.Contains(ipStr, "/") {
				_, ipNet, err := net.ParseCIDR(ipStr)
				if err != nil {
					logger.Warn("invalid CIDR in allowlist", zap.String("cidr", ipStr))
					continue
				}
				c.parsedCIDRs = append(c.parsedCIDRs, ipNet)
				continue
			}
			ip := net.ParseIP(ipStr)
			if ip == nil {
				logger.Warn("invalid IP in allowlist", zap.String("ip", ipStr))
				continue
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			c.parsedCIDRs = append(c.parsedCIDRs, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	})
}

func (c *AuthConfig) isIPAllowed(ipStr string, logger *zap.Logger) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	c.parseCIDRs(logger)

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range c.parsedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *AuthConfig) isPublic(path string) bool {
	for _, p := range c.Public {
		if p == path {
			return true
		}
	}
	return false
}

// AuthMiddleware returns HTTP middleware that authenticates requests.
//
// Checks run in order: the IP allowlist, then the bearer token. WebSocket
// clients that cannot set headers may pass the token as access_token.
func AuthMiddleware(config *AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled || config.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			if !config.isIPAllowed(clientIP, logger) {
				logger.Warn("auth denied", zap.String("ip", clientIP), zap.String("reason", "ip_not_allowed"))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			token, reason := bearerToken(r)
			if reason == "" && !ValidateBearerToken(token, config.BearerToken) {
				reason = "invalid_token"
			}
			if reason != "" {
				logger.Warn("auth denied", zap.String("ip", clientIP), zap.String("reason", reason))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, ""
		}
		return "", "missing_auth_header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "invalid_auth_format"
	}
	return strings.TrimPrefix(header, "Bearer "), ""
}

// ValidateBearerToken compares tokens in constant time.
// Returns false if either token is empty.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// CORS Configuration and Middleware
// ============================================================================

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	// AllowedOrigins lists allowed origins. "*" allows any origin and
	// "*.example.com" matches subdomains.
	AllowedOrigins []string

	AllowedMethods []string
	AllowedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig returns a CORS configuration allowing localhost origins.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{
			"http://localhost",
			"http://localhost:3000",
			"http://localhost:8081",
			"http://127.0.0.1",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8081",
		},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}
}

// NewCORSConfig returns the default config, with origins replaced when set.
func NewCORSConfig(origins []string) *CORSConfig {
	c := DefaultCORSConfig()
	if len(origins) > 0 {
		c.AllowedOrigins = origins
	}
	return c
}

func (c *CORSConfig) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, strings.TrimPrefix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *CORSConfig) allowsAny() bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

// CORSMiddleware sets Access-Control headers and answers preflight requests.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowOrigin := ""
			switch {
			case config.isOriginAllowed(origin):
				allowOrigin = origin
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			case config.allowsAny():
				allowOrigin = "*"
			}
			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Rate Limiter
// ============================================================================

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per IP with the given burst.
// rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(rps) * 2
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
		lastGC:   time.Now(),
	}
}

// Allow reports whether ip may make a request now.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	return rl.get(ip).Allow()
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastGC) > rl.idle {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// RateLimitMiddleware returns 429 once a client exhausts its bucket.
func RateLimitMiddleware(limiter *RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if !limiter.Allow(ip) {
				logger.Debug("rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter captures the status code. It keeps Flush and Hijack
// available for event streams and WebSocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", GetClientIP(r)))
		})
	}
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware sets conservative response headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'self'")
			h.Set("Cache-Control", "no-store")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Middleware Chain Helper
// ============================================================================

// Chain composes middlewares; the first one listed runs first.
//
//	chain := Chain(
//	    LoggingMiddleware(logger),
//	    AuthMiddleware(authConfig, logger),
//	)
//	http.Handle("/v1/", chain(handler))
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// IP Extraction Helper
// ============================================================================

// trustedProxies may set X-Forwarded-For and X-Real-IP.
var trustedProxies = []string{
	"127.0.0.1/32",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

var (
	parsedTrustedProxies []*net.IPNet
	trustedProxiesOnce   sync.Once
)

func isTrustedProxy(ipStr string) bool {
	trustedProxiesOnce.Do(func() {
		for _, cidr := range trustedProxies {
			if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
				parsedTrustedProxies = append(parsedTrustedProxies, ipNet)
			}
		}
	})

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range parsedTrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func getRemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// GetClientIP returns the client address. Forwarding headers are honored
// only when the connection itself comes from a trusted proxy.
func GetClientIP(r *http.Request) string {
	connIP := getRemoteIP(r.RemoteAddr)
	if !isTrustedProxy(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return connIP
}
