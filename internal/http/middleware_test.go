package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/identity-index/internal/ratelimit"
)

func TestClientIPResolver(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8", "192.168.1.10", "2001:db8::/32"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		xff        []string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{name: "untrusted peer ignores forwarded", xff: []string{"203.0.113.1"}, remoteAddr: "198.51.100.7:4000", expected: "198.51.100.7"},
		{name: "untrusted peer ignores real IP", realIP: "203.0.113.1", remoteAddr: "198.51.100.7:4000", expected: "198.51.100.7"},
		{name: "trusted peer single forwarded", xff: []string{"203.0.113.1"}, remoteAddr: "10.1.2.3:4000", expected: "203.0.113.1"},
		{name: "rightmost untrusted hop wins", xff: []string{"1.1.1.1, 203.0.113.1, 10.0.0.5"}, remoteAddr: "10.1.2.3:4000", expected: "203.0.113.1"},
		{name: "repeated headers are joined", xff: []string{"1.1.1.1", "203.0.113.1"}, remoteAddr: "10.1.2.3:4000", expected: "203.0.113.1"},
		{name: "forwarded with extra spaces", xff: []string{" 203.0.113.1  ,  10.0.0.9 "}, remoteAddr: "10.1.2.3:4000", expected: "203.0.113.1"},
		{name: "malformed hop falls back to peer", xff: []string{"not-an-ip"}, remoteAddr: "10.1.2.3:4000", expected: "10.1.2.3"},
		{name: "all hops trusted falls back to peer", xff: []string{"10.0.0.1"}, remoteAddr: "10.1.2.3:4000", expected: "10.1.2.3"},
		{name: "trusted peer real IP", realIP: "203.0.113.9", remoteAddr: "192.168.1.10:4000", expected: "203.0.113.9"},
		{name: "bare trusted address is exact", xff: []string{"203.0.113.1"}, remoteAddr: "192.168.1.11:4000", expected: "192.168.1.11"},
		{name: "trusted IPv6 peer", xff: []string{"2001:db9::1"}, remoteAddr: "[2001:db8::1]:4000", expected: "2001:db9::1"},
		{name: "IPv6 with port", remoteAddr: "[2001:db9::1]:54321", expected: "2001:db9::1"},
		{name: "no port", remoteAddr: "198.51.100.7", expected: "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			r.RemoteAddr = tt.remoteAddr

			require.Equal(t, tt.expected, resolver.ClientIP(r))
		})
	}
}

func TestNewClientIPResolverRejectsInvalidProxies(t *testing.T) {
	for _, proxy := range []string{"10.0.0.0/33", "proxy.internal", "10.0.0"} {
		_, err := NewClientIPResolver([]string{proxy})
		require.Error(t, err, proxy)
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var capturedIP string
	handler := ClientIPMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedIP = ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "198.51.100.7", capturedIP)
	require.Empty(t, ClientIPFromContext(context.Background()))
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(context.Background(), ratelimit.Config{Limit: 2, Window: time.Minute}, 0)
	defer limiter.Stop()

	handler := ClientIPMiddleware(nil)(RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	call := func(ip, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, path, nil)
		r.RemoteAddr = ip + ":1234"
		handler.ServeHTTP(w, r)
		return w
	}

	w := call("10.0.0.1", "/api/auth/sign-up/email")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusNoContent, call("10.0.0.1", "/api/auth/sign-up/email").Code)

	w = call("10.0.0.1", "/api/auth/sign-up/email")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, false, body["success"])
	require.InDelta(t, 60, body["retryAfter"], 1)

	// keyed by ip and path
	require.Equal(t, http.StatusNoContent, call("10.0.0.2", "/api/auth/sign-up/email").Code)
	require.Equal(t, http.StatusNoContent, call("10.0.0.1", "/api/auth/verify-email").Code)
}

func TestRateLimitMiddlewareIgnoresForgedForwardedFor(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(context.Background(), ratelimit.Config{Limit: 5, Window: time.Minute}, 0)
	defer limiter.Stop()

	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	handler := ClientIPMiddleware(resolver)(RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rejected := 0
	for i := range 50 {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/auth/sign-up/email", nil)
		r.RemoteAddr = "198.51.100.7:4000"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		r.Header.Set("X-Real-IP", fmt.Sprintf("203.0.114.%d", i))
		handler.ServeHTTP(w, r)
		if w.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	require.Equal(t, 45, rejected)

	// behind a trusted proxy each forwarded client gets its own budget
	for i := range 3 {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/auth/sign-up/email", nil)
		r.RemoteAddr = "10.0.0.2:4000"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusNoContent, w.Code)
	}
}

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	handler := RateLimitMiddleware(brokenLimiter{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/sign-up/email", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(true)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=31536000")

	w = httptest.NewRecorder()
	SecurityHeadersMiddleware(false)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, w.Header().Get("X-Frame-Options"))
}
