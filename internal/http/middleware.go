package http

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/identity-index/internal/ratelimit"
	"github.com/wolfeidau/identity-index/internal/telemetry"
)

type contextKey string

const clientIPContextKey contextKey = "client_ip"

// ClientIPResolver derives the client address of a request. Forwarding headers are
// client controlled, so they are only believed when the direct peer is a trusted proxy.
// The zero value trusts nothing and always uses RemoteAddr.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver creates a resolver trusting the given proxies, each a CIDR or a
// bare IP address.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	c := &ClientIPResolver{}
	for _, proxy := range trustedProxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}

		if !strings.Contains(proxy, "/") {
			addr, err := netip.ParseAddr(proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", proxy, err)
			}
			c.trusted = append(c.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}

		prefix, err := netip.ParsePrefix(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", proxy, err)
		}
		c.trusted = append(c.trusted, prefix.Masked())
	}
	return c, nil
}

// ClientIP returns RemoteAddr unless the peer is a trusted proxy. Behind a trusted proxy
// X-Forwarded-For is walked from the right, skipping trusted hops, and the first untrusted
// address wins; X-Real-IP is used when there is no such header.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !c.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				// a malformed hop was not written by a proxy we trust
				return peer
			}
			if !c.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}

	return peer
}

func (c *ClientIPResolver) isTrusted(ip string) bool {
	if c == nil || len(c.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIPFromContext extracts the client IP from the request context.
// This should be called from handlers wrapped by ClientIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// ClientIPMiddleware resolves the client IP and stores it in the request context.
// A nil resolver trusts no proxies.
func ClientIPMiddleware(resolver *ClientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.ClientIP(r)
			ctx := context.WithValue(r.Context(), clientIPContextKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware admits requests through limiter keyed by client IP and path. The IP
// comes from ClientIPMiddleware, or RemoteAddr when it is not installed.
// Requests are let through when the limiter itself fails.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			if ip == "" {
				ip = remoteHost(r)
			}

			decision, err := limiter.Allow(r.Context(), ip+":"+r.URL.Path)
			if err != nil {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))

			if !decision.Allowed {
				telemetry.GetMetrics().RateLimitRejectedTotal.Add(r.Context(), 1)

				retryAfter := int(math.Ceil(decision.RetryAfter(time.Now()).Seconds()))
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success":    false,
					"error":      "Too many authentication attempts. Please try again later.",
					"retryAfter": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

var securityHeaders = map[string]string{
	"X-Frame-Options":           "DENY",
	"X-Content-Type-Options":    "nosniff",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains; preload",
	"Permissions-Policy":        "camera=(), microphone=(), geolocation=(), interest-cohort=()",
}

// SecurityHeadersMiddleware sets hardening headers on every response when enabled.
func SecurityHeadersMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range securityHeaders {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
