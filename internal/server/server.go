package server

import (
	"context"
	"fmt"
	"net/http"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/identity-index/internal/account"
	httpmiddleware "github.com/wolfeidau/identity-index/internal/http"
	"github.com/wolfeidau/identity-index/internal/logger"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/ratelimit"
	"github.com/wolfeidau/identity-index/internal/search"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Searcher answers identity searches.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// Accounts runs the sign-up and verification flow.
type Accounts interface {
	SignUp(ctx context.Context, req account.SignUpRequest) (*models.Identity, error)
	VerifyEmail(ctx context.Context, token string) (*models.Identity, error)
}

// Pinger checks connectivity to the system of record.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP surface settings.
type Config struct {
	// CORSOrigins are allowed to call the API from a browser and are trusted for cross-origin writes.
	CORSOrigins []string

	// Production enables the security headers.
	Production bool

	// Tracing wraps the handler with OpenTelemetry instrumentation.
	Tracing bool

	// MaxPageSize caps the search page size, defaults to 100.
	MaxPageSize int

	// TrustedProxies are the CIDRs or addresses whose forwarding headers are believed when
	// deriving the client IP for rate limiting. Empty means the peer address is always used.
	TrustedProxies []string
}

// Server wraps the HTTP API for identity search and the account flow
type Server struct {
	searcher    Searcher
	accounts    Accounts
	authLimiter ratelimit.Limiter
	db          Pinger
	index       search.Readiness
	protection  *csrf.Protection
	clientIP    *httpmiddleware.ClientIPResolver
	cfg         Config
}

// NewServer creates a new server. db and idx may be nil when there is nothing to check.
func NewServer(searcher Searcher, accounts Accounts, authLimiter ratelimit.Limiter, db Pinger, idx search.Readiness, cfg Config) (*Server, error) {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}

	protection := csrf.New()
	for _, origin := range cfg.CORSOrigins {
		if origin == "*" {
			continue
		}
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid trusted origin %q: %w", origin, err)
		}
	}

	clientIP, err := httpmiddleware.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	return &Server{
		searcher:    searcher,
		accounts:    accounts,
		authLimiter: authLimiter,
		db:          db,
		index:       idx,
		protection:  protection,
		clientIP:    clientIP,
		cfg:         cfg,
	}, nil
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/users/search", s.handleSearch)

	// auth endpoints are rate limited and reject cross-origin writes from untrusted origins
	mux.Handle("POST /api/auth/sign-up/email", s.authRoute(http.HandlerFunc(s.handleSignUp)))
	mux.Handle("GET /api/auth/verify-email", s.authRoute(http.HandlerFunc(s.handleVerifyEmail)))

	var handler http.Handler = mux
	handler = withCORS(s.cfg.CORSOrigins, handler)
	handler = httpmiddleware.SecurityHeadersMiddleware(s.cfg.Production)(handler)
	handler = logger.NewRequestLogger(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware(s.clientIP)(handler)

	if s.cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "identity-index",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}

	return handler
}

func (s *Server) authRoute(h http.Handler) http.Handler {
	h = s.protection.Handler(h)
	if s.authLimiter != nil {
		h = httpmiddleware.RateLimitMiddleware(s.authLimiter)(h)
	}
	return h
}

// withCORS adds CORS support to the API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
