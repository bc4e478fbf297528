package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/account"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/lifecycle"
	"github.com/wolfeidau/identity-index/internal/logger"
	"github.com/wolfeidau/identity-index/internal/ratelimit"
	"github.com/wolfeidau/identity-index/internal/search"
	"github.com/wolfeidau/identity-index/internal/server"
	"github.com/wolfeidau/identity-index/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen  string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"IDENTITY_INDEX_LISTEN"`
	BaseURL string `help:"public base URL used in verification links" default:"http://localhost:8080" env:"IDENTITY_INDEX_BASE_URL"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"IDENTITY_INDEX_CORS_ORIGINS"`

	// Proxy configuration
	TrustedProxies []string `help:"proxy CIDRs or addresses whose X-Forwarded-For and X-Real-IP headers are trusted" env:"IDENTITY_INDEX_TRUSTED_PROXIES"`

	// Development and operational modes
	Production  bool    `help:"enable production security headers" default:"false" env:"IDENTITY_INDEX_PRODUCTION"`
	Tracing     bool    `help:"enable tracing and metrics export" default:"false" env:"IDENTITY_INDEX_TRACING"`
	SampleRatio float64 `help:"trace sample ratio" default:"1.0" env:"IDENTITY_INDEX_TRACE_SAMPLE_RATIO"`

	// Lifecycle configuration
	ResolveOnVerify      bool          `help:"pass the verified identity with verification events instead of the token" default:"true" negatable:""`
	SerializedResolution bool          `help:"serialize first-account resolution within this process" default:"false"`
	VerifyDelay          time.Duration `help:"delay before the verified flag is propagated to the index" default:"100ms"`
	VerificationTTL      time.Duration `help:"how long a verification token stays usable" default:"24h"`
	CatchUpReindex       bool          `help:"reindex every identity once when a degraded index recovers" default:"true" negatable:""`

	// Store configuration
	StoreType     string         `help:"store type (memory or postgres)" default:"memory" env:"IDENTITY_INDEX_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresFlags  `embed:"" prefix:"postgres-"`
	Elastic       ElasticFlags   `embed:"" prefix:"elastic-"`
	RateLimit     RateLimitFlags `embed:"" prefix:"rate-limit-"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: "identity-index",
		Version:     globals.Version,
		Enabled:     c.Tracing,
		SampleRatio: c.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		shutdownTelemetry = func(ctx context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}()

	st, err := openStores(ctx, c.StoreType, c.PostgresStore)
	if err != nil {
		return err
	}
	defer st.close()

	client, err := openIndex(c.Elastic)
	if err != nil {
		return err
	}

	// startup continues when the index is unavailable; search falls back until the watcher succeeds
	bootstrapper := index.NewBootstrapper(client)
	if status := bootstrapper.EnsureReady(ctx, c.Elastic.InitAttempts, c.Elastic.InitDelay); status == index.StatusDegraded {
		log.Warn().Str("index", client.IndexName()).Msg("Search index unavailable, starting in degraded mode")
	}

	limiter, stopLimiter, err := c.newLimiter(ctx)
	if err != nil {
		return err
	}
	defer stopLimiter()

	var resolverOpts []lifecycle.ResolverOption
	if c.SerializedResolution {
		resolverOpts = append(resolverOpts, lifecycle.WithSerializedResolution())
	}

	writer := index.NewWriter(client, c.Elastic.WriteTimeout, index.WithBootstrapper(bootstrapper))

	bridge := lifecycle.NewBridge(
		st.identities,
		st.verifications,
		lifecycle.NewResolver(st.identities, resolverOpts...),
		writer,
		lifecycle.WithVerifyDelay(c.VerifyDelay),
	)
	defer bridge.Close()

	// writes are refused while the index is degraded, so a recovery is followed by a reindex
	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if c.CatchUpReindex {
			lifecycle.CatchUpAfterRecovery(watchCtx, bootstrapper, c.Elastic.WatchInterval, st.identities, writer, 100)
			return
		}
		if bootstrapper.Watch(watchCtx, c.Elastic.WatchInterval) {
			log.Warn().Msg("Search index recovered, run the reindex command to restore writes made while degraded")
		}
	}()
	defer func() {
		stopWatch()
		<-watchDone
	}()

	accounts := account.NewService(st.identities, st.verifications, bridge, account.Config{
		BaseURL:         c.BaseURL,
		VerificationTTL: c.VerificationTTL,
		ResolveOnVerify: c.ResolveOnVerify,
	})

	searcher := search.NewService(client, bootstrapper, st.identities, c.Elastic.QueryTimeout)

	var db server.Pinger
	if st.ping != nil {
		db = pingFunc(st.ping)
	}

	srv, err := server.NewServer(searcher, accounts, limiter, db, bootstrapper, server.Config{
		CORSOrigins:    c.CORSOrigins,
		Production:     c.Production,
		Tracing:        c.Tracing,
		TrustedProxies: c.TrustedProxies,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log.Logger))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("store", c.StoreType).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// let in-flight index updates finish before the stores close
	bridge.Wait()

	return nil
}

func (c *ServeCmd) newLimiter(ctx context.Context) (ratelimit.Limiter, func(), error) {
	if err := c.RateLimit.Validate(); err != nil {
		return nil, nil, fmt.Errorf("failed to validate rate limit flags: %w", err)
	}

	cfg := ratelimit.Config{Limit: c.RateLimit.Limit, Window: c.RateLimit.Window}

	if c.RateLimit.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RateLimit.RedisAddr,
			Password: c.RateLimit.RedisPassword,
			DB:       c.RateLimit.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		log.Info().Str("addr", c.RateLimit.RedisAddr).Msg("Using Redis rate limiter")
		return ratelimit.NewRedisLimiter(rdb, cfg), func() { _ = rdb.Close() }, nil
	}

	log.Info().Msg("Using in-memory rate limiter")
	limiter := ratelimit.NewMemoryLimiter(ctx, cfg, c.RateLimit.CleanupInterval)
	return limiter, limiter.Stop, nil
}
