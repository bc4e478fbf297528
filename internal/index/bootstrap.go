package index

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultBootstrapTimeout bounds each bootstrap attempt. It is longer than
	// DefaultWriteTimeout since a cold cluster can be slow to answer.
	DefaultBootstrapTimeout = 10 * time.Second

	// DefaultMaxDelay caps the delay between bootstrap attempts.
	DefaultMaxDelay = time.Minute
)

// ErrMappingMismatch is returned when the live index maps a field differently from the
// embedded mapping, typically because a write created the index with dynamic mapping.
var ErrMappingMismatch = errors.New("index mapping mismatch")

// Status is the outcome of a bootstrap.
type Status string

const (
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
)

// Bootstrapper makes sure the index exists with the expected mapping before it is used.
// A failed bootstrap leaves the service degraded rather than stopping it.
type Bootstrapper struct {
	client   *Client
	timeout  time.Duration
	maxDelay time.Duration
	ready    atomic.Bool
}

// BootstrapperOption configures a Bootstrapper.
type BootstrapperOption func(*Bootstrapper)

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) BootstrapperOption {
	return func(b *Bootstrapper) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMaxDelay overrides the cap on the delay between attempts.
func WithMaxDelay(d time.Duration) BootstrapperOption {
	return func(b *Bootstrapper) {
		if d > 0 {
			b.maxDelay = d
		}
	}
}

// NewBootstrapper creates a bootstrapper for the client's index.
func NewBootstrapper(client *Client, opts ...BootstrapperOption) *Bootstrapper {
	b := &Bootstrapper{
		client:   client,
		timeout:  DefaultBootstrapTimeout,
		maxDelay: DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ready reports whether the last bootstrap succeeded.
func (b *Bootstrapper) Ready() bool {
	return b.ready.Load()
}

// EnsureReady pings the cluster and creates the index if it is absent, retrying up to
// maxAttempts times with a doubling delay starting at baseDelay. It never returns an error;
// exhausting the attempts or cancelling ctx yields StatusDegraded.
func (b *Bootstrapper) EnsureReady(ctx context.Context, maxAttempts uint, baseDelay time.Duration) Status {
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max(b.maxDelay, baseDelay),
	}
	policy.Reset()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		telemetry.GetMetrics().BootstrapAttemptsTotal.Add(ctx, 1)
		return struct{}{}, b.attempt(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Uint("max_attempts", maxAttempts).
				Dur("retry_in", next).
				Msg("Search index not ready, retrying")
		}),
	)

	status := StatusReady
	if err != nil {
		status = StatusDegraded
		log.Error().
			Err(err).
			Int("attempts", attempt).
			Str("index", b.client.IndexName()).
			Msg("Search index unavailable, continuing in degraded mode")
	} else {
		log.Info().
			Int("attempts", attempt).
			Str("index", b.client.IndexName()).
			Msg("Search index ready")
	}

	b.setReady(ctx, status == StatusReady)
	return status
}

// Watch retries the bootstrap every interval until the index is ready or ctx is cancelled.
// It reports whether the index moved from degraded to ready while watching, including when
// a gated write's inline attempt got there first. It returns false immediately when the
// index is already ready.
func (b *Bootstrapper) Watch(ctx context.Context, interval time.Duration) bool {
	if b.Ready() {
		return false
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if b.Ready() || b.EnsureReady(ctx, 1, interval) == StatusReady {
				return true
			}
		}
	}
}

// attempt runs a single ping, check and create cycle under the bootstrap timeout.
func (b *Bootstrapper) attempt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.Ping(ctx); err != nil {
		return err
	}

	exists, err := b.client.IndexExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return b.checkMapping(ctx)
	}

	if err := b.client.CreateIndex(ctx); err != nil {
		var respErr *ResponseError
		// a bad mapping will not fix itself
		if errors.As(err, &respErr) && respErr.Status == 400 {
			return backoff.Permanent(fmt.Errorf("index mapping rejected: %w", err))
		}
		return err
	}

	log.Info().Str("index", b.client.IndexName()).Msg("Created search index")
	return nil
}

// checkMapping compares the live field types with the embedded mapping. Fields missing
// from the live mapping are tolerated since they map on first write; a conflicting type
// needs a reindex into a fresh index and will not fix itself.
func (b *Bootstrapper) checkMapping(ctx context.Context) error {
	live, err := b.client.FieldTypes(ctx)
	if err != nil {
		return err
	}

	want, err := expectedFieldTypes()
	if err != nil {
		return backoff.Permanent(err)
	}

	for field, typ := range want {
		got, ok := live[field]
		if ok && got != typ {
			return backoff.Permanent(fmt.Errorf("%w: field %s is %s, want %s", ErrMappingMismatch, field, got, typ))
		}
	}
	return nil
}

func (b *Bootstrapper) setReady(ctx context.Context, ready bool) {
	b.ready.Store(ready)

	var v int64
	if ready {
		v = 1
	}
	telemetry.GetMetrics().IndexReady.Record(ctx, v, metric.WithAttributes(attribute.String("index", b.client.IndexName())))
}
