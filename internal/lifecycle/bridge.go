package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
	"github.com/wolfeidau/identity-index/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultVerifyDelay is how long the verified flag update waits, giving the account
	// flow's own write time to commit.
	DefaultVerifyDelay = 100 * time.Millisecond

	// DefaultTaskTimeout bounds each background indexing task once it starts.
	DefaultTaskTimeout = 15 * time.Second

	// DefaultResolveTimeout bounds the synchronous lookups done inside a hook.
	DefaultResolveTimeout = 5 * time.Second
)

// IndexWriter is the subset of index.Writer the bridge depends on.
type IndexWriter interface {
	Upsert(ctx context.Context, doc index.Document) error
	PartialUpdate(ctx context.Context, id string, fields index.Fields) error
	Remove(ctx context.Context, id string) error
}

// Bridge turns identity lifecycle events into index writes. Hooks never fail: indexing
// problems are logged and the identity operation that raised the event is unaffected.
type Bridge struct {
	identities    store.IdentityStore
	verifications store.VerificationStore
	resolver      *Resolver
	writer        IndexWriter

	verifyDelay    time.Duration
	taskTimeout    time.Duration
	resolveTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithVerifyDelay overrides the delay before the verified flag is indexed.
func WithVerifyDelay(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.verifyDelay = d }
}

// WithTaskTimeout overrides the timeout of background indexing tasks.
func WithTaskTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.taskTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a bridge. Close must be called to release pending tasks.
func NewBridge(
	identities store.IdentityStore,
	verifications store.VerificationStore,
	resolver *Resolver,
	writer IndexWriter,
	opts ...BridgeOption,
) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		identities:     identities,
		verifications:  verifications,
		resolver:       resolver,
		writer:         writer,
		verifyDelay:    DefaultVerifyDelay,
		taskTimeout:    DefaultTaskTimeout,
		resolveTimeout: DefaultResolveTimeout,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnSignUp assigns first-account roles synchronously, then indexes the identity as
// re-read from the store in the background.
func (b *Bridge) OnSignUp(ctx context.Context, ev SignUpEvent) {
	recordEvent(ctx, "sign_up")
	logger := log.With().Str("identity_id", ev.IdentityID.String()).Str("event", "sign_up").Logger()

	resolveCtx, cancel := context.WithTimeout(ctx, b.resolveTimeout)
	defer cancel()

	if _, err := b.resolver.Resolve(resolveCtx, ev.IdentityID); err != nil {
		logger.Error().Err(err).Msg("Role resolution failed")
		return
	}

	b.spawn(ctx, "sign_up_index", 0, func(ctx context.Context) error {
		identity, err := b.identities.Get(ctx, ev.IdentityID)
		if err != nil {
			return fmt.Errorf("failed to re-read identity: %w", err)
		}
		return b.writer.Upsert(ctx, index.FromIdentity(identity))
	})
}

// OnEmailVerified resolves the verified identity from the event and schedules the verified
// flag update after the verify delay. It returns without waiting for the update.
func (b *Bridge) OnEmailVerified(ctx context.Context, ev VerificationEvent) {
	recordEvent(ctx, "email_verified")

	resolveCtx, cancel := context.WithTimeout(ctx, b.resolveTimeout)
	defer cancel()

	identity, err := b.resolveVerified(resolveCtx, ev)
	if err != nil {
		telemetry.GetMetrics().LifecycleSkippedTotal.Add(ctx, 1)
		log.Warn().Err(err).Str("event", "email_verified").Msg("Skipping verification event, no identity resolved")
		return
	}

	id := identity.ID.String()
	b.spawn(ctx, "email_verified_index", b.verifyDelay, func(ctx context.Context) error {
		return b.writer.PartialUpdate(ctx, id, index.VerifiedFields(b.now()))
	})
}

// OnIdentityUpdated merges the changed profile fields into the identity's document in the
// background. Only the fields named by the update are written, along with updatedAt.
func (b *Bridge) OnIdentityUpdated(ctx context.Context, ev IdentityUpdatedEvent) {
	recordEvent(ctx, "identity_updated")

	if ev.Identity == nil || ev.Update.Empty() {
		telemetry.GetMetrics().LifecycleSkippedTotal.Add(ctx, 1)
		log.Warn().Str("event", "identity_updated").Msg("Skipping update event with nothing to index")
		return
	}

	id := ev.Identity.ID.String()
	fields := index.UpdatedFields(ev.Identity, changedFields(ev.Update)...)
	b.spawn(ctx, "identity_updated_index", 0, func(ctx context.Context) error {
		return b.writer.PartialUpdate(ctx, id, fields)
	})
}

// OnAccountDeleted removes the identity's document in the background.
func (b *Bridge) OnAccountDeleted(ctx context.Context, id uuid.UUID) {
	recordEvent(ctx, "account_deleted")

	b.spawn(ctx, "account_deleted_index", 0, func(ctx context.Context) error {
		return b.writer.Remove(ctx, id.String())
	})
}

// Wait blocks until every scheduled task has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close cancels tasks still waiting out their delay, rejects new ones and waits for
// running tasks to finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// changedFields maps the set fields of an update to document field names.
func changedFields(u store.IdentityUpdate) []string {
	var names []string
	if u.Name != nil {
		names = append(names, index.FieldName)
	}
	if u.Role != nil {
		names = append(names, index.FieldRole)
	}
	if u.OrgRole != nil {
		names = append(names, index.FieldOrganizationalRole)
	}
	if u.IsActive != nil {
		names = append(names, index.FieldIsActive)
	}
	return names
}

var errUnresolved = errors.New("verification event carries no resolvable identity")

// resolveVerified uses the identity carried by the event, otherwise follows a still usable
// verification token to its email and the identity registered with it.
func (b *Bridge) resolveVerified(ctx context.Context, ev VerificationEvent) (*models.Identity, error) {
	switch e := ev.(type) {
	case Resolved:
		if e.Identity == nil {
			return nil, errUnresolved
		}
		return e.Identity, nil

	case TokenOnly:
		if e.Token == "" {
			return nil, errUnresolved
		}

		v, err := b.verifications.GetUsableByToken(ctx, e.Token, b.now())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUnresolved, err)
		}

		identity, err := b.identities.GetByEmail(ctx, v.Identifier)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUnresolved, err)
		}
		return identity, nil

	default:
		return nil, errUnresolved
	}
}

// spawn runs fn in a detached goroutine after delay. The task keeps the caller's context
// values but not its cancellation, and a panic inside it is contained.
func (b *Bridge) spawn(parent context.Context, task string, delay time.Duration, fn func(context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		log.Warn().Str("task", task).Msg("Lifecycle bridge closed, dropping task")
		return
	}

	detached := context.WithoutCancel(parent)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task", task).Interface("panic", r).Msg("Lifecycle task panicked")
			}
		}()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-b.ctx.Done():
				log.Warn().Str("task", task).Msg("Lifecycle task cancelled before it ran")
				return
			case <-timer.C:
			}
		}

		ctx, cancel := context.WithTimeout(detached, b.taskTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("task", task).Msg("Lifecycle task failed")
		}
	}()
}

func recordEvent(ctx context.Context, kind string) {
	telemetry.GetMetrics().LifecycleEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
