package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/index/indextest"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
	"github.com/wolfeidau/identity-index/internal/store/memory"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	srv           *indextest.Server
	identities    *memory.IdentityStore
	verifications *memory.VerificationStore
	bridge        *Bridge
}

func newHarness(t *testing.T, opts ...BridgeOption) *harness {
	t.Helper()

	srv := indextest.NewServer()
	t.Cleanup(srv.Close)

	client, err := index.NewClient(index.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	require.NoError(t, client.CreateIndex(context.Background()))

	h := &harness{
		srv:           srv,
		identities:    memory.NewIdentityStore(),
		verifications: memory.NewVerificationStore(),
	}

	opts = append([]BridgeOption{WithVerifyDelay(0), WithClock(func() time.Time { return fixedNow })}, opts...)
	h.bridge = NewBridge(h.identities, h.verifications, NewResolver(h.identities), index.NewWriter(client, 0), opts...)
	t.Cleanup(h.bridge.Close)

	return h
}

func (h *harness) createIdentity(t *testing.T, email string) *models.Identity {
	t.Helper()

	name := "User " + email
	now := time.Now()
	identity := &models.Identity{
		ID:        uuid.Must(uuid.NewV7()),
		Email:     email,
		Name:      &name,
		Role:      models.AuthRoleUser,
		OrgRole:   models.OrgRoleUser,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.identities.Create(context.Background(), identity))
	return identity
}

func (h *harness) document(t *testing.T, id uuid.UUID) map[string]any {
	t.Helper()

	doc, ok := h.srv.Document(index.DefaultIndexName, id.String())
	require.True(t, ok, "document %s not indexed", id)
	return doc
}

func TestRolesForCount(t *testing.T) {
	tests := []struct {
		count int64
		want  Roles
	}{
		{0, Roles{models.AuthRoleUser, models.OrgRoleUser}},
		{1, Roles{models.AuthRoleAdmin, models.OrgRoleSuperAdmin}},
		{2, Roles{models.AuthRoleUser, models.OrgRoleUser}},
		{1000, Roles{models.AuthRoleUser, models.OrgRoleUser}},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, RolesForCount(tt.count), "count %d", tt.count)
	}
}

func TestFirstAccountEscalation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := h.createIdentity(t, "a@example.com")
	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: a.ID})

	// roles are persisted before the hook returns
	got, err := h.identities.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuthRoleAdmin, got.Role)
	require.Equal(t, models.OrgRoleSuperAdmin, got.OrgRole)

	b := h.createIdentity(t, "b@example.com")
	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: b.ID})

	got, err = h.identities.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuthRoleUser, got.Role)
	require.Equal(t, models.OrgRoleUser, got.OrgRole)

	h.bridge.Wait()

	require.Equal(t, "admin", h.document(t, a.ID)["role"])
	require.Equal(t, "SUPER_ADMIN", h.document(t, a.ID)["organizationalRole"])
	require.Equal(t, "user", h.document(t, b.ID)["role"])
	require.Equal(t, "USER", h.document(t, b.ID)["organizationalRole"])
}

func TestSerializedResolution(t *testing.T) {
	ctx := context.Background()
	identities := memory.NewIdentityStore()
	resolver := NewResolver(identities, WithSerializedResolution())

	id := uuid.Must(uuid.NewV7())
	require.NoError(t, identities.Create(ctx, &models.Identity{ID: id, Email: "first@example.com"}))

	roles, err := resolver.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.AuthRoleAdmin, roles.Role)

	_, err = resolver.Resolve(ctx, uuid.Must(uuid.NewV7()))
	require.Error(t, err)
}

func TestSignUpSurvivesIndexOutage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.FailWrites(true)

	a := h.createIdentity(t, "a@example.com")
	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: a.ID})
	h.bridge.Wait()

	got, err := h.identities.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuthRoleAdmin, got.Role)
	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}

func TestEmailVerified(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		event func(h *harness, identity *models.Identity) VerificationEvent
	}{
		{
			name: "resolved identity",
			event: func(h *harness, identity *models.Identity) VerificationEvent {
				return Resolved{Identity: identity}
			},
		},
		{
			name: "token only",
			event: func(h *harness, identity *models.Identity) VerificationEvent {
				require.NoError(t, h.verifications.Create(ctx, &models.Verification{
					ID:         uuid.Must(uuid.NewV7()),
					Identifier: identity.Email,
					Value:      "tok-" + identity.ID.String(),
					CreatedAt:  fixedNow,
					ExpiresAt:  fixedNow.Add(time.Hour),
				}))
				return TokenOnly{Token: "tok-" + identity.ID.String()}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			x := h.createIdentity(t, "x@example.com")
			h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: x.ID})
			h.bridge.Wait()
			require.Equal(t, false, h.document(t, x.ID)["emailVerified"])

			h.bridge.OnEmailVerified(ctx, tt.event(h, x))
			h.bridge.Wait()

			doc := h.document(t, x.ID)
			require.Equal(t, true, doc["emailVerified"])
			require.Equal(t, "2025-06-01T12:00:00Z", doc["updatedAt"])
			require.Equal(t, "x@example.com", doc["email"])
		})
	}
}

func TestEmailVerifiedUnresolvable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	x := h.createIdentity(t, "x@example.com")

	consumed := fixedNow.Add(-time.Minute)
	require.NoError(t, h.verifications.Create(ctx, &models.Verification{
		ID: uuid.Must(uuid.NewV7()), Identifier: x.Email, Value: "expired",
		CreatedAt: fixedNow.Add(-2 * time.Hour), ExpiresAt: fixedNow.Add(-time.Hour),
	}))
	require.NoError(t, h.verifications.Create(ctx, &models.Verification{
		ID: uuid.Must(uuid.NewV7()), Identifier: x.Email, Value: "consumed",
		CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour), ConsumedAt: &consumed,
	}))
	require.NoError(t, h.verifications.Create(ctx, &models.Verification{
		ID: uuid.Must(uuid.NewV7()), Identifier: "ghost@example.com", Value: "orphan",
		CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour),
	}))

	events := []VerificationEvent{
		Resolved{},
		TokenOnly{},
		TokenOnly{Token: "unknown"},
		TokenOnly{Token: "expired"},
		TokenOnly{Token: "consumed"},
		TokenOnly{Token: "orphan"},
		nil,
	}

	for _, ev := range events {
		h.bridge.OnEmailVerified(ctx, ev)
	}
	h.bridge.Wait()

	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}

func TestUnorderedEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	x := h.createIdentity(t, "x@example.com")
	_, err := h.identities.MarkEmailVerified(ctx, x.ID)
	require.NoError(t, err)

	// verification lands before the signup document exists
	h.bridge.OnEmailVerified(ctx, Resolved{Identity: x})
	h.bridge.Wait()

	partial := h.document(t, x.ID)
	require.Equal(t, true, partial["emailVerified"])
	require.NotContains(t, partial, "email")

	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: x.ID})
	h.bridge.Wait()

	doc := h.document(t, x.ID)
	require.Equal(t, true, doc["emailVerified"])
	require.Equal(t, "x@example.com", doc["email"])
	require.Equal(t, "User x@example.com", doc["name"])
	require.Equal(t, "admin", doc["role"])
	require.Equal(t, x.ID.String(), doc["id"])
}

func TestEmailVerifiedIsDeferred(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithVerifyDelay(100*time.Millisecond))
	x := h.createIdentity(t, "x@example.com")

	started := time.Now()
	h.bridge.OnEmailVerified(ctx, Resolved{Identity: x})
	require.Less(t, time.Since(started), 100*time.Millisecond)
	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))

	h.bridge.Wait()
	require.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
	require.Equal(t, true, h.document(t, x.ID)["emailVerified"])
}

func TestCloseCancelsPendingTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithVerifyDelay(time.Hour))
	x := h.createIdentity(t, "x@example.com")

	h.bridge.OnEmailVerified(ctx, Resolved{Identity: x})

	done := make(chan struct{})
	go func() {
		h.bridge.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not cancel the delayed task")
	}

	h.bridge.OnAccountDeleted(ctx, x.ID)
	h.bridge.Wait()
	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}

func TestAccountDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	x := h.createIdentity(t, "x@example.com")
	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: x.ID})
	h.bridge.Wait()
	require.Equal(t, 1, h.srv.Count(index.DefaultIndexName))

	h.bridge.OnAccountDeleted(ctx, x.ID)
	h.bridge.OnAccountDeleted(ctx, x.ID)
	h.bridge.Wait()
	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}

type panickingWriter struct{}

func (panickingWriter) Upsert(context.Context, index.Document) error { panic("boom") }
func (panickingWriter) PartialUpdate(context.Context, string, index.Fields) error {
	panic("boom")
}
func (panickingWriter) Remove(context.Context, string) error { panic("boom") }

func TestTaskPanicIsContained(t *testing.T) {
	ctx := context.Background()
	identities := memory.NewIdentityStore()
	bridge := NewBridge(identities, memory.NewVerificationStore(), NewResolver(identities), panickingWriter{}, WithVerifyDelay(0))
	defer bridge.Close()

	id := uuid.Must(uuid.NewV7())
	require.NoError(t, identities.Create(ctx, &models.Identity{ID: id, Email: "p@example.com"}))

	require.NotPanics(t, func() {
		bridge.OnSignUp(ctx, SignUpEvent{IdentityID: id})
		bridge.OnEmailVerified(ctx, Resolved{Identity: &models.Identity{ID: id}})
		bridge.OnAccountDeleted(ctx, id)
		bridge.Wait()
	})
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		h.createIdentity(t, email)
	}

	srvClient, err := index.NewClient(index.Config{Addresses: []string{h.srv.URL}})
	require.NoError(t, err)
	writer := index.NewWriter(srvClient, 0)

	stats, err := Reindex(ctx, h.identities, writer, 2)
	require.NoError(t, err)
	require.Equal(t, ReindexStats{Indexed: 3}, stats)
	require.Equal(t, 3, h.srv.Count(index.DefaultIndexName))

	h.srv.FailWrites(true)
	stats, err = Reindex(ctx, h.identities, writer, 2)
	require.NoError(t, err)
	require.Equal(t, ReindexStats{Failed: 3}, stats)
}

// touchingStore updates an identity after every page, the way live traffic does during a
// long reindex.
type touchingStore struct {
	*memory.IdentityStore
	touch uuid.UUID
}

func (s *touchingStore) ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*models.Identity, error) {
	page, err := s.IdentityStore.ListAfter(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	_, err = s.MarkEmailVerified(ctx, s.touch)
	return page, err
}

type countingWriter struct {
	mu      sync.Mutex
	upserts map[string]int
}

func (w *countingWriter) Upsert(_ context.Context, doc index.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.upserts[doc.ID]++
	return nil
}

func (w *countingWriter) PartialUpdate(context.Context, string, index.Fields) error { return nil }
func (w *countingWriter) Remove(context.Context, string) error                      { return nil }

func TestReindexVisitsEachIdentityOnceUnderUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var ids []uuid.UUID
	for i := range 7 {
		ids = append(ids, h.createIdentity(t, fmt.Sprintf("user%d@example.com", i)).ID)
	}

	identities := &touchingStore{IdentityStore: h.identities, touch: ids[len(ids)-1]}
	writer := &countingWriter{upserts: make(map[string]int)}

	stats, err := Reindex(ctx, identities, writer, 2)
	require.NoError(t, err)
	require.Equal(t, ReindexStats{Indexed: len(ids)}, stats)

	for _, id := range ids {
		require.Equal(t, 1, writer.upserts[id.String()], "identity %s", id)
	}
}

func TestIdentityUpdated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	x := h.createIdentity(t, "x@example.com")
	h.bridge.OnSignUp(ctx, SignUpEvent{IdentityID: x.ID})
	h.bridge.Wait()
	before := h.document(t, x.ID)

	inactive := false
	update := store.IdentityUpdate{IsActive: &inactive}
	updated, err := h.identities.Update(ctx, x.ID, update)
	require.NoError(t, err)

	h.bridge.OnIdentityUpdated(ctx, IdentityUpdatedEvent{Identity: updated, Update: update})
	h.bridge.Wait()

	doc := h.document(t, x.ID)
	require.Equal(t, false, doc["isActive"])
	require.Equal(t, before["name"], doc["name"])
	require.Equal(t, before["organizationalRole"], doc["organizationalRole"])
	require.NotEqual(t, before["updatedAt"], doc["updatedAt"])
}

func TestIdentityUpdatedSkipsEmptyEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	x := h.createIdentity(t, "x@example.com")

	h.bridge.OnIdentityUpdated(ctx, IdentityUpdatedEvent{})
	h.bridge.OnIdentityUpdated(ctx, IdentityUpdatedEvent{Identity: x})
	h.bridge.Wait()

	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}

func TestCatchUpAfterRecovery(t *testing.T) {
	ctx := context.Background()

	srv := indextest.NewServer()
	t.Cleanup(srv.Close)
	srv.SetDown(true)

	client, err := index.NewClient(index.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	bootstrapper := index.NewBootstrapper(client)
	require.Equal(t, index.StatusDegraded, bootstrapper.EnsureReady(ctx, 1, time.Millisecond))

	identities := memory.NewIdentityStore()
	writer := index.NewWriter(client, 0, index.WithBootstrapper(bootstrapper))
	bridge := NewBridge(identities, memory.NewVerificationStore(), NewResolver(identities), writer, WithVerifyDelay(0))
	t.Cleanup(bridge.Close)

	name := "Missed"
	missed := &models.Identity{
		ID:        uuid.Must(uuid.NewV7()),
		Email:     "missed@example.com",
		Name:      &name,
		IsActive:  true,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
	require.NoError(t, identities.Create(ctx, missed))

	// the write is refused while the cluster is down
	bridge.OnSignUp(ctx, SignUpEvent{IdentityID: missed.ID})
	bridge.Wait()
	require.Equal(t, 0, srv.IndexAutoCreates())

	srv.SetDown(false)

	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	CatchUpAfterRecovery(watchCtx, bootstrapper, 10*time.Millisecond, identities, writer, 10)

	require.True(t, bootstrapper.Ready())
	require.Equal(t, 1, srv.IndexCreates())
	require.Equal(t, 0, srv.IndexAutoCreates())

	doc, ok := srv.Document(index.DefaultIndexName, missed.ID.String())
	require.True(t, ok)
	require.Equal(t, "admin", doc["role"])
}

func TestCatchUpSkipsReadyIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "a@example.com")

	client, err := index.NewClient(index.Config{Addresses: []string{h.srv.URL}})
	require.NoError(t, err)
	bootstrapper := index.NewBootstrapper(client)
	require.Equal(t, index.StatusReady, bootstrapper.EnsureReady(ctx, 1, time.Millisecond))

	CatchUpAfterRecovery(ctx, bootstrapper, time.Hour, h.identities, index.NewWriter(client, 0), 10)
	require.Equal(t, 0, h.srv.Count(index.DefaultIndexName))
}
