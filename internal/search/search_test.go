package search

import (
	"context"
	"errors"
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

type readiness bool

func (r readiness) Ready() bool { return bool(r) }

type failingStore struct {
	store.IdentityStore
}

func (failingStore) Search(context.Context, store.IdentityQuery) ([]*models.Identity, int64, error) {
	return nil, 0, errors.New("connection refused")
}

type fixture struct {
	srv        *indextest.Server
	client     *index.Client
	identities *memory.IdentityStore
	alice      *models.Identity
	bob        *models.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	srv := indextest.NewServer()
	t.Cleanup(srv.Close)

	client, err := index.NewClient(index.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	require.NoError(t, client.CreateIndex(ctx))

	f := &fixture{srv: srv, client: client, identities: memory.NewIdentityStore()}

	base := time.Now().Add(-time.Hour)
	f.alice = f.add(t, "alice@example.com", "Alice Smith", models.AuthRoleAdmin, true, base)
	f.bob = f.add(t, "bob@example.com", "Bob Jones", models.AuthRoleUser, false, base.Add(time.Minute))

	return f
}

func (f *fixture) add(t *testing.T, email, name string, role models.AuthRole, verified bool, at time.Time) *models.Identity {
	t.Helper()

	identity := &models.Identity{
		ID:            uuid.Must(uuid.NewV7()),
		Email:         email,
		Name:          &name,
		Role:          role,
		OrgRole:       models.OrgRoleUser,
		IsActive:      true,
		EmailVerified: verified,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	require.NoError(t, f.identities.Create(context.Background(), identity))
	require.NoError(t, index.NewWriter(f.client, 0).Upsert(context.Background(), index.FromIdentity(identity)))

	return identity
}

func TestSearchFromIndex(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.client, readiness(true), f.identities, 0)
	verified := true

	tests := []struct {
		name    string
		query   Query
		wantIDs []string
	}{
		{"match all newest first", Query{}, []string{f.bob.ID.String(), f.alice.ID.String()}},
		{"text", Query{Text: "alice"}, []string{f.alice.ID.String()}},
		{"role filter", Query{Role: models.AuthRoleUser}, []string{f.bob.ID.String()}},
		{"verified filter", Query{EmailVerified: &verified}, []string{f.alice.ID.String()}},
		{"paged", Query{From: 1, Size: 1}, []string{f.alice.ID.String()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.Search(context.Background(), tt.query)
			require.NoError(t, err)
			require.False(t, result.Degraded)
			require.Equal(t, SourceIndex, result.Source)

			ids := make([]string, 0, len(result.Users))
			for _, hit := range result.Users {
				ids = append(ids, hit.ID)
			}
			require.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestSearchFallsBackWhenIndexFails(t *testing.T) {
	f := newFixture(t)
	f.srv.FailSearch(true)

	svc := NewService(f.client, readiness(true), f.identities, 0)

	result, err := svc.Search(context.Background(), Query{Text: "alice", From: 0, Size: 10})
	require.NoError(t, err)
	require.True(t, result.Degraded)
	require.Equal(t, SourceFallback, result.Source)
	require.Equal(t, int64(1), result.Total)
	require.Len(t, result.Users, 1)
	require.Equal(t, f.alice.ID.String(), result.Users[0].ID)
	require.Equal(t, "alice@example.com", result.Users[0].Email)
}

func TestSearchFallsBackWhenIndexNotReady(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.client, readiness(false), f.identities, 0)

	result, err := svc.Search(context.Background(), Query{})
	require.NoError(t, err)
	require.True(t, result.Degraded)
	require.Equal(t, int64(2), result.Total)
}

func TestSearchFallsBackOnTimeout(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.client, readiness(true), f.identities, time.Nanosecond)

	result, err := svc.Search(context.Background(), Query{Text: "bob"})
	require.NoError(t, err)
	require.True(t, result.Degraded)
	require.Len(t, result.Users, 1)
}

func TestSearchUnavailable(t *testing.T) {
	f := newFixture(t)
	f.srv.SetDown(true)

	svc := NewService(f.client, readiness(true), failingStore{}, 0)

	_, err := svc.Search(context.Background(), Query{Text: "alice"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, "search unavailable: connection refused", err.Error())
}

func TestBuildQuery(t *testing.T) {
	active := false

	t.Run("text with filters", func(t *testing.T) {
		q := BuildQuery(Query{Text: "  alice  ", Role: models.AuthRoleAdmin, OrgRole: models.OrgRoleSuperAdmin, IsActive: &active, From: 20, Size: 5})

		boolQuery := q["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQuery["must"].([]map[string]any)
		require.Equal(t, map[string]any{
			"query":     "alice",
			"fields":    []string{"name^2", "email^1.5"},
			"type":      "best_fields",
			"fuzziness": "AUTO",
			"operator":  "and",
		}, must[0]["multi_match"])

		require.Equal(t, []map[string]any{
			{"term": map[string]any{"role": "admin"}},
			{"term": map[string]any{"organizationalRole": "SUPER_ADMIN"}},
			{"term": map[string]any{"isActive": false}},
		}, boolQuery["filter"])

		require.Equal(t, 20, q["from"])
		require.Equal(t, 5, q["size"])
	})

	t.Run("no text matches all", func(t *testing.T) {
		q := BuildQuery(Query{From: -3})

		boolQuery := q["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQuery["must"].([]map[string]any)
		require.Contains(t, must[0], "match_all")
		require.Empty(t, boolQuery["filter"])
		require.Equal(t, 0, q["from"])
		require.Equal(t, DefaultSize, q["size"])
	})
}
