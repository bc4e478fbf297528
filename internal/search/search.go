package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
	"github.com/wolfeidau/identity-index/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable is returned when neither the index nor the system of record can answer.
var ErrUnavailable = errors.New("search unavailable")

const (
	// DefaultQueryTimeout bounds a single index query.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultSize is the page size used when none is given.
	DefaultSize = 10

	SourceIndex    = "elasticsearch"
	SourceFallback = "postgresql_fallback"
)

// IndexSearcher executes a query DSL body against the search index.
type IndexSearcher interface {
	Search(ctx context.Context, query any) (*index.SearchResponse, error)
}

// Readiness reports whether the index has been bootstrapped.
type Readiness interface {
	Ready() bool
}

// Query is a search over identities. Empty fields do not filter.
type Query struct {
	Text          string
	Role          models.AuthRole
	OrgRole       models.OrgRole
	IsActive      *bool
	EmailVerified *bool
	From          int
	Size          int
}

// Hit is a single identity returned by a search.
type Hit struct {
	index.Document
	Score     *float64            `json:"score,omitempty"`
	Highlight map[string][]string `json:"highlight,omitempty"`
}

// Result holds a page of matching identities.
type Result struct {
	Users  []Hit
	Total  int64
	TookMs int64

	// Degraded is set when the index could not answer and the system of record was used.
	Degraded bool
	Source   string
}

// Service answers identity searches from the index, falling back to the system of record.
type Service struct {
	index   IndexSearcher
	ready   Readiness
	store   store.IdentityStore
	timeout time.Duration
}

// NewService creates a search service. A zero timeout uses DefaultQueryTimeout.
func NewService(idx IndexSearcher, ready Readiness, identities store.IdentityStore, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Service{index: idx, ready: ready, store: identities, timeout: timeout}
}

// Search runs q against the index. Any index failure, including a timeout or an index that
// has not been bootstrapped, is answered from the system of record with Degraded set.
func (s *Service) Search(ctx context.Context, q Query) (*Result, error) {
	q = normalize(q)
	started := time.Now()
	m := telemetry.GetMetrics()
	m.SearchRequestsTotal.Add(ctx, 1)

	var reason error
	if s.ready != nil && !s.ready.Ready() {
		reason = errors.New("index not ready")
	} else {
		result, err := s.searchIndex(ctx, q)
		if err == nil {
			m.SearchDuration.Record(ctx, msSince(started), metric.WithAttributes(attribute.String("source", SourceIndex)))
			return result, nil
		}
		reason = err
	}

	log.Warn().
		Err(reason).
		Str("query", q.Text).
		Msg("Index search failed, falling back to system of record")
	m.SearchFallbacksTotal.Add(ctx, 1)

	result, err := s.searchStore(ctx, q, started)
	if err != nil {
		log.Error().
			Err(err).
			Str("query", q.Text).
			Msg("Fallback search failed")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.SearchDuration.Record(ctx, msSince(started), metric.WithAttributes(attribute.String("source", SourceFallback)))
	return result, nil
}

func (s *Service) searchIndex(ctx context.Context, q Query) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.index.Search(ctx, BuildQuery(q))
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		doc := h.Source
		if doc.ID == "" {
			doc.ID = h.ID
		}
		hits = append(hits, Hit{Document: doc, Score: h.Score, Highlight: h.Highlight})
	}

	return &Result{
		Users:  hits,
		Total:  res.Hits.Total.Value,
		TookMs: res.Took,
		Source: SourceIndex,
	}, nil
}

func (s *Service) searchStore(ctx context.Context, q Query, started time.Time) (*Result, error) {
	identities, total, err := s.store.Search(ctx, store.IdentityQuery{
		Text:          q.Text,
		Role:          q.Role,
		OrgRole:       q.OrgRole,
		IsActive:      q.IsActive,
		EmailVerified: q.EmailVerified,
		Offset:        q.From,
		Limit:         q.Size,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(identities))
	for _, identity := range identities {
		hits = append(hits, Hit{Document: index.FromIdentity(identity)})
	}

	return &Result{
		Users:    hits,
		Total:    total,
		TookMs:   time.Since(started).Milliseconds(),
		Degraded: true,
		Source:   SourceFallback,
	}, nil
}

// BuildQuery renders q as an Elasticsearch query DSL body.
func BuildQuery(q Query) map[string]any {
	q = normalize(q)

	must := map[string]any{"match_all": map[string]any{}}
	if q.Text != "" {
		must = map[string]any{
			"multi_match": map[string]any{
				"query":     q.Text,
				"fields":    []string{"name^2", "email^1.5"},
				"type":      "best_fields",
				"fuzziness": "AUTO",
				"operator":  "and",
			},
		}
	}

	filters := []map[string]any{}
	term := func(field string, value any) {
		filters = append(filters, map[string]any{"term": map[string]any{field: value}})
	}
	if q.Role != "" {
		term("role", string(q.Role))
	}
	if q.OrgRole != "" {
		term("organizationalRole", string(q.OrgRole))
	}
	if q.IsActive != nil {
		term("isActive", *q.IsActive)
	}
	if q.EmailVerified != nil {
		term("emailVerified", *q.EmailVerified)
	}

	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{must},
				"filter": filters,
			},
		},
		"sort": []map[string]any{
			{"updatedAt": map[string]any{"order": "desc"}},
		},
		"highlight": map[string]any{
			"fields": map[string]any{
				"name":  map[string]any{},
				"email": map[string]any{},
			},
		},
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": true,
	}
}

func normalize(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.Size <= 0 {
		q.Size = DefaultSize
	}
	q.From = max(q.From, 0)
	return q
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
