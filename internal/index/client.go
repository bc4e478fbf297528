package index

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// DefaultIndexName is the index holding identity documents.
const DefaultIndexName = "lha_users"

//go:embed mapping.json
var mapping []byte

// Mapping returns the index settings and field mapping used when creating the index.
func Mapping() []byte {
	return bytes.Clone(mapping)
}

// ErrNotFound is returned when the index or a document does not exist.
var ErrNotFound = errors.New("not found")

// Config holds configuration for the Elasticsearch client.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	IndexName string

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client performs the index operations needed by the bootstrapper, writer and search service
// against a single named index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// NewClient creates an Elasticsearch client. Retries are disabled; callers own their retry policy.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one elasticsearch address is required")
	}

	name := cfg.IndexName
	if name == "" {
		name = DefaultIndexName
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    cfg.Transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{es: es, index: name}, nil
}

// IndexName returns the name of the managed index.
func (c *Client) IndexName() string {
	return c.index
}

// Ping checks the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return checkResponse(res, "ping")
}

// IndexExists reports whether the managed index exists.
func (c *Client) IndexExists(ctx context.Context) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{c.index}}.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("index exists check failed: %w", err)
	}

	err = checkResponse(res, "index exists")
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CreateIndex creates the managed index with the embedded mapping.
// An index that already exists is not an error.
func (c *Client) CreateIndex(ctx context.Context) error {
	res, err := esapi.IndicesCreateRequest{
		Index: c.index,
		Body:  bytes.NewReader(mapping),
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("create index failed: %w", err)
	}

	err = checkResponse(res, "create index")
	var respErr *ResponseError
	if errors.As(err, &respErr) && respErr.Type == "resource_already_exists_exception" {
		return nil
	}
	return err
}

// FieldTypes returns the top-level field types of the managed index's live mapping.
func (c *Client) FieldTypes(ctx context.Context) (map[string]string, error) {
	res, err := esapi.IndicesGetMappingRequest{Index: []string{c.index}}.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("get mapping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res, "get mapping")
	}

	var out map[string]mappingBody
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode mapping: %w", err)
	}

	// the response is keyed by concrete index name, which differs from c.index behind an alias
	for _, m := range out {
		return m.fieldTypes(), nil
	}
	return nil, &ResponseError{Op: "get mapping", Status: http.StatusNotFound}
}

type mappingBody struct {
	Mappings struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	} `json:"mappings"`
}

func (m mappingBody) fieldTypes() map[string]string {
	types := make(map[string]string, len(m.Mappings.Properties))
	for name, prop := range m.Mappings.Properties {
		types[name] = prop.Type
	}
	return types
}

// expectedFieldTypes returns the field types declared by the embedded mapping.
func expectedFieldTypes() (map[string]string, error) {
	var m mappingBody
	if err := json.Unmarshal(mapping, &m); err != nil {
		return nil, fmt.Errorf("failed to decode embedded mapping: %w", err)
	}
	return m.fieldTypes(), nil
}

// PutDocument replaces the document with the given id, waiting for it to become searchable.
func (c *Client) PutDocument(ctx context.Context, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    "wait_for",
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("index document failed: %w", err)
	}
	return checkResponse(res, "index document")
}

// UpdateDocument merges fields into the document with the given id, creating it from
// those fields when it does not exist.
func (c *Client) UpdateDocument(ctx context.Context, id string, fields any) error {
	body, err := json.Marshal(map[string]any{
		"doc":           fields,
		"doc_as_upsert": true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	res, err := esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    "wait_for",
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("update document failed: %w", err)
	}
	return checkResponse(res, "update document")
}

// DeleteDocument removes the document with the given id. A missing document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	res, err := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: id,
		Refresh:    "wait_for",
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}

	err = checkResponse(res, "delete document")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SearchResponse is the subset of the search API response the service consumes.
type SearchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []SearchHit `json:"hits"`
	} `json:"hits"`
}

// SearchHit is a single matching document.
type SearchHit struct {
	ID        string              `json:"_id"`
	Score     *float64            `json:"_score"`
	Source    Document            `json:"_source"`
	Highlight map[string][]string `json:"highlight,omitempty"`
}

// Search runs a query DSL body against the managed index.
func (c *Client) Search(ctx context.Context, query any) (*SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res, "search")
	}

	var out SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &out, nil
}

// ResponseError is an error status returned by Elasticsearch.
type ResponseError struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: elasticsearch returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: elasticsearch returned status %d: %s: %s", e.Op, e.Status, e.Type, e.Reason)
}

func (e *ResponseError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// checkResponse drains and closes the body, returning a *ResponseError for error statuses.
func checkResponse(res *esapi.Response, op string) error {
	defer res.Body.Close()

	if res.IsError() {
		return decodeError(res, op)
	}

	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func decodeError(res *esapi.Response, op string) error {
	respErr := &ResponseError{Op: op, Status: res.StatusCode}

	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if res.Body != nil {
		if err := json.NewDecoder(res.Body).Decode(&body); err == nil {
			respErr.Type = body.Error.Type
			respErr.Reason = body.Error.Reason
		}
	}

	return respErr
}
