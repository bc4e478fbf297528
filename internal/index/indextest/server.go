// Package indextest provides an in-memory stand-in for the subset of the Elasticsearch
// HTTP API used by the index package.
package indextest

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"
)

// Server is an in-memory Elasticsearch fake with failure injection.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	indices      map[string]map[string]map[string]any // index -> id -> source
	mappings     map[string]map[string]string         // index -> field -> type
	pingFailures int
	down         bool
	failSearch   bool
	failWrites   bool
	creates      int
	autoCreates  int
	pings        int
}

// NewServer starts a fake cluster. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		indices:  make(map[string]map[string]map[string]any),
		mappings: make(map[string]map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailPings makes the next n ping requests return 503.
func (s *Server) FailPings(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingFailures = n
}

// SetDown makes every request return 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailSearch makes search requests return 500.
func (s *Server) FailSearch(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSearch = fail
}

// FailWrites makes document writes return 503.
func (s *Server) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// IndexCreates returns how many index creations succeeded.
func (s *Server) IndexCreates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// IndexAutoCreates returns how many indices were created implicitly by a document write,
// the way a real cluster does when the index is missing.
func (s *Server) IndexAutoCreates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCreates
}

// FieldType returns the mapped type of a field, or "" when the field is unmapped.
func (s *Server) FieldType(index, field string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[index][field]
}

// Pings returns how many ping requests were received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// IndexExists reports whether the named index has been created.
func (s *Server) IndexExists(index string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[index]
	return ok
}

// Document returns a copy of the stored source for id.
func (s *Server) Document(index, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.indices[index][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(doc), true
}

// Count returns the number of documents in the index.
func (s *Server) Count(index string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.indices[index])
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "cluster is down")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if parts[0] == "" {
		parts = nil
	}

	switch {
	case len(parts) == 0:
		s.ping(w)
	case len(parts) == 1 && r.Method == http.MethodHead:
		if _, ok := s.indices[parts[0]]; ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case len(parts) == 1 && r.Method == http.MethodPut:
		s.createIndex(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "_mapping":
		s.getMapping(w, parts[0])
	case len(parts) == 2 && parts[1] == "_search":
		s.search(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodDelete:
		s.deleteDoc(w, parts[0], parts[2])
	case len(parts) == 3 && parts[1] == "_doc":
		s.putDoc(w, r, parts[0], parts[2])
	case len(parts) == 3 && parts[1] == "_update":
		s.updateDoc(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusBadRequest, "illegal_argument_exception", "unsupported request "+r.Method+" "+r.URL.Path)
	}
}

func (s *Server) ping(w http.ResponseWriter) {
	s.pings++
	if s.pingFailures > 0 {
		s.pingFailures--
		writeError(w, http.StatusServiceUnavailable, "unavailable", "not yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tagline": "You Know, for Search"})
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request, index string) {
	if _, ok := s.indices[index]; ok {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception", "index ["+index+"] already exists")
		return
	}

	var body struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
			return
		}
	}

	fields := make(map[string]string, len(body.Mappings.Properties))
	for name, prop := range body.Mappings.Properties {
		fields[name] = prop.Type
	}

	s.indices[index] = make(map[string]map[string]any)
	s.mappings[index] = fields
	s.creates++
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": index})
}

func (s *Server) getMapping(w http.ResponseWriter, index string) {
	fields, ok := s.mappings[index]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+index+"]")
		return
	}

	props := make(map[string]any, len(fields))
	for name, typ := range fields {
		props[name] = map[string]any{"type": typ}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		index: map[string]any{"mappings": map[string]any{"properties": props}},
	})
}

func (s *Server) docs(w http.ResponseWriter, index string) (map[string]map[string]any, bool) {
	docs, ok := s.indices[index]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+index+"]")
	}
	return docs, ok
}

// writableDocs returns the documents of index, creating the index with no explicit
// mapping when it is missing.
func (s *Server) writableDocs(index string) map[string]map[string]any {
	docs, ok := s.indices[index]
	if !ok {
		docs = make(map[string]map[string]any)
		s.indices[index] = docs
		s.mappings[index] = make(map[string]string)
		s.autoCreates++
	}
	return docs
}

// mapDynamic adds types for fields the index has not seen, guessing them from the JSON
// values the way dynamic mapping does.
func (s *Server) mapDynamic(index string, source map[string]any) {
	fields := s.mappings[index]
	for name, v := range source {
		if _, ok := fields[name]; ok {
			continue
		}
		switch v := v.(type) {
		case bool:
			fields[name] = "boolean"
		case float64:
			fields[name] = "float"
		case string:
			if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
				fields[name] = "date"
			} else {
				fields[name] = "text"
			}
		}
	}
}

func (s *Server) putDoc(w http.ResponseWriter, r *http.Request, index, id string) {
	if s.failWrites {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "writes disabled")
		return
	}

	var source map[string]any
	if err := json.NewDecoder(r.Body).Decode(&source); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	docs := s.writableDocs(index)
	s.mapDynamic(index, source)

	result, status := "created", http.StatusCreated
	if _, exists := docs[id]; exists {
		result, status = "updated", http.StatusOK
	}
	docs[id] = source
	writeJSON(w, status, map[string]any{"_id": id, "result": result})
}

func (s *Server) updateDoc(w http.ResponseWriter, r *http.Request, index, id string) {
	if s.failWrites {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "writes disabled")
		return
	}

	var body struct {
		Doc         map[string]any `json:"doc"`
		DocAsUpsert bool           `json:"doc_as_upsert"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	docs := s.writableDocs(index)
	s.mapDynamic(index, body.Doc)

	existing, exists := docs[id]
	if !exists {
		if !body.DocAsUpsert {
			writeError(w, http.StatusNotFound, "document_missing_exception", "["+id+"]: document missing")
			return
		}
		docs[id] = body.Doc
		writeJSON(w, http.StatusCreated, map[string]any{"_id": id, "result": "created"})
		return
	}

	maps.Copy(existing, body.Doc)
	writeJSON(w, http.StatusOK, map[string]any{"_id": id, "result": "updated"})
}

func (s *Server) deleteDoc(w http.ResponseWriter, index, id string) {
	if s.failWrites {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "writes disabled")
		return
	}
	docs, ok := s.docs(w, index)
	if !ok {
		return
	}

	if _, exists := docs[id]; !exists {
		writeJSON(w, http.StatusNotFound, map[string]any{"_id": id, "result": "not_found"})
		return
	}
	delete(docs, id)
	writeJSON(w, http.StatusOK, map[string]any{"_id": id, "result": "deleted"})
}

// search understands the query shape built by the search package: a bool query whose must
// clause is match_all or multi_match, with term filters. Text matching is a case-insensitive
// substring match of every term against name or email.
func (s *Server) search(w http.ResponseWriter, r *http.Request, index string) {
	if s.failSearch {
		writeError(w, http.StatusInternalServerError, "search_phase_execution_exception", "all shards failed")
		return
	}
	docs, ok := s.docs(w, index)
	if !ok {
		return
	}

	var req struct {
		From  int `json:"from"`
		Size  int `json:"size"`
		Query struct {
			Bool struct {
				Must []struct {
					MultiMatch *struct {
						Query string `json:"query"`
					} `json:"multi_match"`
				} `json:"must"`
				Filter []struct {
					Term map[string]any `json:"term"`
				} `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	if req.Size == 0 {
		req.Size = 10
	}

	var terms []string
	for _, must := range req.Query.Bool.Must {
		if must.MultiMatch != nil {
			terms = append(terms, strings.Fields(strings.ToLower(must.MultiMatch.Query))...)
		}
	}

	var matched []map[string]any
	for id, doc := range docs {
		if !matchesTerms(doc, terms) {
			continue
		}
		if !matchesFilters(doc, req.Query.Bool.Filter) {
			continue
		}
		hit := maps.Clone(doc)
		hit["_id"] = id
		matched = append(matched, hit)
	}

	slices.SortFunc(matched, func(a, b map[string]any) int {
		return parseTime(b["updatedAt"]).Compare(parseTime(a["updatedAt"]))
	})

	total := len(matched)
	start := min(req.From, total)
	end := min(start+req.Size, total)

	hits := make([]map[string]any, 0, end-start)
	for _, doc := range matched[start:end] {
		id := doc["_id"].(string)
		delete(doc, "_id")
		hits = append(hits, map[string]any{"_id": id, "_index": index, "_score": nil, "_source": doc})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"took": 1,
		"hits": map[string]any{
			"total": map[string]any{"value": total, "relation": "eq"},
			"hits":  hits,
		},
	})
}

func matchesTerms(doc map[string]any, terms []string) bool {
	name, _ := doc["name"].(string)
	email, _ := doc["email"].(string)
	haystack := strings.ToLower(name + " " + email)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func matchesFilters(doc map[string]any, filters []struct {
	Term map[string]any `json:"term"`
}) bool {
	for _, f := range filters {
		for field, want := range f.Term {
			if doc[field] != want {
				return false
			}
		}
	}
	return true
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  map[string]any{"type": typ, "reason": reason},
		"status": status,
	})
}
