package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/account"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/search"
)

const (
	defaultPageSize = 10
	maxBodyBytes    = 64 * 1024
	healthTimeout   = 2 * time.Second

	// maxResultWindow matches the index's default index.max_result_window; pages reaching
	// past it are rejected by the cluster.
	maxResultWindow = 10000
)

type envelope struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

type searchInfo struct {
	Query    string `json:"query"`
	Took     int64  `json:"took"`
	Total    int64  `json:"total"`
	Source   string `json:"source"`
	Degraded bool   `json:"degraded"`
}

type searchData struct {
	Users      []search.Hit `json:"users"`
	Pagination pagination   `json:"pagination"`
	SearchInfo searchInfo   `json:"searchInfo"`
}

type userData struct {
	User index.Document `json:"user"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q, page, limit, err := s.parseSearchQuery(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.searcher.Search(r.Context(), q)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("query", q.Text).Msg("Search failed")
		if errors.Is(err, search.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, search.ErrUnavailable.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	users := result.Users
	if users == nil {
		users = []search.Hit{}
	}

	totalPages := (result.Total + int64(limit) - 1) / int64(limit)

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: searchData{
			Users: users,
			Pagination: pagination{
				Page:       page,
				Limit:      limit,
				Total:      result.Total,
				TotalPages: totalPages,
			},
			SearchInfo: searchInfo{
				Query:    q.Text,
				Took:     result.TookMs,
				Total:    result.Total,
				Source:   result.Source,
				Degraded: result.Degraded,
			},
		},
	})
}

func (s *Server) parseSearchQuery(params url.Values) (search.Query, int, int, error) {
	q := search.Query{Text: strings.TrimSpace(params.Get("q"))}

	page, err := positiveInt(params.Get("page"), 1)
	if err != nil {
		return q, 0, 0, errors.New("page must be a positive integer")
	}
	limit, err := positiveInt(params.Get("limit"), defaultPageSize)
	if err != nil {
		return q, 0, 0, errors.New("limit must be a positive integer")
	}
	limit = min(limit, s.cfg.MaxPageSize)

	// page*limit > maxResultWindow, without the multiplication overflowing
	if page > maxResultWindow/limit {
		return q, 0, 0, fmt.Errorf("page and limit must not reach past the first %d results", maxResultWindow)
	}

	if role := params.Get("role"); role != "" {
		switch models.AuthRole(role) {
		case models.AuthRoleAdmin, models.AuthRoleUser:
			q.Role = models.AuthRole(role)
		default:
			return q, 0, 0, errors.New("role must be one of admin, user")
		}
	}

	if orgRole := params.Get("orgRole"); orgRole != "" {
		if !models.OrgRole(orgRole).Valid() {
			return q, 0, 0, errors.New("orgRole must be one of SUPER_ADMIN, ADMIN, USER")
		}
		q.OrgRole = models.OrgRole(orgRole)
	}

	if q.IsActive, err = optionalBool(params.Get("isActive")); err != nil {
		return q, 0, 0, errors.New("isActive must be true or false")
	}
	if q.EmailVerified, err = optionalBool(params.Get("emailVerified")); err != nil {
		return q, 0, 0, errors.New("emailVerified must be true or false")
	}

	q.From = (page - 1) * limit
	q.Size = limit
	return q, page, limit, nil
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req account.SignUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	identity, err := s.accounts.SignUp(r.Context(), req)
	if err != nil {
		var verr *account.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, envelope{Error: "validation failed", Fields: verr.Fields})
		case errors.Is(err, account.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Sign-up failed")
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: userData{User: index.FromIdentity(identity)}})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	identity, err := s.accounts.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, account.ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Email verification failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: userData{User: index.FromIdentity(identity)}})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Index    string `json:"index"`
}

// handleHealth reports 503 only when the system of record is unreachable; an index that is
// not ready leaves search answering from the fallback, which is reported as degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Index: "ready"}
	status := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Database health check failed")
			resp.Status = "error"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	if s.index != nil && !s.index.Ready() {
		resp.Index = "not_ready"
		if status == http.StatusOK {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}

func positiveInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func optionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
