package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishgraph/phishgraph/internal/auth"
	"github.com/phishgraph/phishgraph/internal/model"
)

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
	return r.WithContext(ctx)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		claims     *auth.Claims
		minimum    model.AnalystRole
		wantStatus int
	}{
		{"no claims", nil, model.RoleReader, http.StatusUnauthorized},
		{"reader denied analyst route", &auth.Claims{Role: model.RoleReader}, model.RoleAnalyst, http.StatusForbidden},
		{"analyst allowed", &auth.Claims{Role: model.RoleAnalyst}, model.RoleAnalyst, http.StatusOK},
		{"admin allowed everywhere", &auth.Claims{Role: model.RoleAdmin}, model.RoleAnalyst, http.StatusOK},
		{"analyst denied admin route", &auth.Claims{Role: model.RoleAnalyst}, model.RoleAdmin, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := requireRole(tt.minimum)(okHandler)
			req := httptest.NewRequest("GET", "/", nil)
			if tt.claims != nil {
				req = withClaims(req, tt.claims)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

type stubLimiter struct {
	allowed bool
	err     error
	lastKey string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.lastKey = key
	return s.allowed, s.err
}

func (s *stubLimiter) Close() error { return nil }

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("denied", func(t *testing.T) {
		limiter := &stubLimiter{allowed: false}
		handler := rateLimitMiddleware(limiter, logger, okHandler)
		req := withClaims(httptest.NewRequest("GET", "/", nil),
			&auth.Claims{AnalystID: "alice", Role: model.RoleAnalyst})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "analyst:alice", limiter.lastKey)
	})

	t.Run("admin exempt", func(t *testing.T) {
		limiter := &stubLimiter{allowed: false}
		handler := rateLimitMiddleware(limiter, logger, okHandler)
		req := withClaims(httptest.NewRequest("GET", "/", nil),
			&auth.Claims{AnalystID: "admin", Role: model.RoleAdmin})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, limiter.lastKey)
	})

	t.Run("fails open on limiter error", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("redis down")}
		handler := rateLimitMiddleware(limiter, logger, okHandler)
		req := withClaims(httptest.NewRequest("GET", "/", nil),
			&auth.Claims{AnalystID: "alice", Role: model.RoleAnalyst})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"subject_id":"m","bogus":1}`))
	var target model.InvestigateRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeJSONEnforcesBodyLimit(t *testing.T) {
	body := `{"subject_id":"` + strings.Repeat("x", 100) + `"}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	var target model.InvestigateRequest
	err := decodeJSON(httptest.NewRecorder(), req, &target, 16)
	require.Error(t, err)

	var maxBytesErr *http.MaxBytesError
	assert.ErrorAs(t, err, &maxBytesErr)
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(slog.New(slog.DiscardHandler), panicky)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}
