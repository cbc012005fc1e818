package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/phishgraph/phishgraph/internal/agent"
	"github.com/phishgraph/phishgraph/internal/auth"
	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/search"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
	"github.com/phishgraph/phishgraph/internal/storage"
)

// GraphStore is the graph backend surface the handlers need.
type GraphStore interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	graph               GraphStore
	jwtMgr              *auth.JWTManager
	investigationSvc    *investigations.Service
	packGen             *packs.Generator
	packCache           *packs.Cache
	searcher            search.Searcher
	logger              *slog.Logger
	openapiSpec         []byte
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Graph, Searcher, PackGen, PackCache, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Graph               GraphStore
	JWTMgr              *auth.JWTManager
	InvestigationSvc    *investigations.Service
	PackGen             *packs.Generator
	PackCache           *packs.Cache
	Searcher            search.Searcher
	Logger              *slog.Logger
	OpenAPISpec         []byte
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		graph:               d.Graph,
		jwtMgr:              d.JWTMgr,
		investigationSvc:    d.InvestigationSvc,
		packGen:             d.PackGen,
		packCache:           d.PackCache,
		searcher:            d.Searcher,
		logger:              d.Logger,
		openapiSpec:         d.OpenAPISpec,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	analyst, err := h.db.GetAnalystByAnalystID(r.Context(), req.AnalystID)
	if err != nil {
		// Burn comparable time so a missing analyst is indistinguishable
		// from a wrong key.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if analyst.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *analyst.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(analyst)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateAnalyst handles POST /v1/analysts (admin-only).
func (h *Handlers) HandleCreateAnalyst(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAnalystRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateAnalystID(req.AnalystID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleAnalyst
	}
	if model.RoleRank(role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role: "+string(role))
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	analyst, err := h.db.CreateAnalyst(r.Context(), model.Analyst{
		AnalystID:  req.AnalystID,
		Name:       req.Name,
		Role:       role,
		APIKeyHash: &hash,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create analyst", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, analyst)
}

// HandleInvestigate handles POST /v1/investigations. Runs the full reasoning
// loop synchronously and returns the persisted investigation.
func (h *Handlers) HandleInvestigate(w http.ResponseWriter, r *http.Request) {
	var req model.InvestigateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	claims := ClaimsFromContext(r.Context())
	inv, err := h.investigationSvc.Investigate(r.Context(), claims.AnalystID, req, nil)
	if err != nil {
		if inv.ID != uuid.Nil {
			// The run failed but the partial record persisted; return it so
			// the analyst can inspect the trace.
			writeJSON(w, r, http.StatusOK, inv)
			return
		}
		h.writeInternalError(w, r, "investigation failed", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, inv)
}

// HandleInvestigateStream handles POST /v1/investigations/stream (SSE).
// Streams reasoning events as they happen and finishes with an
// "investigation" event carrying the persisted record.
func (h *Handlers) HandleInvestigateStream(w http.ResponseWriter, r *http.Request) {
	var req model.InvestigateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Events arrive synchronously from the hop loop running in this
	// goroutine, so writing without a mutex is safe.
	emit := func(ev agent.Event) {
		writeSSE(w, flusher, string(ev.Type), ev)
	}

	claims := ClaimsFromContext(r.Context())
	inv, err := h.investigationSvc.Investigate(r.Context(), claims.AnalystID, req, emit)
	if err != nil && inv.ID == uuid.Nil {
		writeSSE(w, flusher, "error", map[string]string{"message": "investigation failed"})
		h.logger.Error("streamed investigation failed",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	writeSSE(w, flusher, "investigation", inv)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// HandleGetInvestigation handles GET /v1/investigations/{id}.
func (h *Handlers) HandleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid investigation id")
		return
	}

	inv, err := h.investigationSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "investigation not found")
			return
		}
		h.writeInternalError(w, r, "failed to load investigation", err)
		return
	}

	writeJSON(w, r, http.StatusOK, inv)
}

// HandleSimilarInvestigations handles GET /v1/investigations/similar.
// Query params: q (required), subject_id (optional), limit (optional).
func (h *Handlers) HandleSimilarInvestigations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "q is required")
		return
	}

	var subjectID *string
	if s := r.URL.Query().Get("subject_id"); s != "" {
		subjectID = &s
	}
	limit := queryLimit(r, 10)

	similar, err := h.investigationSvc.Similar(r.Context(), query, subjectID, limit)
	if err != nil {
		h.writeInternalError(w, r, "similar-case search failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, similar)
}

// HandleGetPack handles GET /v1/packs/{subject_id}/{type}.
func (h *Handlers) HandleGetPack(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subject_id")
	packType := packs.PackType(r.PathValue("type"))
	if !packType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"unknown pack type: "+string(packType))
		return
	}

	pack, err := h.packGen.GetPack(r.Context(), subjectID, packType)
	if err != nil {
		if errors.Is(err, packs.ErrSubjectNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"subject email not found: "+subjectID)
			return
		}
		h.writeInternalError(w, r, "pack generation failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, pack)
}

// HandleInvalidatePacks handles DELETE /v1/packs/{subject_id} (admin-only).
// Drops every cached pack for the subject so the next read regenerates.
func (h *Handlers) HandleInvalidatePacks(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subject_id")
	cleared := h.packCache.ClearSubject(subjectID)
	writeJSON(w, r, http.StatusOK, map[string]int{"cleared": cleared})
}

// HandleClearAllPacks handles DELETE /v1/packs (admin-only).
func (h *Handlers) HandleClearAllPacks(w http.ResponseWriter, r *http.Request) {
	cleared := h.packCache.ClearAll()
	writeJSON(w, r, http.StatusOK, map[string]int{"cleared": cleared})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "connected"
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	neoStatus := "connected"
	if h.graph == nil {
		neoStatus = "not configured"
	} else if err := h.graph.Healthy(r.Context()); err != nil {
		neoStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Neo4j:    neoStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Qdrant is optional; an outage degrades similar-case recall but does
	// not block investigations.
	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates the initial admin analyst if the analysts table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	count, err := h.db.CountAnalysts(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count analysts: %w", err)
	}
	if count > 0 {
		h.logger.Info("analysts table not empty, skipping admin seed")
		return nil
	}

	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: PHISHGRAPH_ADMIN_API_KEY is empty and no analysts exist; set it to bootstrap initial admin access")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	_, err = h.db.CreateAnalyst(ctx, model.Analyst{
		AnalystID:  "admin",
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create analyst: %w", err)
	}

	h.logger.Info("seeded initial admin analyst")
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 100

// queryLimit returns a bounded limit value from query params, clamped to
// [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

var _ GraphStore = (*graph.Store)(nil)
