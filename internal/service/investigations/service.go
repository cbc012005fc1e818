// Package investigations coordinates a full investigation: running the
// reasoning loop, persisting the outcome, and feeding similar-case recall.
package investigations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/phishgraph/phishgraph/internal/agent"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/search"
	"github.com/phishgraph/phishgraph/internal/service/embedding"
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateInvestigation(ctx context.Context, inv model.Investigation) (model.Investigation, error)
	GetInvestigation(ctx context.Context, id uuid.UUID) (model.Investigation, error)
	GetInvestigationsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Investigation, error)
	SetInvestigationEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error
	ListInvestigationIDsMissingEmbedding(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Investigator runs the multi-hop reasoning loop.
type Investigator interface {
	RunWithEvents(ctx context.Context, req agent.Request, emit agent.EmitFunc) (agent.Outcome, error)
}

// Service orchestrates investigations end to end.
type Service struct {
	store        Store
	orchestrator Investigator
	embedder     embedding.Provider
	searcher     search.Searcher
	logger       *slog.Logger
}

// New creates a Service. searcher may be nil when no vector index is
// configured; Similar then returns an error and everything else works.
func New(store Store, orchestrator Investigator, embedder embedding.Provider, searcher search.Searcher, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		orchestrator: orchestrator,
		embedder:     embedder,
		searcher:     searcher,
		logger:       logger,
	}
}

// Investigate runs the reasoning loop for req and persists the outcome,
// including partial traces from failed runs. Events are forwarded to emit
// as they happen; emit may be nil.
func (s *Service) Investigate(ctx context.Context, analystID string, req model.InvestigateRequest, emit agent.EmitFunc) (model.Investigation, error) {
	if err := req.Validate(); err != nil {
		return model.Investigation{}, fmt.Errorf("investigations: %w", err)
	}

	started := time.Now().UTC()
	outcome, runErr := s.orchestrator.RunWithEvents(ctx, agent.Request{
		SubjectID: req.SubjectID,
		Question:  req.Question,
		MaxHops:   req.MaxHops,
	}, emit)

	trace := []byte("[]")
	if outcome.Trace != nil {
		if data, err := json.Marshal(outcome.Trace); err == nil {
			trace = data
		} else {
			s.logger.Error("investigations: marshal trace", "error", err)
		}
	}

	completed := time.Now().UTC()
	inv := model.Investigation{
		AnalystID:   analystID,
		SubjectID:   req.SubjectID,
		Question:    req.Question,
		Answer:      outcome.Answer,
		State:       string(outcome.State),
		Trace:       trace,
		Hops:        outcome.Hops,
		TokensUsed:  outcome.TokensUsed,
		CreatedAt:   started,
		CompletedAt: &completed,
	}

	saved, saveErr := s.store.CreateInvestigation(ctx, inv)
	if saveErr != nil {
		// The reasoning already happened; losing the record is the worse
		// failure, so it wins over runErr in the return.
		return model.Investigation{}, fmt.Errorf("investigations: persist: %w", saveErr)
	}

	if runErr == nil {
		s.embedInvestigation(ctx, saved)
	}

	s.logger.Info("investigations: completed",
		"id", saved.ID, "subject", saved.SubjectID, "state", saved.State,
		"hops", saved.Hops, "tokens", saved.TokensUsed)

	if runErr != nil {
		return saved, fmt.Errorf("investigations: run: %w", runErr)
	}
	return saved, nil
}

// embedInvestigation computes and stores the recall embedding. Best-effort:
// a failure leaves the row without an embedding for BackfillEmbeddings to
// pick up later.
func (s *Service) embedInvestigation(ctx context.Context, inv model.Investigation) {
	vec, err := s.embedder.Embed(ctx, embeddingText(inv))
	if err != nil {
		s.logger.Warn("investigations: embed failed, leaving for backfill", "id", inv.ID, "error", err)
		return
	}
	if err := s.store.SetInvestigationEmbedding(ctx, inv.ID, vec); err != nil {
		s.logger.Warn("investigations: store embedding failed", "id", inv.ID, "error", err)
	}
}

func embeddingText(inv model.Investigation) string {
	return inv.Question + "\n" + inv.Answer
}

// Get returns a persisted investigation by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Investigation, error) {
	return s.store.GetInvestigation(ctx, id)
}

// Similar returns past investigations similar to the query text, re-scored
// with recency decay. subjectID, when non-nil, restricts hits to one
// subject email.
func (s *Service) Similar(ctx context.Context, query string, subjectID *string, limit int) ([]model.SimilarInvestigation, error) {
	if s.searcher == nil {
		return nil, fmt.Errorf("investigations: similar-case recall is not configured")
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("investigations: embed query: %w", err)
	}

	hits, err := s.searcher.Search(ctx, vec.Slice(), subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("investigations: search: %w", err)
	}
	if len(hits) == 0 {
		return []model.SimilarInvestigation{}, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.InvestigationID
	}
	invs, err := s.store.GetInvestigationsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("investigations: hydrate: %w", err)
	}

	byID := make(map[uuid.UUID]model.Investigation, len(invs))
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	return search.ReScore(hits, byID, limit), nil
}

// BackfillEmbeddings embeds investigations that are missing embeddings,
// in batches, and returns how many were filled. Run at startup to catch
// rows whose inline embedding failed.
func (s *Service) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	ids, err := s.store.ListInvestigationIDsMissingEmbedding(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("investigations: list missing embeddings: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	invs, err := s.store.GetInvestigationsByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("investigations: load for backfill: %w", err)
	}

	texts := make([]string, len(invs))
	for i, inv := range invs {
		texts[i] = embeddingText(inv)
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("investigations: backfill embed: %w", err)
	}

	filled := 0
	for i, inv := range invs {
		if err := s.store.SetInvestigationEmbedding(ctx, inv.ID, vecs[i]); err != nil {
			s.logger.Warn("investigations: backfill store embedding", "id", inv.ID, "error", err)
			continue
		}
		filled++
	}
	return filled, nil
}
