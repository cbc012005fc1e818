// Package search provides similar-case recall over past investigations,
// backed by a Qdrant vector index fed through a transactional outbox.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/phishgraph/phishgraph/internal/model"
)

// Result holds an investigation ID and its raw similarity score from the
// index. The caller hydrates full Investigation rows from Postgres, which
// remains the source of truth.
type Result struct {
	InvestigationID uuid.UUID
	Score           float32
}

// Searcher is the interface for the vector index.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns investigation IDs similar to the query vector.
	// subjectID, when non-nil, restricts hits to that subject email.
	Search(ctx context.Context, embedding []float32, subjectID *string, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// ReScore applies recency decay to raw similarity scores, sorts descending,
// and truncates to limit. Old investigations fade: a 90-day-old case scores
// half of an identical fresh one.
func ReScore(results []Result, invs map[uuid.UUID]model.Investigation, limit int) []model.SimilarInvestigation {
	now := time.Now()
	scored := make([]model.SimilarInvestigation, 0, len(results))

	for _, r := range results {
		inv, ok := invs[r.InvestigationID]
		if !ok {
			// Deleted between index search and Postgres hydration.
			continue
		}

		ageDays := math.Max(0, now.Sub(inv.CreatedAt).Hours()/24.0)
		recencyDecay := 1.0 / (1.0 + ageDays/90.0)
		relevance := float64(r.Score) * recencyDecay

		scored = append(scored, model.SimilarInvestigation{
			Investigation: inv,
			Score:         float32(math.Min(relevance, 1.0)),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
