package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlgorithmResultLimit caps the number of scored nodes an algorithm returns.
const AlgorithmResultLimit = 200

// algorithmSpec describes one supported GDS algorithm: the stream procedure
// to call and the YIELD column carrying the per-node score.
type algorithmSpec struct {
	procedure   string
	scoreColumn string
}

var supportedAlgorithms = map[string]algorithmSpec{
	"pagerank":    {procedure: "gds.pageRank.stream", scoreColumn: "score"},
	"betweenness": {procedure: "gds.betweenness.stream", scoreColumn: "score"},
	"degree":      {procedure: "gds.degree.stream", scoreColumn: "score"},
	"louvain":     {procedure: "gds.louvain.stream", scoreColumn: "communityId"},
}

// Default projection covering the whole email graph. Used when the caller
// does not supply custom projection queries.
const (
	defaultNodeQuery = `MATCH (n) WHERE n:User OR n:Email OR n:Link RETURN id(n) AS id`
	defaultRelQuery  = `MATCH (a)-[r]->(b) RETURN id(a) AS source, id(b) AS target, type(r) AS type`
)

// AlgorithmRequest names an algorithm and optionally customizes its
// projection. GraphName, when set, targets an existing named projection and
// skips projection lifecycle management entirely.
type AlgorithmRequest struct {
	Algorithm         string
	NodeQuery         string
	RelationshipQuery string
	GraphName         string
}

// AlgorithmRunner executes GDS algorithms over ephemeral Cypher projections.
// Ephemeral projections are always dropped, including when the algorithm
// call fails, so repeated runs cannot accumulate projections in the GDS
// catalog.
type AlgorithmRunner struct {
	runner Runner
	logger *slog.Logger
}

// NewAlgorithmRunner creates an AlgorithmRunner over the given runner.
func NewAlgorithmRunner(runner Runner, logger *slog.Logger) *AlgorithmRunner {
	return &AlgorithmRunner{runner: runner, logger: logger}
}

// SupportedAlgorithms returns the algorithm names accepted by Run, sorted.
func SupportedAlgorithms() []string {
	names := make([]string, 0, len(supportedAlgorithms))
	for name := range supportedAlgorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run projects the requested subgraph, streams the algorithm over it, and
// returns the top nodes by descending score.
func (a *AlgorithmRunner) Run(ctx context.Context, req AlgorithmRequest) Result {
	spec, ok := supportedAlgorithms[strings.ToLower(req.Algorithm)]
	if !ok {
		return Failure("", nil, "UnsupportedAlgorithm",
			fmt.Sprintf("graph: unsupported algorithm %q; supported: %s",
				req.Algorithm, strings.Join(SupportedAlgorithms(), ", ")))
	}

	graphName := req.GraphName
	if graphName == "" {
		graphName = "phishgraph-tmp-" + uuid.NewString()

		nodeQuery := req.NodeQuery
		if nodeQuery == "" {
			nodeQuery = defaultNodeQuery
		}
		relQuery := req.RelationshipQuery
		if relQuery == "" {
			relQuery = defaultRelQuery
		}

		projectParams := map[string]any{
			"name":      graphName,
			"nodeQuery": nodeQuery,
			"relQuery":  relQuery,
		}
		if _, err := a.runner.Run(ctx,
			`CALL gds.graph.project.cypher($name, $nodeQuery, $relQuery)`,
			projectParams,
		); err != nil {
			return Failure("gds.graph.project.cypher", projectParams, errorCode(err),
				fmt.Sprintf("graph: project %s: %v", req.Algorithm, err))
		}

		// Drop on a fresh short-deadline context: the projection must go away
		// even when ctx was cancelled mid-algorithm.
		defer func() {
			dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if _, err := a.runner.Run(dropCtx,
				`CALL gds.graph.drop($name, false)`,
				map[string]any{"name": graphName},
			); err != nil {
				a.logger.Warn("graph: drop projection failed", "graph", graphName, "error", err)
			}
		}()
	}

	streamQuery := fmt.Sprintf(
		`CALL %s($name) YIELD nodeId, %s
		 RETURN gds.util.asNode(nodeId).id AS id, labels(gds.util.asNode(nodeId)) AS labels, %s AS score
		 ORDER BY score DESC LIMIT %d`,
		spec.procedure, spec.scoreColumn, spec.scoreColumn, AlgorithmResultLimit,
	)
	streamParams := map[string]any{"name": graphName}

	rows, err := a.runner.Run(ctx, streamQuery, streamParams)
	if err != nil {
		res := Failure(streamQuery, streamParams, errorCode(err),
			fmt.Sprintf("graph: %s failed: %v", req.Algorithm, err))
		res.Note = "algorithm unavailable; a direct run_query pattern match may answer the same question"
		return res
	}

	res := Successful(streamQuery, map[string]any{"algorithm": req.Algorithm, "graph": graphName}, rows)
	if spec.scoreColumn == "communityId" {
		res.Note = "score column holds the community id, not a centrality score"
	}
	return res
}
