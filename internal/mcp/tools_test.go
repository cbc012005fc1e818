package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/phishgraph/phishgraph/internal/agent"
	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/service/embedding"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
)

// memStore is an in-memory investigations.Store.
type memStore struct {
	invs  map[uuid.UUID]model.Investigation
	order []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{invs: make(map[uuid.UUID]model.Investigation)}
}

func (m *memStore) CreateInvestigation(_ context.Context, inv model.Investigation) (model.Investigation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	m.invs[inv.ID] = inv
	m.order = append(m.order, inv.ID)
	return inv, nil
}

func (m *memStore) GetInvestigation(_ context.Context, id uuid.UUID) (model.Investigation, error) {
	inv, ok := m.invs[id]
	if !ok {
		return model.Investigation{}, errors.New("not found")
	}
	return inv, nil
}

func (m *memStore) GetInvestigationsByIDs(_ context.Context, ids []uuid.UUID) ([]model.Investigation, error) {
	var out []model.Investigation
	for _, id := range ids {
		if inv, ok := m.invs[id]; ok {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memStore) SetInvestigationEmbedding(context.Context, uuid.UUID, pgvector.Vector) error {
	return nil
}

func (m *memStore) ListInvestigationIDsMissingEmbedding(context.Context, int) ([]uuid.UUID, error) {
	return nil, nil
}

func (m *memStore) ListInvestigations(_ context.Context, limit, _ int) ([]model.Investigation, error) {
	var out []model.Investigation
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.invs[m.order[i]])
	}
	return out, nil
}

// cannedOrchestrator answers every investigation the same way.
type cannedOrchestrator struct{}

func (cannedOrchestrator) RunWithEvents(_ context.Context, req agent.Request, _ agent.EmitFunc) (agent.Outcome, error) {
	return agent.Outcome{
		State:  agent.StateDone,
		Answer: "Verdict for " + req.SubjectID,
		Hops:   2,
	}, nil
}

// stubRunner serves the subject lookup for msg-1 and echoes rows for a
// known query.
type stubRunner struct{}

func (stubRunner) Run(_ context.Context, query string, params map[string]any) ([]graph.Row, error) {
	switch {
	case strings.Contains(query, "RETURN m{.*} AS email"):
		if params["id"] != "msg-1" {
			return nil, nil
		}
		return []graph.Row{{
			"email":  map[string]any{"message_id": "msg-1", "subject": "Urgent invoice"},
			"sender": map[string]any{"address": "mallory@evil.example"},
		}}, nil
	case strings.Contains(query, "RETURN u.address"):
		return []graph.Row{{"u.address": "mallory@evil.example"}}, nil
	}
	return nil, nil
}

func newTestServer() (*Server, *memStore) {
	logger := slog.New(slog.DiscardHandler)
	store := newMemStore()
	invSvc := investigations.New(store, cannedOrchestrator{}, embedding.NewNoopProvider(4), nil, logger)

	runner := stubRunner{}
	executor := graph.NewExecutor(runner, logger, 5*time.Second)
	introspector := graph.NewIntrospector(runner, logger)
	packGen := packs.NewGenerator(runner, packs.NewCache(), logger)

	return New(invSvc, packGen, executor, introspector, store, logger, "test"), store
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandleInvestigate(t *testing.T) {
	srv, store := newTestServer()

	result, err := srv.handleInvestigate(context.Background(), callRequest("phishgraph_investigate", map[string]any{
		"subject_id": "msg-1",
		"question":   "Is this phishing?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		InvestigationID uuid.UUID `json:"investigation_id"`
		State           string    `json:"state"`
		Answer          string    `json:"answer"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.Equal(t, "done", parsed.State)
	assert.Contains(t, parsed.Answer, "msg-1")

	// The investigation is persisted under the default mcp analyst.
	saved, err := store.GetInvestigation(context.Background(), parsed.InvestigationID)
	require.NoError(t, err)
	assert.Equal(t, "mcp", saved.AnalystID)
}

func TestHandleInvestigateMissingArgs(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleInvestigate(context.Background(), callRequest("phishgraph_investigate", map[string]any{
		"question": "no subject",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleQuery(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleQuery(context.Background(), callRequest("phishgraph_query", map[string]any{
		"cypher": "MATCH (u:User) RETURN u.address",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.Contains(t, text, `"success": true`)
	assert.Contains(t, text, "mallory@evil.example")
}

func TestHandleQueryRejectsMutation(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleQuery(context.Background(), callRequest("phishgraph_query", map[string]any{
		"cypher": "MATCH (n) DETACH DELETE n",
	}))
	require.NoError(t, err)

	// The rejection is data, not a tool error, so the caller can fix the
	// query and retry.
	require.False(t, result.IsError)
	text := parseToolText(t, result)
	assert.Contains(t, text, `"success": false`)
}

func TestHandleGetPack(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleGetPack(context.Background(), callRequest("phishgraph_get_pack", map[string]any{
		"subject_id": "msg-1",
		"type":       "sender-network",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var pack packs.Pack
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &pack))
	assert.Equal(t, packs.PackSenderNetwork, pack.Type)
	assert.NotEmpty(t, pack.Nodes)
}

func TestHandleGetPackUnknownType(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleGetPack(context.Background(), callRequest("phishgraph_get_pack", map[string]any{
		"subject_id": "msg-1",
		"type":       "everything",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetPackSubjectNotFound(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleGetPack(context.Background(), callRequest("phishgraph_get_pack", map[string]any{
		"subject_id": "msg-missing",
		"type":       "campaign",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestHandleSimilarWithoutSearcher(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleSimilar(context.Background(), callRequest("phishgraph_similar", map[string]any{
		"query": "invoice phishing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not configured")
}

func TestRecentResource(t *testing.T) {
	srv, store := newTestServer()

	_, err := store.CreateInvestigation(context.Background(), model.Investigation{
		SubjectID: "msg-9", Question: "q", Answer: "a", State: "done",
	})
	require.NoError(t, err)

	contents, err := srv.handleRecentResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, "msg-9")
}
