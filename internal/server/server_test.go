package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/phishgraph/phishgraph/internal/agent"
	"github.com/phishgraph/phishgraph/internal/auth"
	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/server"
	"github.com/phishgraph/phishgraph/internal/service/embedding"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
	"github.com/phishgraph/phishgraph/internal/testutil"
)

var (
	testSrv       *httptest.Server
	testcontainer testcontainers.Container
	adminToken    string
	analystToken  string
	readerToken   string
)

// scriptedOrchestrator returns a canned outcome and emits a fixed event
// sequence, standing in for the reasoner-backed hop loop.
type scriptedOrchestrator struct{}

func (scriptedOrchestrator) RunWithEvents(_ context.Context, req agent.Request, emit agent.EmitFunc) (agent.Outcome, error) {
	if emit != nil {
		emit(agent.Event{Type: agent.EventThinking, Hop: 1})
		emit(agent.Event{Type: agent.EventToolCall, Hop: 1, Tool: "run_query"})
		emit(agent.Event{Type: agent.EventAnswer, Content: "Phishing: credential harvest."})
		emit(agent.Event{Type: agent.EventDone, State: agent.StateDone})
	}
	return agent.Outcome{
		State:      agent.StateDone,
		Answer:     "Phishing: credential harvest targeting " + req.SubjectID + ".",
		Trace:      []agent.ToolResult{{Tool: "run_query"}},
		Hops:       1,
		TokensUsed: 400,
	}, nil
}

// stubGraph serves the pack queries for a single known subject, msg-1.
type stubGraph struct{}

func (stubGraph) Healthy(context.Context) error { return nil }

func (stubGraph) Run(_ context.Context, query string, params map[string]any) ([]graph.Row, error) {
	if params["id"] != "msg-1" {
		return nil, nil
	}
	if strings.Contains(query, "RETURN m{.*} AS email") {
		return []graph.Row{{
			"email":  map[string]any{"message_id": "msg-1", "subject": "Invoice overdue"},
			"sender": map[string]any{"address": "mallory@evil.example"},
		}}, nil
	}
	return nil, nil
}

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := testutil.MustStartPostgres()
	testcontainer = tc.Container

	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test DB: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)
	invSvc := investigations.New(db, scriptedOrchestrator{}, embedding.NewNoopProvider(1024), nil, logger)

	packCache := packs.NewCache()
	packGen := packs.NewGenerator(stubGraph{}, packCache, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Graph:               stubGraph{},
		JWTMgr:              jwtMgr,
		InvestigationSvc:    invSvc,
		PackGen:             packGen,
		PackCache:           packCache,
		Logger:              logger,
		Port:                0,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})

	if err := srv.Handlers().SeedAdmin(ctx, "test-admin-key"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		os.Exit(1)
	}

	testSrv = httptest.NewServer(srv.Handler())

	adminToken = getToken(testSrv.URL, "admin", "test-admin-key")
	createAnalyst(testSrv.URL, adminToken, "alice", "Alice", "analyst", "alice-key")
	analystToken = getToken(testSrv.URL, "alice", "alice-key")
	createAnalyst(testSrv.URL, adminToken, "bob", "Bob", "reader", "bob-key")
	readerToken = getToken(testSrv.URL, "bob", "bob-key")

	code := m.Run()

	testSrv.Close()
	packCache.Close()
	db.Close()
	_ = testcontainer.Terminate(context.Background())
	os.Exit(code)
}

func getToken(baseURL, analystID, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{AnalystID: analystID, APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

func createAnalyst(baseURL, token, analystID, name, role, apiKey string) {
	body, _ := json.Marshal(model.CreateAnalystRequest{
		AnalystID: analystID, Name: name, Role: model.AnalystRole(role), APIKey: apiKey,
	})
	req, _ := http.NewRequest("POST", baseURL+"/v1/analysts", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	_ = resp.Body.Close()
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &result)
	assert.Equal(t, "healthy", result.Data.Status)
	assert.Equal(t, "connected", result.Data.Postgres)
	assert.Equal(t, "connected", result.Data.Neo4j)
}

func TestAuthFlow(t *testing.T) {
	token := getToken(testSrv.URL, "admin", "test-admin-key")
	assert.NotEmpty(t, token)

	body, _ := json.Marshal(model.AuthTokenRequest{AnalystID: "admin", APIKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown analyst gets the same answer as a wrong key.
	body, _ = json.Marshal(model.AuthTokenRequest{AnalystID: "nobody", APIKey: "whatever"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/investigations/similar?q=test")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAnalystRequiresAdmin(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/analysts", analystToken,
		model.CreateAnalystRequest{AnalystID: "eve", Name: "Eve", Role: model.RoleAnalyst, APIKey: "eve-key"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvestigateAndGet(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/investigations", analystToken,
		model.InvestigateRequest{SubjectID: "msg-1", Question: "Is this phishing?"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Data model.Investigation `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, "done", created.Data.State)
	assert.Equal(t, "alice", created.Data.AnalystID)
	assert.Contains(t, created.Data.Answer, "msg-1")

	resp2, err := authedRequest("GET", testSrv.URL+"/v1/investigations/"+created.Data.ID.String(), readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var fetched struct {
		Data model.Investigation `json:"data"`
	}
	data2, _ := io.ReadAll(resp2.Body)
	require.NoError(t, json.Unmarshal(data2, &fetched))
	assert.Contains(t, string(fetched.Data.Trace), "run_query")
}

func TestInvestigateValidation(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/investigations", analystToken,
		model.InvestigateRequest{Question: "no subject"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReaderCannotInvestigate(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/investigations", readerToken,
		model.InvestigateRequest{SubjectID: "msg-1", Question: "q"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetInvestigationNotFound(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/investigations/"+uuid.NewString(), readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvestigateStream(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/investigations/stream", analystToken,
		model.InvestigateRequest{SubjectID: "msg-1", Question: "Is this phishing?"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Contains(t, events, "thinking")
	assert.Contains(t, events, "tool_call")
	assert.Contains(t, events, "done")
	// The terminal frame carries the persisted record.
	require.NotEmpty(t, events)
	assert.Equal(t, "investigation", events[len(events)-1])
}

func TestGetPack(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/packs/msg-1/sender-network", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data packs.Pack `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, packs.PackSenderNetwork, result.Data.Type)
	assert.NotEmpty(t, result.Data.Nodes)
}

func TestGetPackUnknownType(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/packs/msg-1/everything", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetPackSubjectNotFound(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/packs/msg-missing/sender-network", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidatePacks(t *testing.T) {
	// Warm the cache, then invalidate as admin.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/packs/msg-1/campaign", readerToken, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp2, err := authedRequest("DELETE", testSrv.URL+"/v1/packs/msg-1", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Non-admins cannot invalidate.
	resp3, err := authedRequest("DELETE", testSrv.URL+"/v1/packs/msg-1", analystToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)
}

func TestClearAllPacks(t *testing.T) {
	// Warm the cache, then clear everything as admin.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/packs/msg-1/sender-network", readerToken, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp2, err := authedRequest("DELETE", testSrv.URL+"/v1/packs", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var result struct {
		Data struct {
			Cleared int `json:"cleared"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result))
	assert.GreaterOrEqual(t, result.Data.Cleared, 1)
}

func TestRequestIDPropagation(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "my-request-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "my-request-id", resp.Header.Get("X-Request-ID"))
}
