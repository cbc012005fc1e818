package phishgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the PhishGraph server (e.g. "http://localhost:8080").
	BaseURL string

	// AnalystID identifies this analyst for authentication and attribution.
	AnalystID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Investigations can run for minutes; size this to the server's hop
	// budget when calling Investigate.
	Timeout time.Duration
}

// Client is an HTTP client for the PhishGraph investigation API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AnalystID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("phishgraph: BaseURL is required")
	}
	if cfg.AnalystID == "" {
		return nil, fmt.Errorf("phishgraph: AnalystID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("phishgraph: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.AnalystID, cfg.APIKey, httpClient),
	}, nil
}

// Investigate runs an investigation to completion and returns the persisted
// record. A run that failed partway still returns its partial record with
// State set to "error"; callers should check State, not just the error.
func (c *Client) Investigate(ctx context.Context, req InvestigateRequest) (*Investigation, error) {
	var resp Investigation
	if err := c.post(ctx, "/v1/investigations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInvestigation retrieves a persisted investigation by ID.
func (c *Client) GetInvestigation(ctx context.Context, id uuid.UUID) (*Investigation, error) {
	var resp Investigation
	if err := c.get(ctx, "/v1/investigations/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Similar recalls past investigations similar to the query text, ranked by
// similarity with recency decay. Requires a vector index on the server.
func (c *Client) Similar(ctx context.Context, query string, opts *SimilarOptions) ([]SimilarInvestigation, error) {
	params := url.Values{}
	params.Set("q", query)
	if opts != nil {
		if opts.SubjectID != "" {
			params.Set("subject_id", opts.SubjectID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	var resp []SimilarInvestigation
	if err := c.get(ctx, "/v1/investigations/similar?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPack fetches a subgraph pack for an email. packType is one of the Pack*
// constants. Returns a 404 Error if the subject email is not in the graph.
func (c *Client) GetPack(ctx context.Context, subjectID, packType string) (*Pack, error) {
	path := "/v1/packs/" + url.PathEscape(subjectID) + "/" + url.PathEscape(packType)
	var resp Pack
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InvalidatePacks clears all cached packs for an email and returns how many
// entries were removed. Requires admin role.
func (c *Client) InvalidatePacks(ctx context.Context, subjectID string) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.doDelete(ctx, "/v1/packs/"+url.PathEscape(subjectID), &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// ClearAllPacks empties the server's pack cache and returns how many
// entries were removed. Requires admin role.
func (c *Client) ClearAllPacks(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.doDelete(ctx, "/v1/packs", &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// CreateAnalyst creates a new analyst identity. Requires admin role.
func (c *Client) CreateAnalyst(ctx context.Context, req CreateAnalystRequest) (*Analyst, error) {
	var resp Analyst
	if err := c.post(ctx, "/v1/analysts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("phishgraph: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("phishgraph: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("phishgraph: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("phishgraph: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("phishgraph: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("phishgraph: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("phishgraph: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("phishgraph: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("phishgraph: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
