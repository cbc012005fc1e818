package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
)

func (s *Server) registerTools() {
	// phishgraph_investigate runs the full multi-hop reasoning loop.
	s.mcpServer.AddTool(
		mcplib.NewTool("phishgraph_investigate",
			mcplib.WithDescription(`Run a full multi-hop investigation of a suspicious email.

WHEN TO USE: When you have an analyst question about a specific email and
want a reasoned verdict, not raw data. The server-side reasoner will
introspect the graph, run its own queries and algorithms across multiple
hops, and return an answer with the complete tool-call trace.

This is the expensive tool; each call burns reasoner tokens. For raw
graph lookups use phishgraph_query; for precomputed context use
phishgraph_get_pack.

WHAT YOU GET BACK:
- answer: the reasoner's verdict and supporting evidence
- state: done, error, or hop_limit_reached
- hops and the persisted investigation id for later retrieval

EXAMPLE: subject_id="<message-id>", question="Is this email part of a
coordinated credential phishing campaign?"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("subject_id",
				mcplib.Description("Message-ID of the email under investigation"),
				mcplib.Required(),
			),
			mcplib.WithString("question",
				mcplib.Description("The analyst question to answer about the subject email"),
				mcplib.Required(),
			),
			mcplib.WithString("analyst_id",
				mcplib.Description("Identifier recorded as the investigating analyst. Defaults to \"mcp\"."),
			),
			mcplib.WithNumber("max_hops",
				mcplib.Description("Maximum reasoning hops before the loop is cut off"),
				mcplib.Min(1),
				mcplib.Max(8),
			),
		),
		s.handleInvestigate,
	)

	// phishgraph_query runs validated read-only Cypher.
	s.mcpServer.AddTool(
		mcplib.NewTool("phishgraph_query",
			mcplib.WithDescription(`Run a read-only Cypher query against the email graph.

WHEN TO USE: When you know exactly what you want to look up, such as a sender's
other messages, an email's links, recipients of a message. Cheaper and
faster than phishgraph_investigate.

The graph is read-only: any mutation clause (CREATE, MERGE, DELETE, SET,
REMOVE, DETACH, CALL apoc/db writes) is rejected before execution. Result
sets are capped; an explicit LIMIT above the cap is clamped.

SCHEMA: (:User {address, domain})-[:SENT]->(:Email {message_id, subject,
sent_at, spf_pass, dkim_pass})-[:RECEIVED_BY]->(:User), and
(:Email)-[:CONTAINS_LINK]->(:Link {url, domain}). Read the
phishgraph://schema resource for the live version.

EXAMPLE: cypher="MATCH (u:User {address: $addr})-[:SENT]->(e:Email)
RETURN e.message_id, e.subject", params={"addr": "mallory@evil.example"}`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("cypher",
				mcplib.Description("The read-only Cypher query to execute"),
				mcplib.Required(),
			),
			mcplib.WithString("params",
				mcplib.Description("Query parameters as a JSON object, e.g. {\"addr\": \"a@b.example\"}"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum rows to return"),
				mcplib.Min(1),
				mcplib.Max(500),
			),
		),
		s.handleQuery,
	)

	// phishgraph_get_pack serves precomputed subgraph extracts.
	s.mcpServer.AddTool(
		mcplib.NewTool("phishgraph_get_pack",
			mcplib.WithDescription(`Fetch a precomputed subgraph pack around a subject email.

WHEN TO USE: When you want ready-made context to reason over yourself
instead of issuing queries. Packs are cached server-side and sized to fit
a prompt.

PACK TYPES:
- sender-network: the sender and everything else they have mailed
- recipient-network: the recipients and the other mail they received
- campaign: same-subject emails within 24 hours of the subject
- full-context: deduplicated union of the other three

EXAMPLE: subject_id="<message-id>", type="campaign" to see whether the
same lure hit other mailboxes.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject_id",
				mcplib.Description("Message-ID of the subject email"),
				mcplib.Required(),
			),
			mcplib.WithString("type",
				mcplib.Description("Pack type: sender-network, recipient-network, campaign, or full-context"),
				mcplib.Required(),
			),
		),
		s.handleGetPack,
	)

	// phishgraph_similar does semantic recall over past investigations.
	s.mcpServer.AddTool(
		mcplib.NewTool("phishgraph_similar",
			mcplib.WithDescription(`Find past investigations similar to a natural-language query.

WHEN TO USE: BEFORE starting a new investigation. If a similar case was
already worked, its answer and trace save you the reasoner cost of
re-deriving the same verdict.

Results are ranked by embedding similarity with recency decay, so fresh
precedents outrank stale ones with the same score.

EXAMPLE: query="invoice-themed credential phishing from lookalike domain"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of the case you are looking for"),
				mcplib.Required(),
			),
			mcplib.WithString("subject_id",
				mcplib.Description("Optional: only return investigations of this subject email"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleSimilar,
	)
}

func (s *Server) handleInvestigate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subjectID := request.GetString("subject_id", "")
	question := request.GetString("question", "")
	if subjectID == "" || question == "" {
		return errorResult("subject_id and question are required"), nil
	}
	analystID := request.GetString("analyst_id", "mcp")

	inv, err := s.invSvc.Investigate(ctx, analystID, model.InvestigateRequest{
		SubjectID: subjectID,
		Question:  question,
		MaxHops:   request.GetInt("max_hops", 0),
	}, nil)
	if err != nil && inv.ID == uuid.Nil {
		return errorResult(fmt.Sprintf("investigation failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"investigation_id": inv.ID,
		"state":            inv.State,
		"answer":           inv.Answer,
		"hops":             inv.Hops,
		"tokens_used":      inv.TokensUsed,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cypher := request.GetString("cypher", "")
	if cypher == "" {
		return errorResult("cypher is required"), nil
	}

	var params map[string]any
	if raw := request.GetString("params", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return errorResult(fmt.Sprintf("params is not a JSON object: %v", err)), nil
		}
	}

	result := s.executor.Execute(ctx, cypher, params, request.GetInt("limit", 0))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}

	// Validation and execution failures come back as data so the calling
	// model can correct its query, mirroring the built-in reasoner loop.
	return textResult(string(data)), nil
}

func (s *Server) handleGetPack(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.packGen == nil {
		return errorResult("subgraph packs are not configured on this deployment"), nil
	}

	subjectID := request.GetString("subject_id", "")
	packType := packs.PackType(request.GetString("type", ""))
	if subjectID == "" {
		return errorResult("subject_id is required"), nil
	}
	if !packType.Valid() {
		return errorResult(fmt.Sprintf("unknown pack type %q: want sender-network, recipient-network, campaign, or full-context", packType)), nil
	}

	pack, err := s.packGen.GetPack(ctx, subjectID, packType)
	if err != nil {
		return errorResult(fmt.Sprintf("pack generation failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal pack: %v", err)), nil
	}
	return textResult(string(data)), nil
}

func (s *Server) handleSimilar(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	var subjectID *string
	if sid := request.GetString("subject_id", ""); sid != "" {
		subjectID = &sid
	}

	similar, err := s.invSvc.Similar(ctx, query, subjectID, request.GetInt("limit", 5))
	if err != nil {
		return errorResult(fmt.Sprintf("similar-case search failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"results": similar,
		"total":   len(similar),
	}, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
