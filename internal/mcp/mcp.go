// Package mcp implements the Model Context Protocol server for PhishGraph.
//
// The MCP server exposes the investigation loop, subgraph packs, and the
// validated read-only query surface to MCP-compatible AI agents, so an
// external assistant can investigate suspicious email the same way the
// HTTP API's built-in reasoner does.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
)

// RecentStore lists recently persisted investigations for the recent
// resource.
type RecentStore interface {
	ListInvestigations(ctx context.Context, limit, offset int) ([]model.Investigation, error)
}

// Server wraps the MCP server with PhishGraph's service layer.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	invSvc       *investigations.Service
	packGen      *packs.Generator
	executor     *graph.Executor
	introspector *graph.Introspector
	store        RecentStore
	logger       *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// packGen and store may be nil; the corresponding tools and resources are
// still registered and report the capability as unavailable.
func New(invSvc *investigations.Service, packGen *packs.Generator, executor *graph.Executor, introspector *graph.Introspector, store RecentStore, logger *slog.Logger, version string) *Server {
	s := &Server{
		invSvc:       invSvc,
		packGen:      packGen,
		executor:     executor,
		introspector: introspector,
		store:        store,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"phishgraph",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// phishgraph://schema: the live graph schema.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"phishgraph://schema",
			"Graph Schema",
			mcplib.WithResourceDescription("Node labels, relationship types, and property keys of the email graph"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSchemaResource,
	)

	// phishgraph://investigations/recent: latest persisted investigations.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"phishgraph://investigations/recent",
			"Recent Investigations",
			mcplib.WithResourceDescription("The most recently completed investigations with their answers"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)
}

func (s *Server) handleSchemaResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	result := s.introspector.Describe(ctx)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal schema: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "phishgraph://schema",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.store == nil {
		return nil, fmt.Errorf("mcp: investigation store not configured")
	}

	invs, err := s.store.ListInvestigations(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent investigations: %w", err)
	}

	data, err := json.MarshalIndent(invs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal investigations: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "phishgraph://investigations/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
