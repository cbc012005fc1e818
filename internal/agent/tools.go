package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/phishgraph/phishgraph/internal/graph"
)

// Tool names form a closed set. Dispatch is an exhaustive switch over these
// constants; adding a tool means adding a case, a spec, and an args struct.
const (
	ToolIntrospectSchema = "introspect_schema"
	ToolRunQuery         = "run_query"
	ToolRunAlgorithm     = "run_algorithm"
)

// RunQueryArgs are the arguments for the run_query tool.
type RunQueryArgs struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// RunAlgorithmArgs are the arguments for the run_algorithm tool.
type RunAlgorithmArgs struct {
	Algorithm         string `json:"algorithm"`
	NodeQuery         string `json:"node_query,omitempty"`
	RelationshipQuery string `json:"relationship_query,omitempty"`
	GraphName         string `json:"graph_name,omitempty"`
}

// IntrospectSchemaArgs are the arguments for the introspect_schema tool.
// The tool takes no parameters; the struct exists so decoding rejects
// hallucinated arguments like any other tool.
type IntrospectSchemaArgs struct{}

// Registry dispatches tool calls from the reasoning loop to the graph layer.
// It is a closed registry: unknown tool names and unknown argument fields
// are both refused before anything touches the store.
type Registry struct {
	executor     *graph.Executor
	introspector *graph.Introspector
	algorithms   *graph.AlgorithmRunner
}

// NewRegistry creates a Registry over the graph components.
func NewRegistry(executor *graph.Executor, introspector *graph.Introspector, algorithms *graph.AlgorithmRunner) *Registry {
	return &Registry{
		executor:     executor,
		introspector: introspector,
		algorithms:   algorithms,
	}
}

// Specs returns the tool declarations advertised to the model.
func (r *Registry) Specs() []ToolSpec {
	return []ToolSpec{
		{
			Name: ToolIntrospectSchema,
			Description: "Discover the graph schema: node labels, relationship types, and properties. " +
				"Call this first when unsure what the graph contains.",
			Parameters: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		},
		{
			Name: ToolRunQuery,
			Description: "Run a read-only Cypher query against the email graph. " +
				"Write operations (CREATE, MERGE, SET, DELETE, REMOVE, DETACH) are rejected. " +
				"Results are capped at 500 rows; pass limit to request fewer.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query":  {"type": "string", "description": "The Cypher query to execute"},
					"params": {"type": "object", "description": "Query parameters referenced as $name"},
					"limit":  {"type": "integer", "description": "Maximum rows to return (default 200, max 500)"}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
		},
		{
			Name: ToolRunAlgorithm,
			Description: "Run a graph algorithm (pagerank, betweenness, degree, louvain) over the email graph " +
				"and return the top-scored nodes. Useful for finding influential senders or tight communities.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"algorithm":          {"type": "string", "enum": ["pagerank", "betweenness", "degree", "louvain"]},
					"node_query":         {"type": "string", "description": "Optional Cypher projection for nodes"},
					"relationship_query": {"type": "string", "description": "Optional Cypher projection for relationships"},
					"graph_name":         {"type": "string", "description": "Optional existing named projection to reuse"}
				},
				"required": ["algorithm"],
				"additionalProperties": false
			}`),
		},
	}
}

// Dispatch routes one tool call and always returns a well-formed Result.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) graph.Result {
	switch call.Name {
	case ToolIntrospectSchema:
		var args IntrospectSchemaArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return invalidArgs(call.Name, err)
		}
		return r.introspector.Describe(ctx)

	case ToolRunQuery:
		var args RunQueryArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return invalidArgs(call.Name, err)
		}
		return r.executor.Execute(ctx, args.Query, args.Params, args.Limit)

	case ToolRunAlgorithm:
		var args RunAlgorithmArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return invalidArgs(call.Name, err)
		}
		return r.algorithms.Run(ctx, graph.AlgorithmRequest{
			Algorithm:         args.Algorithm,
			NodeQuery:         args.NodeQuery,
			RelationshipQuery: args.RelationshipQuery,
			GraphName:         args.GraphName,
		})

	default:
		return graph.Failure("", nil, "UnknownTool",
			fmt.Sprintf("agent: unknown tool %q; available: %s, %s, %s",
				call.Name, ToolIntrospectSchema, ToolRunQuery, ToolRunAlgorithm))
	}
}

// decodeArgs strictly decodes tool arguments: unknown fields are an error,
// because a hallucinated field usually means the model misunderstood the
// tool contract and silently ignoring it would hide that.
func decodeArgs(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("agent: decode arguments: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("agent: decode arguments: trailing data after JSON object")
	}
	return nil
}

func invalidArgs(tool string, err error) graph.Result {
	return graph.Failure("", nil, "InvalidArguments",
		fmt.Sprintf("agent: tool %s: %v", tool, err))
}
