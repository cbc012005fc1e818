package graph

import (
	"context"
	"log/slog"
)

// Known schema of the email graph, returned when the store supports neither
// APOC metadata nor the built-in catalog procedures. Kept in sync with the
// ingestion pipeline's node and relationship shapes.
var fallbackSchema = Row{
	"labels": []any{"User", "Email", "Link"},
	"relationships": []any{
		Row{"type": "SENT", "from": "User", "to": "Email"},
		Row{"type": "RECEIVED_BY", "from": "Email", "to": "User"},
		Row{"type": "CONTAINS_LINK", "from": "Email", "to": "Link"},
	},
	"properties": Row{
		"User":  []any{"id", "address", "display_name", "domain"},
		"Email": []any{"id", "message_id", "subject", "sent_at", "spf_pass", "dkim_pass"},
		"Link":  []any{"id", "url", "domain"},
	},
}

// Introspector answers "what does the graph look like" with progressively
// degraded fidelity: APOC's rich metadata when installed, the built-in
// catalog procedures otherwise, and a hardcoded known schema as the floor.
// Describe never fails; the reasoning loop always gets something usable.
type Introspector struct {
	runner Runner
	logger *slog.Logger
}

// NewIntrospector creates an Introspector over the given runner.
func NewIntrospector(runner Runner, logger *slog.Logger) *Introspector {
	return &Introspector{runner: runner, logger: logger}
}

const apocSchemaQuery = `CALL apoc.meta.schema() YIELD value RETURN value`

// Describe returns the graph schema as a success Result.
func (in *Introspector) Describe(ctx context.Context) Result {
	if rows, err := in.runner.Run(ctx, apocSchemaQuery, nil); err == nil && len(rows) > 0 {
		return Successful(apocSchemaQuery, nil, rows)
	} else if err != nil {
		in.logger.Debug("graph: apoc.meta.schema unavailable", "error", err)
	}

	if row, ok := in.catalogSchema(ctx); ok {
		res := Successful("db.labels / db.relationshipTypes / db.propertyKeys", nil, []Row{row})
		res.Note = "basic catalog introspection; property-to-label mapping unavailable"
		return res
	}

	in.logger.Warn("graph: schema introspection degraded to hardcoded fallback")
	res := Successful("", nil, []Row{fallbackSchema})
	res.Note = "fallback"
	return res
}

// catalogSchema assembles a schema row from the built-in catalog procedures.
func (in *Introspector) catalogSchema(ctx context.Context) (Row, bool) {
	labels, err := in.collectColumn(ctx, `CALL db.labels() YIELD label RETURN label`, "label")
	if err != nil {
		in.logger.Debug("graph: db.labels unavailable", "error", err)
		return nil, false
	}
	relTypes, err := in.collectColumn(ctx, `CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType`, "relationshipType")
	if err != nil {
		return nil, false
	}
	propKeys, err := in.collectColumn(ctx, `CALL db.propertyKeys() YIELD propertyKey RETURN propertyKey`, "propertyKey")
	if err != nil {
		return nil, false
	}

	return Row{
		"labels":            labels,
		"relationshipTypes": relTypes,
		"propertyKeys":      propKeys,
	}, true
}

func (in *Introspector) collectColumn(ctx context.Context, query, column string) ([]any, error) {
	rows, err := in.runner.Run(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row[column])
	}
	return values, nil
}
