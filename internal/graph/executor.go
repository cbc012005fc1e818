package graph

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Executor runs validated read queries against the graph store. It is the
// only path from the reasoning loop to the store, and it never propagates a
// Go error upward: every failure is folded into a Result the loop can show
// to the model.
type Executor struct {
	runner  Runner
	logger  *slog.Logger
	timeout time.Duration
}

// NewExecutor creates an Executor. timeout bounds a single query; zero means
// no per-query deadline beyond the caller's context.
func NewExecutor(runner Runner, logger *slog.Logger, timeout time.Duration) *Executor {
	return &Executor{
		runner:  runner,
		logger:  logger,
		timeout: timeout,
	}
}

// Execute validates the query, then runs it with the effective row limit.
// A rejected query never reaches the store.
func (e *Executor) Execute(ctx context.Context, query string, params map[string]any, requestedLimit int) Result {
	rewritten, limit, err := ValidateQuery(query, requestedLimit)
	if err != nil {
		var mutErr *MutationError
		if errors.As(err, &mutErr) {
			e.logger.Warn("graph: mutation query rejected", "keyword", mutErr.Keyword)
			return Failure(query, params, "MutationRejected", mutErr.Error())
		}
		return Failure(query, params, "InvalidQuery", err.Error())
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := e.runner.Run(runCtx, rewritten, params)
	if err != nil {
		e.logger.Warn("graph: query failed",
			"code", errorCode(err),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return Failure(rewritten, params, errorCode(err), err.Error())
	}

	// The store enforces the limit via the injected LIMIT clause; aggregating
	// queries can still legally return more grouped rows, so clamp here too.
	if len(rows) > limit {
		rows = rows[:limit]
	}

	e.logger.Debug("graph: query ok",
		"rows", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Successful(rewritten, params, rows)
}
