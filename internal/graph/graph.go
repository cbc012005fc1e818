// Package graph provides read-only access to the email relationship graph
// stored in Neo4j: queries, safety validation, schema introspection, and
// graph algorithm execution.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Runner executes a Cypher query and returns its rows. Implemented by Store;
// faked in tests.
type Runner interface {
	Run(ctx context.Context, query string, params map[string]any) ([]Row, error)
}

// StoreConfig holds connection settings for the Neo4j graph store.
type StoreConfig struct {
	URI      string // e.g. "bolt://localhost:7687" or "neo4j+s://host"
	Username string
	Password string
	Database string // empty = server default database
}

// Store wraps the Neo4j driver. Every query runs in a fresh read-mode
// session, so a misbehaving query can never hold a write transaction.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewStore connects to Neo4j and verifies connectivity.
func NewStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity to %s: %w", cfg.URI, err)
	}

	logger.Info("graph: connected", "uri", cfg.URI, "database", cfg.Database)

	return &Store{
		driver:   driver,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

// Run executes a Cypher query in a read-mode session and returns all rows.
func (s *Store) Run(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}

	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}

// Healthy returns nil if the graph store is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("graph: unhealthy: %w", err)
	}
	return nil
}

// Close shuts down the underlying driver and its connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// errorCode extracts the server-side error code (e.g.
// "Neo.ClientError.Statement.SyntaxError") from a driver error, or a generic
// code for transport-level failures.
func errorCode(err error) string {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return neoErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	return "DriverError"
}
