package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phishgraph/phishgraph/internal/model"
)

// CreateAnalyst inserts a new analyst.
func (db *DB) CreateAnalyst(ctx context.Context, analyst model.Analyst) (model.Analyst, error) {
	if analyst.ID == uuid.Nil {
		analyst.ID = uuid.New()
	}
	now := time.Now().UTC()
	if analyst.CreatedAt.IsZero() {
		analyst.CreatedAt = now
	}
	analyst.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO analysts (id, analyst_id, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		analyst.ID, analyst.AnalystID, analyst.Name, string(analyst.Role),
		analyst.APIKeyHash, analyst.CreatedAt, analyst.UpdatedAt,
	)
	if err != nil {
		return model.Analyst{}, fmt.Errorf("storage: create analyst: %w", err)
	}
	return analyst, nil
}

// GetAnalystByAnalystID retrieves an analyst by their external analyst_id.
func (db *DB) GetAnalystByAnalystID(ctx context.Context, analystID string) (model.Analyst, error) {
	var a model.Analyst
	err := db.pool.QueryRow(ctx,
		`SELECT id, analyst_id, name, role, api_key_hash, created_at, updated_at
		 FROM analysts WHERE analyst_id = $1`, analystID,
	).Scan(
		&a.ID, &a.AnalystID, &a.Name, &a.Role, &a.APIKeyHash,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Analyst{}, fmt.Errorf("storage: analyst %s: %w", analystID, ErrNotFound)
		}
		return model.Analyst{}, fmt.Errorf("storage: get analyst: %w", err)
	}
	return a, nil
}

// CountAnalysts returns the number of registered analysts.
func (db *DB) CountAnalysts(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysts`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count analysts: %w", err)
	}
	return count, nil
}
