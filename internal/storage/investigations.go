package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/phishgraph/phishgraph/internal/model"
)

// CreateInvestigation inserts a completed investigation.
func (db *DB) CreateInvestigation(ctx context.Context, inv model.Investigation) (model.Investigation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.Trace == nil {
		inv.Trace = []byte("[]")
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO investigations (id, analyst_id, subject_id, question, answer, state, trace, hops, tokens_used, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.AnalystID, inv.SubjectID, inv.Question, inv.Answer, inv.State,
		inv.Trace, inv.Hops, inv.TokensUsed, inv.CreatedAt, inv.CompletedAt,
	)
	if err != nil {
		return model.Investigation{}, fmt.Errorf("storage: create investigation: %w", err)
	}
	return inv, nil
}

const investigationColumns = `id, analyst_id, subject_id, question, answer, state, trace, hops, tokens_used, created_at, completed_at`

func scanInvestigation(row pgx.Row) (model.Investigation, error) {
	var inv model.Investigation
	err := row.Scan(
		&inv.ID, &inv.AnalystID, &inv.SubjectID, &inv.Question, &inv.Answer,
		&inv.State, &inv.Trace, &inv.Hops, &inv.TokensUsed, &inv.CreatedAt, &inv.CompletedAt,
	)
	return inv, err
}

// GetInvestigation retrieves an investigation by ID.
func (db *DB) GetInvestigation(ctx context.Context, id uuid.UUID) (model.Investigation, error) {
	inv, err := scanInvestigation(db.pool.QueryRow(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Investigation{}, fmt.Errorf("storage: investigation %s: %w", id, ErrNotFound)
		}
		return model.Investigation{}, fmt.Errorf("storage: get investigation: %w", err)
	}
	return inv, nil
}

// ListInvestigations returns investigations ordered newest first.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListInvestigations(ctx context.Context, limit, offset int) ([]model.Investigation, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+investigationColumns+` FROM investigations
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list investigations: %w", err)
	}
	defer rows.Close()

	var invs []model.Investigation
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan investigation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// GetInvestigationsByIDs returns the investigations matching ids, preserving
// the order of ids. Missing ids are skipped.
func (db *DB) GetInvestigationsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Investigation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get investigations by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.Investigation, len(ids))
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan investigation: %w", err)
		}
		byID[inv.ID] = inv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get investigations by ids: %w", err)
	}

	ordered := make([]model.Investigation, 0, len(byID))
	for _, id := range ids {
		if inv, ok := byID[id]; ok {
			ordered = append(ordered, inv)
		}
	}
	return ordered, nil
}

// SetInvestigationEmbedding stores the embedding for an investigation and
// enqueues a search outbox upsert atomically, so the vector index never
// learns about an embedding that was not committed.
func (db *DB) SetInvestigationEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE investigations SET embedding = $1 WHERE id = $2`, embedding, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: investigation %s: %w", id, ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (investigation_id, operation) VALUES ($1, 'upsert')`, id,
	); err != nil {
		return fmt.Errorf("storage: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit embedding tx: %w", err)
	}
	return nil
}

// ListInvestigationIDsMissingEmbedding returns IDs of investigations that have
// no embedding yet, oldest first. Used by the embedding backfill.
func (db *DB) ListInvestigationIDsMissingEmbedding(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM investigations WHERE embedding IS NULL ORDER BY created_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list missing embeddings: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan missing embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
