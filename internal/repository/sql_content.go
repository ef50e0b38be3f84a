package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docforge/api/internal/model"
)

// SQLContentStore keeps placeholder results in the placeholder_results table
type SQLContentStore struct {
	db *sqlx.DB
}

// NewSQLContentStore creates a new SQLContentStore.
func NewSQLContentStore(db *sqlx.DB) *SQLContentStore {
	return &SQLContentStore{db: db}
}

// Upsert writes content for the pair, replacing any earlier value.
func (s *SQLContentStore) Upsert(ctx context.Context, generationID, placeholderID, content string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO placeholder_results (generation_id, placeholder_id, content, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (generation_id, placeholder_id)
		 DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`),
		generationID, placeholderID, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert content %s/%s: %w", generationID, placeholderID, err)
	}
	return nil
}

// GetAll returns every placeholder result of the generation keyed by placeholder id.
func (s *SQLContentStore) GetAll(ctx context.Context, generationID string) (map[string]string, error) {
	var rows []model.PlaceholderResult
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT placeholder_id, content FROM placeholder_results WHERE generation_id = ?`), generationID)
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", generationID, err)
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.PlaceholderID] = row.Content
	}
	return out, nil
}

func (s *SQLContentStore) DeleteAll(ctx context.Context, generationID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM placeholder_results WHERE generation_id = ?`), generationID)
	if err != nil {
		return fmt.Errorf("delete content %s: %w", generationID, err)
	}
	return nil
}
