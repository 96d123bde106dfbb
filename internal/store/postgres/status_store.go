package postgres

import (
	"context"
	"fmt"
)

// StatusStore implements granule.StatusStore with an upsert into the
// status table, one row per marker key.
type StatusStore struct {
	db DB
}

// NewStatusStore creates a StatusStore using the shared pool.
func NewStatusStore(db DB) (*StatusStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &StatusStore{db: db}, nil
}

// Set writes or overwrites the marker value for key.
func (s *StatusStore) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO status (key_name, value)
		VALUES ($1, $2)
		ON CONFLICT (key_name) DO UPDATE SET value = EXCLUDED.value;
	`
	if _, err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set status %q: %w", key, err)
	}
	return nil
}
