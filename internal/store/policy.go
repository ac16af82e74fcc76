package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/triage-ai/guardclaw/internal/policy"
)

// LoadPolicy returns the persisted policy, or nil if none was saved.
func (s *Store) LoadPolicy(ctx context.Context) (*policy.Config, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM guardclaw_policy WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadPolicy: %w", err)
	}
	cfg := policy.DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("LoadPolicy: %w", err)
	}
	return &cfg, nil
}

// SavePolicy upserts the single policy row. It implements policy.Persister.
func (s *Store) SavePolicy(ctx context.Context, cfg policy.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("SavePolicy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guardclaw_policy (id, config, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		raw,
	)
	if err != nil {
		return fmt.Errorf("SavePolicy: %w", err)
	}
	return nil
}
