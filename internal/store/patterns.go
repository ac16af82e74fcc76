package store

import (
	"context"
	"fmt"

	"github.com/triage-ai/guardclaw/internal/approval"
)

// LoadPatterns returns every persisted approval pattern.
func (s *Store) LoadPatterns(ctx context.Context) ([]approval.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, approve_count, deny_count, confidence, suggested_action, last_seen
		FROM approval_patterns
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("LoadPatterns: %w", err)
	}
	defer rows.Close()

	var out []approval.Pattern
	for rows.Next() {
		var p approval.Pattern
		var suggested string
		if err := rows.Scan(&p.Key, &p.ApproveCount, &p.DenyCount, &p.Confidence, &suggested, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("LoadPatterns: %w", err)
		}
		p.SuggestedAction = approval.SuggestedAction(suggested)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadPatterns: %w", err)
	}
	return out, nil
}

// UpsertPattern writes p. It implements approval.PatternPersister.
func (s *Store) UpsertPattern(ctx context.Context, p approval.Pattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_patterns (key, approve_count, deny_count, confidence, suggested_action, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			approve_count    = EXCLUDED.approve_count,
			deny_count       = EXCLUDED.deny_count,
			confidence       = EXCLUDED.confidence,
			suggested_action = EXCLUDED.suggested_action,
			last_seen        = EXCLUDED.last_seen`,
		p.Key, p.ApproveCount, p.DenyCount, p.Confidence, string(p.SuggestedAction), p.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("UpsertPattern: %w", err)
	}
	return nil
}

// DeletePatterns removes every pattern.
func (s *Store) DeletePatterns(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM approval_patterns`); err != nil {
		return fmt.Errorf("DeletePatterns: %w", err)
	}
	return nil
}
