package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// LogUsage inserts one row per call id. A repeated call id is a no-op.
func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (call_id, user_id, request_id, provider, model, subject, tokens, cost_usd, latency_ms, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO NOTHING
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.CallID, log.UserID, log.RequestID, log.Provider, log.Model, log.Subject,
		log.Tokens, log.CostUSD, log.LatencyMs, log.Outcome,
	).Scan(&log.ID, &log.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) UsageByProvider(ctx context.Context, userID string, from, to time.Time) ([]ProviderUsage, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY provider
		ORDER BY provider
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsage
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Requests, &u.Tokens, &u.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}

	return out, nil
}
