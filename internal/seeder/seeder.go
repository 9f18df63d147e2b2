// Package seeder creates a demo learner key for local development.
package seeder

import (
	"context"

	"github.com/vnmchuo/tutor-gateway/internal/auth"
	"github.com/vnmchuo/tutor-gateway/internal/telemetry"
)

const (
	DemoAPIKey = "tutor-demo-key-12345"
	DemoUserID = "00000000-0000-0000-0000-000000000001"
	demoRPM    = 30
)

// SeedDemoKey is idempotent: a key that already exists is left alone.
func SeedDemoKey(ctx context.Context, store auth.Store) error {
	log := telemetry.L().With().Str("module", "seeder").Logger()

	if _, err := store.GetByKey(ctx, DemoAPIKey); err == nil {
		log.Info().Str("user_id", DemoUserID).Msg("demo_key_present")
		return nil
	}

	apiKey := &auth.APIKey{
		UserID:    DemoUserID,
		KeyHash:   auth.HashKey(DemoAPIKey),
		RateLimit: demoRPM,
		Active:    true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		return err
	}
	log.Info().Str("key", DemoAPIKey).Str("user_id", DemoUserID).Msg("demo_key_created")
	return nil
}
