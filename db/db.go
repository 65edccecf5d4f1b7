// Package db provides database connection helpers, schema migration, and the
// data access layer for giveaways, participants, winners, linked OAuth
// accounts, and audit entries.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/liveroll/backend/crypto"
)

// Platform identifies the chat platform a participant or winner came from.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
)

// Provider identifies a linked OAuth account provider.
type Provider string

const (
	ProviderTwitch Provider = "twitch"
	ProviderGoogle Provider = "google"
)

var (
	// encryptor is the process-wide encryptor for OAuth tokens at rest.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the encryptor from ENCRYPTION_KEY. If the key is
// not set, tokens are stored in plaintext (encryption_version = 0). Called
// lazily on first token read/write.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection for the given DSN, typically
// config.Config.DBDsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and
// indices. It is the fallback path for deployments without the versioned
// migration table; see RunMigrations for the primary path.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS auth_identities (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			provider_user_id TEXT NOT NULL,
			email TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_auth_identity_provider_user UNIQUE (provider, provider_user_id),
			CONSTRAINT uq_auth_identity_user_provider UNIQUE (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_accounts (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			access_token_enc TEXT NOT NULL,
			refresh_token_enc TEXT,
			expires_at TIMESTAMPTZ,
			scopes TEXT NOT NULL DEFAULT '',
			provider_user_id TEXT NOT NULL,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_oauth_user_provider UNIQUE (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS giveaways (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '!participar',
			ticker_message TEXT,
			is_open BOOLEAN NOT NULL DEFAULT FALSE,
			youtube_video_id TEXT,
			youtube_live_chat_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE giveaways ADD COLUMN IF NOT EXISTS ticker_message TEXT`,
		`CREATE TABLE IF NOT EXISTS participants (
			id SERIAL PRIMARY KEY,
			giveaway_id INTEGER NOT NULL REFERENCES giveaways(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_participant_unique UNIQUE (giveaway_id, platform, platform_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS winners (
			id SERIAL PRIMARY KEY,
			giveaway_id INTEGER NOT NULL REFERENCES giveaways(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			drawn_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			giveaway_id INTEGER REFERENCES giveaways(id) ON DELETE SET NULL,
			action TEXT NOT NULL,
			payload_json JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_giveaways_user ON giveaways(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_giveaways_open ON giveaways(is_open)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_giveaway ON participants(giveaway_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_first_seen ON participants(giveaway_id, first_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_winners_giveaway ON winners(giveaway_id, drawn_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_giveaway ON audit_logs(giveaway_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
