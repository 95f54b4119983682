package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Open connects to Postgres. An empty url falls back to DATABASE_URL.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	dbURL, err := resolveURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

func resolveURL(url string) (string, error) {
	if direct := strings.TrimSpace(url); direct != "" {
		return direct, nil
	}
	if env := strings.TrimSpace(os.Getenv("DATABASE_URL")); env != "" {
		return env, nil
	}
	return "", errors.New("database url not configured and DATABASE_URL is not set")
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS deliberation_sessions (
		id          TEXT PRIMARY KEY,
		phase       TEXT NOT NULL DEFAULT 'idle',
		record      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS deliberation_messages (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
		round       INTEGER NOT NULL,
		turn        INTEGER NOT NULL,
		agent_id    TEXT NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliberation_messages_session
		ON deliberation_messages (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS deliberation_snapshots (
		id          BIGSERIAL PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES deliberation_sessions(id) ON DELETE CASCADE,
		phase       TEXT NOT NULL,
		payload     JSONB NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the session tables if they do not exist
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	log.Debug().Int("statements", len(migrations)).Msg("Database schema up to date")
	return nil
}
