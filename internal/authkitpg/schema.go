package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the user_accounts table if it does not exist. The
// layout matches the table the GORM store migrates, so either driver can
// serve the same database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_accounts (
    id TEXT PRIMARY KEY,
    subject_id VARCHAR(100) NOT NULL,
    email TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    picture_url TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL DEFAULT '',
    refresh_token TEXT,
    access_token_expiry TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_user_accounts_subject_id ON user_accounts (subject_id);
`)
	if err != nil {
		return fmt.Errorf("authkitpg.schema: %w", err)
	}
	return nil
}
