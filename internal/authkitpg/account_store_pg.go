package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/oauthgate/internal/authkit"
)

var errEmptySubjectID = errors.New("account_store.pgx.empty_subject_id")

const accountColumns = `id, subject_id, email, display_name, picture_url, access_token, refresh_token, access_token_expiry, created_at, updated_at`

// PostgresAccountStore persists user accounts in PostgreSQL through a pgx pool.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresAccountStore constructs a Postgres store.
func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// FindByID loads an account by its internal identifier.
func (store *PostgresAccountStore) FindByID(ctx context.Context, accountID string) (*authkit.UserAccount, error) {
	return store.queryOne(ctx, "find_by_id", `SELECT `+accountColumns+` FROM user_accounts WHERE id = $1`, accountID)
}

// FindBySubjectID loads an account by the provider subject.
func (store *PostgresAccountStore) FindBySubjectID(ctx context.Context, subjectID string) (*authkit.UserAccount, error) {
	return store.queryOne(ctx, "find_by_subject", `SELECT `+accountColumns+` FROM user_accounts WHERE subject_id = $1`, subjectID)
}

// FindOrCreate inserts candidate unless the subject already exists.
func (store *PostgresAccountStore) FindOrCreate(ctx context.Context, candidate *authkit.UserAccount) (*authkit.UserAccount, bool, error) {
	if candidate == nil || strings.TrimSpace(candidate.SubjectID) == "" {
		return nil, false, fmt.Errorf("account_store.find_or_create.pgx: %w", errEmptySubjectID)
	}
	now := store.now()
	accountID := uuid.NewString()
	tag, err := store.pool.Exec(ctx, `
INSERT INTO user_accounts (id, subject_id, email, display_name, picture_url, access_token, refresh_token, access_token_expiry, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (subject_id) DO NOTHING
`, accountID, candidate.SubjectID, candidate.Email, candidate.DisplayName, candidate.PictureURL,
		candidate.AccessToken, candidate.RefreshToken, candidate.AccessTokenExpiry, now)
	if err != nil {
		return nil, false, fmt.Errorf("account_store.find_or_create.pgx: %w", err)
	}
	account, findErr := store.FindBySubjectID(ctx, candidate.SubjectID)
	if findErr != nil {
		return nil, false, findErr
	}
	return account, tag.RowsAffected() == 1 && account.ID == accountID, nil
}

// Save persists token and profile fields of an existing account.
func (store *PostgresAccountStore) Save(ctx context.Context, account *authkit.UserAccount) error {
	if account == nil {
		return fmt.Errorf("account_store.save.pgx: %w", authkit.ErrAccountNotFound)
	}
	tag, err := store.pool.Exec(ctx, `
UPDATE user_accounts
SET email = $2, display_name = $3, picture_url = $4, access_token = $5,
    refresh_token = $6, access_token_expiry = $7, updated_at = $8
WHERE id = $1
`, account.ID, account.Email, account.DisplayName, account.PictureURL, account.AccessToken,
		account.RefreshToken, account.AccessTokenExpiry, store.now())
	if err != nil {
		return fmt.Errorf("account_store.save.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account_store.save.pgx: %w", authkit.ErrAccountNotFound)
	}
	return nil
}

func (store *PostgresAccountStore) queryOne(ctx context.Context, operation string, query string, argument string) (*authkit.UserAccount, error) {
	var account authkit.UserAccount
	row := store.pool.QueryRow(ctx, query, argument)
	scanErr := row.Scan(
		&account.ID,
		&account.SubjectID,
		&account.Email,
		&account.DisplayName,
		&account.PictureURL,
		&account.AccessToken,
		&account.RefreshToken,
		&account.AccessTokenExpiry,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account_store.%s.pgx: %w", operation, authkit.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("account_store.%s.pgx: %w", operation, scanErr)
	}
	return &account, nil
}
