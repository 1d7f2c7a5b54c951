package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("account_store.unsupported_dialect")

	errEmptySubjectID      = errors.New("account_store.empty_subject_id")
	errEmptyDatabaseURL    = errors.New("account_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("account_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("account_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("account_store.unsupported_no_scheme")
)

// DatabaseAccountStore persists user accounts using GORM.
type DatabaseAccountStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseAccountStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseAccountStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("account_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

type userAccountRecord struct {
	ID                string     `gorm:"column:id;primaryKey"`
	SubjectID         string     `gorm:"column:subject_id;size:100;uniqueIndex;not null"`
	Email             string     `gorm:"column:email;not null"`
	DisplayName       string     `gorm:"column:display_name;not null;default:''"`
	PictureURL        string     `gorm:"column:picture_url;type:text;not null;default:''"`
	AccessToken       string     `gorm:"column:access_token;type:text;not null;default:''"`
	RefreshToken      *string    `gorm:"column:refresh_token;type:text"`
	AccessTokenExpiry *time.Time `gorm:"column:access_token_expiry"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (userAccountRecord) TableName() string {
	return "user_accounts"
}

func (record userAccountRecord) toAccount() *UserAccount {
	account := &UserAccount{
		ID:                record.ID,
		SubjectID:         record.SubjectID,
		Email:             record.Email,
		DisplayName:       record.DisplayName,
		PictureURL:        record.PictureURL,
		AccessToken:       record.AccessToken,
		RefreshToken:      record.RefreshToken,
		AccessTokenExpiry: record.AccessTokenExpiry,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
	return account.Clone()
}

func recordFromAccount(account *UserAccount) userAccountRecord {
	cloned := account.Clone()
	return userAccountRecord{
		ID:                cloned.ID,
		SubjectID:         cloned.SubjectID,
		Email:             cloned.Email,
		DisplayName:       cloned.DisplayName,
		PictureURL:        cloned.PictureURL,
		AccessToken:       cloned.AccessToken,
		RefreshToken:      cloned.RefreshToken,
		AccessTokenExpiry: cloned.AccessTokenExpiry,
		CreatedAt:         cloned.CreatedAt,
		UpdatedAt:         cloned.UpdatedAt,
	}
}

// NewDatabaseAccountStore constructs a GORM-backed store and migrates its table.
func NewDatabaseAccountStore(ctx context.Context, databaseURL string) (*DatabaseAccountStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("account_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("account_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userAccountRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("account_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseAccountStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByID loads an account by its internal identifier.
func (store *DatabaseAccountStore) FindByID(ctx context.Context, accountID string) (*UserAccount, error) {
	return store.take(ctx, "find_by_id", "id = ?", accountID)
}

// FindBySubjectID loads an account by the provider subject.
func (store *DatabaseAccountStore) FindBySubjectID(ctx context.Context, subjectID string) (*UserAccount, error) {
	return store.take(ctx, "find_by_subject", "subject_id = ?", subjectID)
}

// FindOrCreate inserts candidate unless the subject already exists. Concurrent
// callers racing on one subject converge on the row that won the unique index.
func (store *DatabaseAccountStore) FindOrCreate(ctx context.Context, candidate *UserAccount) (*UserAccount, bool, error) {
	if candidate == nil || strings.TrimSpace(candidate.SubjectID) == "" {
		return nil, false, fmt.Errorf("account_store.find_or_create.%s: %w", store.driverLabel, errEmptySubjectID)
	}
	now := time.Now().UTC()
	record := recordFromAccount(candidate)
	record.ID = uuid.NewString()
	record.CreatedAt = now
	record.UpdatedAt = now

	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject_id"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return nil, false, fmt.Errorf("account_store.find_or_create.%s: %w", store.driverLabel, result.Error)
	}
	account, err := store.take(ctx, "find_or_create", "subject_id = ?", candidate.SubjectID)
	if err != nil {
		return nil, false, err
	}
	return account, result.RowsAffected == 1 && account.ID == record.ID, nil
}

// Save persists token and profile fields. A nil refresh token is written as NULL;
// callers merge grants through ApplyTokenGrant so a stored token is never dropped.
func (store *DatabaseAccountStore) Save(ctx context.Context, account *UserAccount) error {
	if account == nil {
		return fmt.Errorf("account_store.save.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	record := recordFromAccount(account)
	result := store.db.WithContext(ctx).Model(&userAccountRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"email":               record.Email,
			"display_name":        record.DisplayName,
			"picture_url":         record.PictureURL,
			"access_token":        record.AccessToken,
			"refresh_token":       record.RefreshToken,
			"access_token_expiry": record.AccessTokenExpiry,
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("account_store.save.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.save.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return nil
}

func (store *DatabaseAccountStore) take(ctx context.Context, operation string, query string, argument string) (*UserAccount, error) {
	var record userAccountRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return record.toAccount(), nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("account_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("account_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("account_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("account_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
