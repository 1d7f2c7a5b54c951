package authkit

import (
	"context"
	"errors"
)

// ErrAccountNotFound indicates no account matched the lookup key.
var ErrAccountNotFound = errors.New("account_store.not_found")

// AccountStore persists and retrieves user accounts.
type AccountStore interface {
	// FindByID loads an account by its internal identifier.
	FindByID(ctx context.Context, accountID string) (*UserAccount, error)
	// FindBySubjectID loads an account by the provider-issued subject.
	FindBySubjectID(ctx context.Context, subjectID string) (*UserAccount, error)
	// FindOrCreate returns the account for candidate.SubjectID, inserting candidate when absent.
	FindOrCreate(ctx context.Context, candidate *UserAccount) (account *UserAccount, created bool, err error)
	// Save persists the mutable fields of an existing account.
	Save(ctx context.Context, account *UserAccount) error
}
