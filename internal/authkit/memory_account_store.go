package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccountStore is an in-memory store intended for tests and dev.
type MemoryAccountStore struct {
	mutex     sync.Mutex
	byID      map[string]*UserAccount
	bySubject map[string]string
	now       func() time.Time
}

// NewMemoryAccountStore creates a new in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byID:      make(map[string]*UserAccount),
		bySubject: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FindByID returns a copy of the account with the given internal id.
func (store *MemoryAccountStore) FindByID(ctx context.Context, accountID string) (*UserAccount, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[accountID]
	if record == nil {
		return nil, fmt.Errorf("account_store.find_by_id.memory: %w", ErrAccountNotFound)
	}
	return record.Clone(), nil
}

// FindBySubjectID returns a copy of the account linked to the provider subject.
func (store *MemoryAccountStore) FindBySubjectID(ctx context.Context, subjectID string) (*UserAccount, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	accountID, ok := store.bySubject[subjectID]
	if !ok {
		return nil, fmt.Errorf("account_store.find_by_subject.memory: %w", ErrAccountNotFound)
	}
	return store.byID[accountID].Clone(), nil
}

// FindOrCreate inserts candidate unless an account with the same subject exists.
func (store *MemoryAccountStore) FindOrCreate(ctx context.Context, candidate *UserAccount) (*UserAccount, bool, error) {
	if candidate == nil || strings.TrimSpace(candidate.SubjectID) == "" {
		return nil, false, fmt.Errorf("account_store.find_or_create.memory: %w", errEmptySubjectID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if accountID, ok := store.bySubject[candidate.SubjectID]; ok {
		return store.byID[accountID].Clone(), false, nil
	}
	now := store.now()
	record := candidate.Clone()
	record.ID = uuid.NewString()
	record.CreatedAt = now
	record.UpdatedAt = now
	store.byID[record.ID] = record
	store.bySubject[record.SubjectID] = record.ID
	return record.Clone(), true, nil
}

// Save replaces the stored token and profile fields of an existing account.
func (store *MemoryAccountStore) Save(ctx context.Context, account *UserAccount) error {
	if account == nil {
		return fmt.Errorf("account_store.save.memory: %w", ErrAccountNotFound)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing := store.byID[account.ID]
	if existing == nil {
		return fmt.Errorf("account_store.save.memory: %w", ErrAccountNotFound)
	}
	updated := account.Clone()
	updated.SubjectID = existing.SubjectID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = store.now()
	store.byID[account.ID] = updated
	return nil
}
