package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/google/uuid"
)

const (
	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorCodeCreate     = "create"
	errorCodeGet        = "get"
	errorCodeInvariant  = "negative_balance"
	errorCodeSetTier    = "set_tier"
)

// Store implements credits.Store in process memory. Each account is guarded by its own mutex,
// so writers on different accounts never wait on each other.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountSlot
}

type accountSlot struct {
	mu      sync.Mutex
	account credits.Account
	audit   []credits.AuditRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{accounts: make(map[string]*accountSlot)}
}

// CreateAccount inserts account and its opening audit record.
func (store *Store) CreateAccount(ctx context.Context, account credits.Account, record credits.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	key := account.UserID.String()
	if _, exists := store.accounts[key]; exists {
		return wrapStoreError(errorCodeCreate, credits.ErrAccountExists)
	}
	stored := account.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	store.accounts[key] = &accountSlot{
		account: stored,
		audit:   []credits.AuditRecord{withRecordID(record, account.UserID)},
	}
	return nil
}

// GetAccount returns a copy of the account.
func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	if err := ctx.Err(); err != nil {
		return credits.Account{}, err
	}
	slot, err := store.slot(userID)
	if err != nil {
		return credits.Account{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.account.Clone(), nil
}

// UpdateAccount runs mutate under the account's lock and commits the result with its audit records.
func (store *Store) UpdateAccount(ctx context.Context, userID credits.UserID, mutate credits.AccountMutation) (credits.Account, error) {
	if err := ctx.Err(); err != nil {
		return credits.Account{}, err
	}
	slot, err := store.slot(userID)
	if err != nil {
		return credits.Account{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	working := slot.account.Clone()
	records, err := mutate(&working)
	if err != nil {
		return credits.Account{}, err
	}
	if working.Balance < 0 {
		return credits.Account{}, credits.WrapError(errorOperationStore, errorSubjectAccount, errorCodeInvariant, credits.ErrInsufficientCredits)
	}
	working.UserID = slot.account.UserID
	working.Version = slot.account.Version + 1
	for _, record := range records {
		slot.audit = append(slot.audit, withRecordID(record, userID))
	}
	slot.account = working
	return working.Clone(), nil
}

// ListUserIDs pages through user ids in ascending order strictly after after.
func (store *Store) ListUserIDs(ctx context.Context, after credits.UserID, limit int) ([]credits.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	keys := make([]string, 0, len(store.accounts))
	for key := range store.accounts {
		if key > after.String() {
			keys = append(keys, key)
		}
	}
	store.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	userIDs := make([]credits.UserID, 0, len(keys))
	for _, key := range keys {
		userID, err := credits.NewUserID(key)
		if err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// ListAudit returns records created strictly before before, newest first.
func (store *Store) ListAudit(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot, err := store.slot(userID)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	records := make([]credits.AuditRecord, 0)
	for index := len(slot.audit) - 1; index >= 0; index-- {
		record := slot.audit[index]
		if !before.IsZero() && !record.CreatedAt.Before(before) {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// SetTier records a tier change coming from the billing system.
func (store *Store) SetTier(ctx context.Context, userID credits.UserID, tier credits.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot, err := store.slot(userID)
	if err != nil {
		return credits.WrapError(errorOperationStore, errorSubjectAccount, errorCodeSetTier, err)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.account.Tier = tier
	slot.account.Version++
	return nil
}

// Ping always succeeds.
func (store *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (store *Store) slot(userID credits.UserID) (*accountSlot, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	slot, ok := store.accounts[userID.String()]
	if !ok {
		return nil, wrapStoreError(errorCodeGet, credits.ErrAccountNotFound)
	}
	return slot, nil
}

func withRecordID(record credits.AuditRecord, userID credits.UserID) credits.AuditRecord {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	record.UserID = userID
	return record
}

func wrapStoreError(code string, err error) error {
	return credits.WrapError(errorOperationStore, errorSubjectAccount, code, err)
}
