package credits

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	mu       sync.Mutex
	accounts map[UserID]Account
	audit    []AuditRecord
	updates  int
	failNext []error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: make(map[UserID]Account)}
}

func (store *stubStore) CreateAccount(_ context.Context, account Account, record AuditRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.popFailure(); err != nil {
		return err
	}
	if _, exists := store.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.UserID] = account.Clone()
	store.audit = append(store.audit, record)
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.popFailure(); err != nil {
		return Account{}, err
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account.Clone(), nil
}

func (store *stubStore) UpdateAccount(_ context.Context, userID UserID, mutate AccountMutation) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.updates++
	if err := store.popFailure(); err != nil {
		return Account{}, err
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	working := account.Clone()
	records, err := mutate(&working)
	if err != nil {
		return Account{}, err
	}
	working.Version++
	store.accounts[userID] = working
	store.audit = append(store.audit, records...)
	return working.Clone(), nil
}

func (store *stubStore) ListUserIDs(_ context.Context, after UserID, limit int) ([]UserID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	userIDs := make([]UserID, 0, len(store.accounts))
	for userID := range store.accounts {
		if userID.String() > after.String() {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Slice(userIDs, func(left, right int) bool { return userIDs[left].String() < userIDs[right].String() })
	if len(userIDs) > limit {
		userIDs = userIDs[:limit]
	}
	return userIDs, nil
}

func (store *stubStore) ListAudit(_ context.Context, userID UserID, before time.Time, limit int) ([]AuditRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	records := make([]AuditRecord, 0, limit)
	for index := len(store.audit) - 1; index >= 0 && len(records) < limit; index-- {
		record := store.audit[index]
		if record.UserID == userID && record.CreatedAt.Before(before) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *stubStore) popFailure() error {
	if len(store.failNext) == 0 {
		return nil
	}
	err := store.failNext[0]
	store.failNext = store.failNext[1:]
	return err
}

func (store *stubStore) failWith(errs ...error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failNext = append(store.failNext, errs...)
}

func (store *stubStore) mustAccount(test *testing.T, userID UserID) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	return account.Clone()
}

func (store *stubStore) auditFor(userID UserID) []AuditRecord {
	store.mu.Lock()
	defer store.mu.Unlock()
	records := make([]AuditRecord, 0)
	for _, record := range store.audit {
		if record.UserID == userID {
			records = append(records, record)
		}
	}
	return records
}

func (store *stubStore) setTier(test *testing.T, userID UserID, tier Tier) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	account.Tier = tier
	store.accounts[userID] = account
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(delta time.Duration) time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
	return clock.now
}

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0}
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(fastRetryPolicy())}, options...)
	service, err := NewService(store, DefaultCostTable(), DefaultTierTable(), DefaultCyclePolicy(), clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustOperation(test *testing.T, raw string) OperationName {
	test.Helper()
	operation, err := NewOperationName(raw)
	if err != nil {
		test.Fatalf("operation name: %v", err)
	}
	return operation
}

func mustContext(test *testing.T, raw string) ContextJSON {
	test.Helper()
	contextJSON, err := NewContextJSON(raw)
	if err != nil {
		test.Fatalf("context json: %v", err)
	}
	return contextJSON
}

func mustOpen(test *testing.T, service *Service, userID UserID, tier Tier, anchor time.Time) Snapshot {
	test.Helper()
	snapshot, err := service.OpenAccount(context.Background(), userID, tier, anchor)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	return snapshot
}
