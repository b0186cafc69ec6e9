package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "CREDITS_TEST_DATABASE_URL"

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		t.Skipf("%s not set", envTestDatabaseURL)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	store := New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestClassifyStoreError(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		conflict  bool
		transient bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, conflict: true, transient: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, conflict: true, transient: true},
		{name: "admin shutdown connection", err: &pgconn.PgError{Code: "08003"}, transient: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "unknown", err: errors.New("boom")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			classified := classifyStoreError(errorSubjectAccount, errorCodeUpdate, testCase.err)
			if errors.Is(classified, credits.ErrConcurrentUpdate) != testCase.conflict {
				t.Fatalf("conflict classification mismatch for %v", classified)
			}
			if credits.IsTransient(classified) != testCase.transient {
				t.Fatalf("transient classification mismatch for %v", classified)
			}
		})
	}
}

func TestPostgresDeductScenario(t *testing.T) {
	store := newIntegrationStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	service, err := credits.NewService(store, credits.DefaultCostTable(), credits.DefaultTierTable(), credits.DefaultCyclePolicy(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	userID, err := credits.NewUserID(fmt.Sprintf("pg-user-%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if _, err := service.OpenAccount(context.Background(), userID, credits.TierFree, now); err != nil {
		t.Fatalf("open: %v", err)
	}

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for index := 0; index < 10; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Deduct(context.Background(), userID, "generate_portrait", credits.ContextJSON{})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, credits.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if succeeded != 2 {
		t.Fatalf("expected 2 successful deductions, got %d", succeeded)
	}

	records, err := store.ListAudit(context.Background(), userID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected open plus two deductions, got %d", len(records))
	}
	if err := store.SetTier(context.Background(), userID, credits.TierPro); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	applied, err := service.ResetCycle(context.Background(), userID, now.Add(31*24*time.Hour))
	if err != nil || !applied {
		t.Fatalf("expected reset, applied=%v err=%v", applied, err)
	}
	account, err := store.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 200 || account.Tier != credits.TierPro {
		t.Fatalf("unexpected account after reset: %+v", account)
	}
}
