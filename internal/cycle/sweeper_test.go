package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var openedAt = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

type failingResetter struct {
	inner   Resetter
	failFor map[string]error
}

func (resetter failingResetter) ResetCycle(ctx context.Context, userID credits.UserID, now time.Time) (bool, error) {
	if err, ok := resetter.failFor[userID.String()]; ok {
		return false, err
	}
	return resetter.inner.ResetCycle(ctx, userID, now)
}

// unavailableStore fails every account update for one user with a retryable error.
type unavailableStore struct {
	*memstore.Store
	failFor  string
	cause    error
	attempts atomic.Int32
}

func (store *unavailableStore) UpdateAccount(ctx context.Context, userID credits.UserID, mutate credits.AccountMutation) (credits.Account, error) {
	if userID.String() == store.failFor {
		store.attempts.Add(1)
		return credits.Account{}, credits.Transient(store.cause)
	}
	return store.Store.UpdateAccount(ctx, userID, mutate)
}

type brokenLister struct {
	err error
}

func (lister brokenLister) ListUserIDs(context.Context, credits.UserID, int) ([]credits.UserID, error) {
	return nil, lister.err
}

type recordingRecorder struct {
	reports []SweepReport
}

func (recorder *recordingRecorder) RecordSweep(report SweepReport) {
	recorder.reports = append(recorder.reports, report)
}

func newLedger(t *testing.T, users ...string) (*credits.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	service, err := credits.NewService(store, credits.DefaultCostTable(), credits.DefaultTierTable(), credits.DefaultCyclePolicy(), func() time.Time { return openedAt })
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	for _, raw := range users {
		userID, err := credits.NewUserID(raw)
		if err != nil {
			t.Fatalf("user id: %v", err)
		}
		if _, err := service.OpenAccount(context.Background(), userID, credits.TierFree, openedAt); err != nil {
			t.Fatalf("open %s: %v", raw, err)
		}
		if _, err := service.Deduct(context.Background(), userID, "generate_portrait", credits.ContextJSON{}); err != nil {
			t.Fatalf("deduct %s: %v", raw, err)
		}
	}
	return service, store
}

func TestRunResetSweepContinuesPastFailures(t *testing.T) {
	service, store := newLedger(t, "alice", "bob", "carol")
	boom := errors.New("storage hiccup")
	core, logs := observer.New(zap.WarnLevel)
	recorder := &recordingRecorder{}
	sweeper := NewSweeper(SweeperConfig{
		Lister:   store,
		Resetter: failingResetter{inner: service, failFor: map[string]error{"bob": boom}},
		Logger:   zap.New(core),
		Recorder: recorder,
	})

	report := sweeper.RunResetSweep(context.Background(), openedAt.Add(31*24*time.Hour))
	if report.AccountsChecked != 3 || report.AccountsReset != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].UserID.String() != "bob" || !errors.Is(report.Errors[0].Err, boom) {
		t.Fatalf("unexpected errors: %+v", report.Errors)
	}
	for _, raw := range []string{"alice", "carol"} {
		userID, _ := credits.NewUserID(raw)
		snapshot, err := service.CheckBalance(context.Background(), userID)
		if err != nil {
			t.Fatalf("check %s: %v", raw, err)
		}
		if snapshot.Balance != 10 {
			t.Fatalf("expected %s refilled to 10, got %d", raw, snapshot.Balance)
		}
	}
	bob, _ := credits.NewUserID("bob")
	if snapshot, _ := service.CheckBalance(context.Background(), bob); snapshot.Balance != 5 {
		t.Fatalf("expected bob untouched at 5, got %d", snapshot.Balance)
	}
	if logs.FilterMessage("reset sweep account failed").Len() != 1 {
		t.Fatalf("expected one warning for the failed account")
	}
	if len(recorder.reports) != 1 {
		t.Fatalf("expected recorder to observe the sweep")
	}
}

func TestRunResetSweepReportsStoreFailuresAfterRetries(t *testing.T) {
	_, seeded := newLedger(t, "alice", "bob", "carol")
	boom := errors.New("disk unavailable")
	store := &unavailableStore{Store: seeded, failFor: "bob", cause: boom}
	service, err := credits.NewService(
		store,
		credits.DefaultCostTable(),
		credits.DefaultTierTable(),
		credits.DefaultCyclePolicy(),
		func() time.Time { return openedAt },
		credits.WithRetryPolicy(credits.RetryPolicy{MaxAttempts: 3}),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	sweeper := NewSweeper(SweeperConfig{Lister: store, Resetter: service, Logger: zap.NewNop()})

	report := sweeper.RunResetSweep(context.Background(), openedAt.Add(31*24*time.Hour))
	if report.AccountsChecked != 3 || report.AccountsReset != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].UserID.String() != "bob" {
		t.Fatalf("unexpected errors: %+v", report.Errors)
	}
	if !errors.Is(report.Errors[0].Err, boom) || !errors.Is(report.Errors[0].Err, credits.ErrStorageUnavailable) {
		t.Fatalf("expected the store failure in the error chain, got %v", report.Errors[0].Err)
	}
	if attempts := store.attempts.Load(); attempts != 3 {
		t.Fatalf("expected the retry policy to make 3 attempts, got %d", attempts)
	}
	for _, raw := range []string{"alice", "carol"} {
		userID, _ := credits.NewUserID(raw)
		snapshot, err := service.CheckBalance(context.Background(), userID)
		if err != nil {
			t.Fatalf("check %s: %v", raw, err)
		}
		if snapshot.Balance != 10 {
			t.Fatalf("expected %s refilled to 10, got %d", raw, snapshot.Balance)
		}
	}
	bob, _ := credits.NewUserID("bob")
	if snapshot, _ := service.CheckBalance(context.Background(), bob); snapshot.Balance != 5 {
		t.Fatalf("expected bob untouched at 5, got %d", snapshot.Balance)
	}
}

func TestRunResetSweepIsIdempotent(t *testing.T) {
	service, store := newLedger(t, "dora", "eve")
	sweeper := NewSweeper(SweeperConfig{Lister: store, Resetter: service})
	now := openedAt.Add(30 * 24 * time.Hour)

	first := sweeper.RunResetSweep(context.Background(), now)
	second := sweeper.RunResetSweep(context.Background(), now)
	if first.AccountsReset != 2 {
		t.Fatalf("expected 2 resets on first sweep, got %d", first.AccountsReset)
	}
	if second.AccountsReset != 0 || second.AccountsChecked != 2 || len(second.Errors) != 0 {
		t.Fatalf("expected repeated sweep to reset nothing, got %+v", second)
	}
}

func TestRunResetSweepPagesThroughAllAccounts(t *testing.T) {
	users := make([]string, 0, 7)
	for index := 0; index < 7; index++ {
		users = append(users, fmt.Sprintf("user-%02d", index))
	}
	service, store := newLedger(t, users...)
	sweeper := NewSweeper(SweeperConfig{Lister: store, Resetter: service, PageSize: 3, Parallelism: 2})

	report := sweeper.RunResetSweep(context.Background(), openedAt.Add(45*24*time.Hour))
	if report.AccountsChecked != 7 || report.AccountsReset != 7 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunResetSweepRecordsListingFailure(t *testing.T) {
	listErr := errors.New("listing unavailable")
	sweeper := NewSweeper(SweeperConfig{Lister: brokenLister{err: listErr}, Resetter: failingResetter{}})

	report := sweeper.RunResetSweep(context.Background(), openedAt)
	if len(report.Errors) != 1 || !report.Errors[0].UserID.IsZero() || !errors.Is(report.Errors[0].Err, listErr) {
		t.Fatalf("unexpected report: %+v", report)
	}
}
