package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a log entry")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsDeductOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testEpoch)
	logger := &recorderLogger{}
	service := mustNewService(test, store, clock, WithOperationLogger(logger))
	userID := mustUserID(test, "logged-user")
	mustOpen(test, service, userID, TierFree, testEpoch)

	if _, err := service.Deduct(context.Background(), userID, mustOperation(test, "generate_scene"), mustContext(test, `{"action":"test"}`)); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	entry := logger.last(test)
	if entry.Operation != operationDeduct || entry.UserID != userID || entry.Amount != 5 || entry.BalanceAfter != 5 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Status != StatusOK || entry.Error != nil {
		test.Fatalf("expected ok entry, got %+v", entry)
	}
	if !entry.OccurredAt.Equal(testEpoch) {
		test.Fatalf("expected clock time, got %s", entry.OccurredAt)
	}
}

func TestServiceLogsStatusByErrorClass(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testEpoch)
	logger := &recorderLogger{}
	service := mustNewService(test, store, clock, WithOperationLogger(logger))
	userID := mustUserID(test, "status-user")
	mustOpen(test, service, userID, TierFree, testEpoch)

	_, _ = service.Deduct(context.Background(), userID, mustOperation(test, "unknown_thing"), ContextJSON{})
	if entry := logger.last(test); entry.Status != StatusRejected {
		test.Fatalf("expected rejected status, got %+v", entry)
	}

	store.failWith(errors.New("disk on fire"))
	_, _ = service.Grant(context.Background(), userID, 1, "test")
	if entry := logger.last(test); entry.Status != StatusError || entry.Error == nil {
		test.Fatalf("expected error status, got %+v", entry)
	}

	_, _ = service.ResetCycle(context.Background(), userID, testEpoch.Add(time.Hour))
	if entry := logger.last(test); entry.Status != StatusSkipped || entry.Operation != operationReset {
		test.Fatalf("expected skipped reset, got %+v", entry)
	}
}

func TestMultiLoggerFansOut(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	MultiLogger{first, nil, second}.LogOperation(context.Background(), OperationLog{Operation: operationGrant})
	if len(first.entries) != 1 || len(second.entries) != 1 {
		test.Fatalf("expected both loggers to receive the entry")
	}
}
