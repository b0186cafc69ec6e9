package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var errCycleNotDue = errors.New("cycle reset not due")

// Service is the sole arbiter of affordability and the sole writer of account balances.
type Service struct {
	store       Store
	costs       CostTable
	tiers       TierTable
	cycle       CyclePolicy
	nowFn       func() time.Time
	logger      OperationLogger
	retryPolicy RetryPolicy
}

// NewService wires a Service.
func NewService(store Store, costs CostTable, tiers TierTable, cycle CyclePolicy, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if costs.Len() == 0 {
		return nil, fmt.Errorf("%w: cost table is empty", ErrInvalidServiceConfig)
	}
	if len(tiers.Tiers()) == 0 {
		return nil, fmt.Errorf("%w: tier table is empty", ErrInvalidServiceConfig)
	}
	if err := cycle.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	service := &Service{
		store:       store,
		costs:       costs,
		tiers:       tiers,
		cycle:       cycle,
		nowFn:       now,
		retryPolicy: DefaultRetryPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.retryPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	return service, nil
}

// Costs exposes the read-only cost table.
func (service *Service) Costs() CostTable {
	return service.costs
}

// Tiers exposes the read-only tier table.
func (service *Service) Tiers() TierTable {
	return service.tiers
}

// CheckBalance returns an advisory snapshot. Nothing is reserved.
func (service *Service) CheckBalance(ctx context.Context, userID UserID) (Snapshot, error) {
	var account Account
	err := service.retryPolicy.Do(ctx, func(ctx context.Context) error {
		loaded, err := service.store.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		account = loaded
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return service.snapshot(account), nil
}

// OpenAccount creates an account holding its tier's allotment, anchored at now.
func (service *Service) OpenAccount(ctx context.Context, userID UserID, tier Tier, now time.Time) (Snapshot, error) {
	allotment, err := service.tiers.Allotment(tier)
	if err != nil {
		return Snapshot{}, err
	}
	account := Account{
		UserID:            userID,
		Balance:           allotment.Credits,
		Tier:              tier,
		CycleAnchor:       now.UTC(),
		SecondaryCounters: allotment.Counters,
		Version:           1,
	}
	record := AuditRecord{
		UserID:       userID,
		Kind:         AuditOpen,
		Subject:      tier.String(),
		Amount:       allotment.Credits,
		BalanceAfter: allotment.Credits,
		Context:      ContextJSON{},
		CreatedAt:    service.now(),
	}
	operationError := service.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return service.store.CreateAccount(ctx, account, record)
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationOpen,
		UserID:       userID,
		Subject:      tier.String(),
		Amount:       allotment.Credits,
		BalanceAfter: allotment.Credits,
		Error:        operationError,
	})
	if operationError != nil {
		return Snapshot{}, operationError
	}
	return service.snapshot(account), nil
}

// Deduct charges operation's cost against userID's balance. The check and the decrement
// happen in one per-account atomic unit together with the audit record.
func (service *Service) Deduct(ctx context.Context, userID UserID, operation OperationName, contextJSON ContextJSON) (Credits, error) {
	cost, err := service.costs.CostOf(operation)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationDeduct,
			UserID:    userID,
			Subject:   operation.String(),
			Context:   contextJSON,
			Error:     err,
		})
		return 0, err
	}
	var remaining Credits
	operationError := service.retryPolicy.Do(ctx, func(ctx context.Context) error {
		_, err := service.store.UpdateAccount(ctx, userID, func(account *Account) ([]AuditRecord, error) {
			if account.Balance < cost {
				return nil, fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientCredits, account.Balance, cost)
			}
			account.Balance -= cost
			remaining = account.Balance
			return []AuditRecord{{
				UserID:       userID,
				Kind:         AuditDeduct,
				Subject:      operation.String(),
				Amount:       cost,
				BalanceAfter: account.Balance,
				Context:      contextJSON,
				CreatedAt:    service.now(),
			}}, nil
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationDeduct,
		UserID:       userID,
		Subject:      operation.String(),
		Amount:       cost,
		BalanceAfter: remaining,
		Context:      contextJSON,
		Error:        operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// Grant adds amount to userID's balance.
func (service *Service) Grant(ctx context.Context, userID UserID, amount Credits, reason string) (Credits, error) {
	contextJSON, err := ContextFromMap(map[string]any{"reason": reason})
	if err != nil {
		return 0, err
	}
	var balance Credits
	operationError := func() error {
		if amount <= 0 {
			return fmt.Errorf("%w: grant must be greater than zero", ErrInvalidCredits)
		}
		return service.retryPolicy.Do(ctx, func(ctx context.Context) error {
			_, err := service.store.UpdateAccount(ctx, userID, func(account *Account) ([]AuditRecord, error) {
				if account.Balance > Credits(math.MaxInt64)-amount {
					return nil, fmt.Errorf("%w: balance overflow", ErrInvalidCredits)
				}
				account.Balance += amount
				balance = account.Balance
				return []AuditRecord{{
					UserID:       userID,
					Kind:         AuditGrant,
					Amount:       amount,
					BalanceAfter: account.Balance,
					Context:      contextJSON,
					CreatedAt:    service.now(),
				}}, nil
			})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationGrant,
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: balance,
		Context:      contextJSON,
		Error:        operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// ResetCycle refills userID's balance and secondary counters from the tier held at call time,
// provided a cycle boundary has passed since the anchor. It reports whether a reset applied.
func (service *Service) ResetCycle(ctx context.Context, userID UserID, now time.Time) (bool, error) {
	var (
		applied   bool
		tier      Tier
		allotment TierAllotment
	)
	operationError := service.retryPolicy.Do(ctx, func(ctx context.Context) error {
		applied = false
		_, err := service.store.UpdateAccount(ctx, userID, func(account *Account) ([]AuditRecord, error) {
			if !service.cycle.Due(account.CycleAnchor, now) {
				return nil, errCycleNotDue
			}
			currentAllotment, err := service.tiers.Allotment(account.Tier)
			if err != nil {
				return nil, err
			}
			previousBalance := account.Balance
			nextAnchor := service.cycle.Advance(account.CycleAnchor, now)
			counters := currentAllotment.Counters
			for name := range account.SecondaryCounters {
				if _, granted := counters[name]; !granted {
					counters[name] = 0
				}
			}
			account.Balance = currentAllotment.Credits
			account.SecondaryCounters = counters
			account.CycleAnchor = nextAnchor
			contextJSON, err := ContextFromMap(map[string]any{
				"previous_balance": previousBalance.Int64(),
				"cycle_anchor":     nextAnchor.Format(time.RFC3339),
			})
			if err != nil {
				return nil, err
			}
			applied = true
			tier = account.Tier
			allotment = currentAllotment
			return []AuditRecord{{
				UserID:       userID,
				Kind:         AuditReset,
				Subject:      account.Tier.String(),
				Amount:       currentAllotment.Credits,
				BalanceAfter: currentAllotment.Credits,
				Context:      contextJSON,
				CreatedAt:    service.now(),
			}}, nil
		})
		return err
	})
	if errors.Is(operationError, errCycleNotDue) {
		service.logOperation(ctx, OperationLog{
			Operation: operationReset,
			UserID:    userID,
			Status:    operationStatusSkipped,
		})
		return false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationReset,
		UserID:       userID,
		Subject:      tier.String(),
		Amount:       allotment.Credits,
		BalanceAfter: allotment.Credits,
		Error:        operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return applied, nil
}

// ConsumeCounter takes amount from a named secondary counter. Counters are never clamped.
func (service *Service) ConsumeCounter(ctx context.Context, userID UserID, counter string, amount int64, contextJSON ContextJSON) (int64, error) {
	var remaining int64
	operationError := func() error {
		if amount <= 0 {
			return fmt.Errorf("%w: counter amount must be greater than zero", ErrInvalidCredits)
		}
		return service.retryPolicy.Do(ctx, func(ctx context.Context) error {
			_, err := service.store.UpdateAccount(ctx, userID, func(account *Account) ([]AuditRecord, error) {
				current, ok := account.SecondaryCounters[counter]
				if !ok {
					return nil, fmt.Errorf("%w: %q", ErrUnknownCounter, counter)
				}
				if current < amount {
					return nil, fmt.Errorf("%w: %s has %d, need %d", ErrCounterExhausted, counter, current, amount)
				}
				account.SecondaryCounters[counter] = current - amount
				remaining = current - amount
				return []AuditRecord{{
					UserID:       userID,
					Kind:         AuditConsumeCounter,
					Subject:      counter,
					Amount:       Credits(amount),
					BalanceAfter: account.Balance,
					Context:      contextJSON,
					CreatedAt:    service.now(),
				}}, nil
			})
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationConsumeCounter,
		UserID:    userID,
		Subject:   counter,
		Amount:    Credits(amount),
		Context:   contextJSON,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// History lists userID's audit records newest first, strictly before before (zero means now).
func (service *Service) History(ctx context.Context, userID UserID, before time.Time, limit int) ([]AuditRecord, error) {
	if _, err := service.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = service.now().Add(time.Second)
	}
	return service.store.ListAudit(ctx, userID, before, clampHistoryLimit(limit))
}

func (service *Service) snapshot(account Account) Snapshot {
	return Snapshot{
		UserID:            account.UserID,
		Balance:           account.Balance,
		Tier:              account.Tier,
		SecondaryCounters: cloneCounters(account.SecondaryCounters),
		CycleAnchor:       account.CycleAnchor,
		NextReset:         service.cycle.NextBoundary(account.CycleAnchor),
	}
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case IsExpected(entry.Error):
			entry.Status = operationStatusRejected
		default:
			entry.Status = operationStatusError
		}
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = service.now()
	}
	service.logger.LogOperation(ctx, entry)
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
