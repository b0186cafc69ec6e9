package gormstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultContextJSON          = "{}"
	dialectPostgres             = "postgres"
	pgUniqueViolationCode       = "23505"
	pgSerializationFailureCode  = "40001"
	pgDeadlockDetectedCode      = "40P01"
	pgLockNotAvailableCode      = "55P03"
	pgConnectionExceptionPrefix = "08"
	sqliteBusyCode              = 5
	sqliteLockedCode            = 6
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectAudit           = "audit"
	errorSubjectSchema          = "schema"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeInvariant          = "negative_balance"
	errorCodeList               = "list"
	errorCodeMigrate            = "migrate"
	errorCodePing               = "ping"
	errorCodeSetTier            = "set_tier"
	errorCodeUpdate             = "update"
)

// Store implements credits.Store using GORM. Postgres rows are locked with SELECT ... FOR UPDATE;
// every dialect additionally guards the write with the row version.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the credit tables.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&Account{}, &AuditRecord{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks the underlying connection.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return classifyStoreError(errorSubjectSchema, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifyStoreError(errorSubjectSchema, errorCodePing, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account, record credits.AuditRecord) error {
	counters, err := encodeCounters(account.SecondaryCounters)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	now := time.Now().UTC()
	version := account.Version
	if version == 0 {
		version = 1
	}
	model := Account{
		UserID:      account.UserID.String(),
		Balance:     account.Balance.Int64(),
		Tier:        account.Tier.String(),
		CycleAnchor: account.CycleAnchor.UTC(),
		Counters:    counters,
		Version:     version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	auditRow := auditModel(account.UserID, record)

	var transactionErr error
	err = store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if createErr := transaction.Create(&model).Error; createErr != nil {
			if isDuplicate(createErr) {
				transactionErr = wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
			} else {
				transactionErr = classifyStoreError(errorSubjectAccount, errorCodeCreate, createErr)
			}
			return transactionErr
		}
		if insertErr := transaction.Create(&auditRow).Error; insertErr != nil {
			transactionErr = classifyStoreError(errorSubjectAudit, errorCodeInsert, insertErr)
			return transactionErr
		}
		return nil
	})
	return commitError(err, transactionErr)
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, classifyStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// UpdateAccount loads the account inside a transaction, applies mutate, and commits the new state
// together with the audit records. A version mismatch reports credits.ErrConcurrentUpdate.
func (store *Store) UpdateAccount(ctx context.Context, userID credits.UserID, mutate credits.AccountMutation) (credits.Account, error) {
	var (
		updated        credits.Account
		transactionErr error
	)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		updated, transactionErr = store.updateInTransaction(transaction, userID, mutate)
		return transactionErr
	})
	if err = commitError(err, transactionErr); err != nil {
		return credits.Account{}, err
	}
	return updated, nil
}

func (store *Store) updateInTransaction(transaction *gorm.DB, userID credits.UserID, mutate credits.AccountMutation) (credits.Account, error) {
	query := transaction
	if transaction.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	if err := query.Where("user_id = ?", userID.String()).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, classifyStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}

	working := account.Clone()
	records, err := mutate(&working)
	if err != nil {
		return credits.Account{}, err
	}
	if working.Balance < 0 {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvariant, credits.ErrInsufficientCredits)
	}
	counters, err := encodeCounters(working.SecondaryCounters)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}

	nextVersion := model.Version + 1
	result := transaction.Model(&Account{}).
		Where("user_id = ? AND version = ?", model.UserID, model.Version).
		Updates(map[string]interface{}{
			"balance":      working.Balance.Int64(),
			"tier":         working.Tier.String(),
			"cycle_anchor": working.CycleAnchor.UTC(),
			"counters":     counters,
			"version":      nextVersion,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return credits.Account{}, classifyStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrConcurrentUpdate)
	}

	if len(records) > 0 {
		rows := make([]AuditRecord, 0, len(records))
		for _, record := range records {
			rows = append(rows, auditModel(userID, record))
		}
		if err := transaction.Create(&rows).Error; err != nil {
			return credits.Account{}, classifyStoreError(errorSubjectAudit, errorCodeInsert, err)
		}
	}

	working.UserID = account.UserID
	working.Version = nextVersion
	return working, nil
}

func (store *Store) ListUserIDs(ctx context.Context, after credits.UserID, limit int) ([]credits.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id > ?", after.String()).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, classifyStoreError(errorSubjectAccount, errorCodeList, err)
	}
	userIDs := make([]credits.UserID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		userID, err := credits.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) ListAudit(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.AuditRecord, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []AuditRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before.UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classifyStoreError(errorSubjectAudit, errorCodeList, err)
	}
	records := make([]credits.AuditRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapAuditRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// SetTier records a tier change pushed by the billing system. Balances are untouched until the next reset.
func (store *Store) SetTier(ctx context.Context, userID credits.UserID, tier credits.Tier) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"tier":       tier.String(),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return classifyStoreError(errorSubjectAccount, errorCodeSetTier, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSetTier, credits.ErrAccountNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

// classifyStoreError marks failures that guarantee nothing was written as transient.
func classifyStoreError(subject string, code string, err error) error {
	switch {
	case isConflict(err):
		return wrapStoreError(subject, code, errors.Join(credits.ErrConcurrentUpdate, err))
	case isUnavailable(err):
		return wrapStoreError(subject, code, credits.Transient(err))
	default:
		return wrapStoreError(subject, code, err)
	}
}

// commitError separates errors raised inside the transaction from a failed COMMIT.
// The outcome of a failed commit is unknown, so it is never reported as transient.
func commitError(err error, transactionErr error) error {
	if err == nil {
		return nil
	}
	if transactionErr != nil {
		return transactionErr
	}
	return wrapStoreError(errorSubjectAccount, errorCodeCommit, err)
}

func mapAccount(model Account) (credits.Account, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Account{}, err
	}
	counters := map[string]int64{}
	if len(model.Counters) > 0 {
		if err := json.Unmarshal(model.Counters, &counters); err != nil {
			return credits.Account{}, err
		}
	}
	return credits.Account{
		UserID:            userID,
		Balance:           credits.Credits(model.Balance),
		Tier:              credits.Tier(model.Tier),
		CycleAnchor:       model.CycleAnchor.UTC(),
		SecondaryCounters: counters,
		Version:           model.Version,
	}, nil
}

func mapAuditRecord(row AuditRecord) (credits.AuditRecord, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.AuditRecord{}, err
	}
	kind, err := credits.ParseAuditKind(row.Kind)
	if err != nil {
		return credits.AuditRecord{}, err
	}
	contextJSON, err := credits.NewContextJSON(string(row.Context))
	if err != nil {
		return credits.AuditRecord{}, err
	}
	return credits.AuditRecord{
		RecordID:     row.RecordID,
		UserID:       userID,
		Kind:         kind,
		Subject:      row.Subject,
		Amount:       credits.Credits(row.Amount),
		BalanceAfter: credits.Credits(row.BalanceAfter),
		Context:      contextJSON,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}

func auditModel(userID credits.UserID, record credits.AuditRecord) AuditRecord {
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return AuditRecord{
		RecordID:     record.RecordID,
		UserID:       userID.String(),
		Kind:         record.Kind.String(),
		Subject:      record.Subject,
		Amount:       record.Amount.Int64(),
		BalanceAfter: record.BalanceAfter.Int64(),
		Context:      datatypesJSON(record.Context.String()),
		CreatedAt:    createdAt,
	}
}

func encodeCounters(counters map[string]int64) (datatypes.JSON, error) {
	if counters == nil {
		counters = map[string]int64{}
	}
	raw, err := json.Marshal(counters)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultContextJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode || strings.HasPrefix(pgErr.Code, pgConnectionExceptionPrefix)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
