package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultContextJSON          = "{}"
	pgUniqueViolationCode       = "23505"
	pgSerializationFailureCode  = "40001"
	pgDeadlockDetectedCode      = "40P01"
	pgLockNotAvailableCode      = "55P03"
	pgConnectionExceptionPrefix = "08"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectAudit           = "audit"
	errorSubjectSchema          = "schema"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeEnsure             = "ensure"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeInvariant          = "negative_balance"
	errorCodeList               = "list"
	errorCodePing               = "ping"
	errorCodeSetTier            = "set_tier"
	errorCodeUpdate             = "update"

	sqlInsertAccount = `
		insert into credit_accounts(user_id, balance, tier, cycle_anchor, counters, version)
		values ($1, $2, $3, $4, $5::jsonb, $6)
	`

	sqlSelectAccount = `
		select user_id, balance, tier, cycle_anchor, counters::text, version
		from credit_accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccount = `
		update credit_accounts
		set balance = $2, tier = $3, cycle_anchor = $4, counters = $5::jsonb, version = version + 1, updated_at = now()
		where user_id = $1 and version = $6
	`

	sqlUpdateTier = `
		update credit_accounts
		set tier = $2, version = version + 1, updated_at = now()
		where user_id = $1
	`

	sqlInsertAuditRecord = `
		insert into credit_audit_records(record_id, user_id, kind, subject, amount, balance_after, context, created_at)
		values ($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, $8)
	`

	sqlListUserIDs = `
		select user_id from credit_accounts
		where user_id > $1
		order by user_id asc
		limit $2
	`

	sqlListAuditBefore = `
		select record_id, user_id, kind, subject, amount, balance_after, context::text, created_at
		from credit_audit_records
		where user_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`
)

var schemaStatements = []string{
	`create table if not exists credit_accounts (
		user_id text primary key,
		balance bigint not null check (balance >= 0),
		tier text not null,
		cycle_anchor timestamptz not null,
		counters jsonb not null default '{}'::jsonb,
		version bigint not null default 1,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists credit_audit_records (
		record_id text primary key,
		user_id text not null references credit_accounts(user_id),
		kind text not null,
		subject text not null default '',
		amount bigint not null,
		balance_after bigint not null,
		context jsonb not null default '{}'::jsonb,
		created_at timestamptz not null
	)`,
	`create index if not exists idx_credit_audit_user_created on credit_audit_records(user_id, created_at desc)`,
}

// Store implements credits.Store using a pgx connection pool. Every account write runs in
// its own transaction holding the account row lock.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the credit tables when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
		}
	}
	return nil
}

// Ping checks that the pool can reach the database.
func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return classifyStoreError(errorSubjectSchema, errorCodePing, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account, record credits.AuditRecord) error {
	counters, err := encodeCounters(account.SecondaryCounters)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	version := account.Version
	if version == 0 {
		version = 1
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, sqlInsertAccount,
		account.UserID.String(),
		account.Balance.Int64(),
		account.Tier.String(),
		account.CycleAnchor.UTC(),
		counters,
		version,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return classifyStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if err := insertAuditRecord(ctx, tx, account.UserID, record); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return scanAccount(store.pool.QueryRow(ctx, sqlSelectAccount, userID.String()))
}

// UpdateAccount locks the account row, applies mutate, and commits the new state with its audit
// records. Failures before COMMIT leave nothing behind; a failed COMMIT is reported as permanent.
func (store *Store) UpdateAccount(ctx context.Context, userID credits.UserID, mutate credits.AccountMutation) (credits.Account, error) {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return credits.Account{}, classifyStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	account, err := scanAccount(tx.QueryRow(ctx, sqlSelectAccountForUpdate, userID.String()))
	if err != nil {
		return credits.Account{}, err
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
	tag, err := tx.Exec(ctx, sqlUpdateAccount,
		account.UserID.String(),
		working.Balance.Int64(),
		working.Tier.String(),
		working.CycleAnchor.UTC(),
		counters,
		account.Version,
	)
	if err != nil {
		return credits.Account{}, classifyStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrConcurrentUpdate)
	}
	for _, record := range records {
		if err := insertAuditRecord(ctx, tx, account.UserID, record); err != nil {
			return credits.Account{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	working.UserID = account.UserID
	working.Version = account.Version + 1
	return working, nil
}

func (store *Store) ListUserIDs(ctx context.Context, after credits.UserID, limit int) ([]credits.UserID, error) {
	rows, err := store.pool.Query(ctx, sqlListUserIDs, after.String(), limit)
	if err != nil {
		return nil, classifyStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()

	userIDs := make([]credits.UserID, 0, limit)
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, classifyStoreError(errorSubjectAccount, errorCodeList, err)
		}
		userID, err := credits.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return userIDs, nil
}

func (store *Store) ListAudit(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.AuditRecord, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	rows, err := store.pool.Query(ctx, sqlListAuditBefore, userID.String(), before.UTC(), limit)
	if err != nil {
		return nil, classifyStoreError(errorSubjectAudit, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanAuditRecords(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
	}
	return records, nil
}

// SetTier records a tier change pushed by the billing system.
func (store *Store) SetTier(ctx context.Context, userID credits.UserID, tier credits.Tier) error {
	tag, err := store.pool.Exec(ctx, sqlUpdateTier, userID.String(), tier.String())
	if err != nil {
		return classifyStoreError(errorSubjectAccount, errorCodeSetTier, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSetTier, credits.ErrAccountNotFound)
	}
	return nil
}

func insertAuditRecord(ctx context.Context, tx pgx.Tx, userID credits.UserID, record credits.AuditRecord) error {
	recordID := record.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, sqlInsertAuditRecord,
		recordID,
		userID.String(),
		record.Kind.String(),
		record.Subject,
		record.Amount.Int64(),
		record.BalanceAfter.Int64(),
		record.Context.String(),
		createdAt,
	)
	if err != nil {
		return classifyStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (credits.Account, error) {
	var (
		userIDValue   string
		balanceValue  int64
		tierValue     string
		cycleAnchor   time.Time
		countersValue string
		versionValue  int64
	)
	err := row.Scan(&userIDValue, &balanceValue, &tierValue, &cycleAnchor, &countersValue, &versionValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, classifyStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	counters := map[string]int64{}
	if err := json.Unmarshal([]byte(countersValue), &counters); err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credits.Account{
		UserID:            userID,
		Balance:           credits.Credits(balanceValue),
		Tier:              credits.Tier(tierValue),
		CycleAnchor:       cycleAnchor.UTC(),
		SecondaryCounters: counters,
		Version:           versionValue,
	}, nil
}

func scanAuditRecords(rows pgx.Rows) ([]credits.AuditRecord, error) {
	records := make([]credits.AuditRecord, 0, 32)
	for rows.Next() {
		var (
			recordIDValue     string
			userIDValue       string
			kindValue         string
			subjectValue      string
			amountValue       int64
			balanceAfterValue int64
			contextValue      string
			createdAt         time.Time
		)
		if err := rows.Scan(
			&recordIDValue,
			&userIDValue,
			&kindValue,
			&subjectValue,
			&amountValue,
			&balanceAfterValue,
			&contextValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		userID, err := credits.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := credits.ParseAuditKind(kindValue)
		if err != nil {
			return nil, err
		}
		contextJSON, err := credits.NewContextJSON(contextValue)
		if err != nil {
			return nil, err
		}
		records = append(records, credits.AuditRecord{
			RecordID:     recordIDValue,
			UserID:       userID,
			Kind:         kind,
			Subject:      subjectValue,
			Amount:       credits.Credits(amountValue),
			BalanceAfter: credits.Credits(balanceAfterValue),
			Context:      contextJSON,
			CreatedAt:    createdAt.UTC(),
		})
	}
	return records, rows.Err()
}

func encodeCounters(counters map[string]int64) (string, error) {
	if counters == nil {
		return defaultContextJSON, nil
	}
	raw, err := json.Marshal(counters)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

// classifyStoreError marks failures that guarantee nothing was committed as transient.
func classifyStoreError(subject string, code string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode:
			return wrapStoreError(subject, code, errors.Join(credits.ErrConcurrentUpdate, err))
		case pgErr.Code == pgLockNotAvailableCode || strings.HasPrefix(pgErr.Code, pgConnectionExceptionPrefix):
			return wrapStoreError(subject, code, credits.Transient(err))
		default:
			return wrapStoreError(subject, code, err)
		}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return wrapStoreError(subject, code, credits.Transient(err))
	}
	return wrapStoreError(subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
