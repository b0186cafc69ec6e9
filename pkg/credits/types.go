package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer count of metered usage units.
type Credits int64

// Int64 returns the raw integer value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewCredits validates a strictly positive credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// OperationName keys the cost table.
type OperationName string

// NewOperationName validates and normalizes an operation name.
func NewOperationName(raw string) (OperationName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty operation name", ErrUnknownOperation)
	}
	return OperationName(trimmed), nil
}

// String returns the operation name.
func (name OperationName) String() string {
	return string(name)
}

// Tier is a subscription level. Valid values are the keys of the configured TierTable.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// String returns the tier name.
func (tier Tier) String() string {
	return string(tier)
}

// ContextJSON is the caller supplied context attached to an audit record.
type ContextJSON struct {
	value string
}

// NewContextJSON validates a JSON object, defaulting to "{}" for empty input.
func NewContextJSON(raw string) (ContextJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		normalized = emptyContextJSON
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return ContextJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidContextJSON)
	}
	return ContextJSON{value: normalized}, nil
}

// ContextFromMap encodes a map as ContextJSON.
func ContextFromMap(values map[string]any) (ContextJSON, error) {
	if len(values) == 0 {
		return ContextJSON{value: emptyContextJSON}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return ContextJSON{}, fmt.Errorf("%w: %v", ErrInvalidContextJSON, err)
	}
	return ContextJSON{value: string(raw)}, nil
}

// String returns the normalized JSON object.
func (contextJSON ContextJSON) String() string {
	if contextJSON.value == "" {
		return emptyContextJSON
	}
	return contextJSON.value
}

// Account is the persisted per-user ledger record.
type Account struct {
	UserID            UserID
	Balance           Credits
	Tier              Tier
	CycleAnchor       time.Time
	SecondaryCounters map[string]int64
	Version           int64
}

// Clone returns a deep copy safe to mutate.
func (account Account) Clone() Account {
	clone := account
	clone.SecondaryCounters = cloneCounters(account.SecondaryCounters)
	return clone
}

// AuditKind enumerates audit record kinds.
type AuditKind string

const (
	AuditOpen           AuditKind = "open"
	AuditDeduct         AuditKind = "deduct"
	AuditGrant          AuditKind = "grant"
	AuditReset          AuditKind = "reset"
	AuditConsumeCounter AuditKind = "consume_counter"
)

// String returns the kind name.
func (kind AuditKind) String() string {
	return string(kind)
}

// ParseAuditKind validates a stored kind.
func ParseAuditKind(raw string) (AuditKind, error) {
	switch AuditKind(raw) {
	case AuditOpen, AuditDeduct, AuditGrant, AuditReset, AuditConsumeCounter:
		return AuditKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAuditKind, raw)
	}
}

// AuditRecord is one append-only line describing a committed change.
type AuditRecord struct {
	RecordID     string
	UserID       UserID
	Kind         AuditKind
	Subject      string
	Amount       Credits
	BalanceAfter Credits
	Context      ContextJSON
	CreatedAt    time.Time
}

// Snapshot is the read-only view returned by CheckBalance.
type Snapshot struct {
	UserID            UserID
	Balance           Credits
	Tier              Tier
	SecondaryCounters map[string]int64
	CycleAnchor       time.Time
	NextReset         time.Time
}

// AccountMutation changes a copy of an account and returns the audit records describing the change.
// Returning an error discards the change.
type AccountMutation func(account *Account) ([]AuditRecord, error)

// Store is the persistence contract used by Service.
type Store interface {
	CreateAccount(ctx context.Context, account Account, record AuditRecord) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// UpdateAccount is the atomic per-account read-modify-write unit.
	UpdateAccount(ctx context.Context, userID UserID, mutate AccountMutation) (Account, error)
	ListUserIDs(ctx context.Context, after UserID, limit int) ([]UserID, error)
	ListAudit(ctx context.Context, userID UserID, before time.Time, limit int) ([]AuditRecord, error)
}

func cloneCounters(counters map[string]int64) map[string]int64 {
	clone := make(map[string]int64, len(counters))
	for name, value := range counters {
		clone[name] = value
	}
	return clone
}
