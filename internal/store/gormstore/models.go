package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the credit_accounts table.
type Account struct {
	UserID      string         `gorm:"primaryKey"`
	Balance     int64          `gorm:"not null;check:balance >= 0"`
	Tier        string         `gorm:"not null"`
	CycleAnchor time.Time      `gorm:"not null"`
	Counters    datatypes.JSON `gorm:"not null"`
	Version     int64          `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Account) TableName() string { return "credit_accounts" }

// AuditRecord mirrors the credit_audit_records table. Rows are only ever inserted.
type AuditRecord struct {
	RecordID     string         `gorm:"primaryKey"`
	UserID       string         `gorm:"not null;index:idx_credit_audit_user_created,priority:1"`
	Kind         string         `gorm:"not null"`
	Subject      string         `gorm:"not null"`
	Amount       int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	Context      datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_credit_audit_user_created,priority:2"`
}

func (AuditRecord) TableName() string { return "credit_audit_records" }

func (record *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}
