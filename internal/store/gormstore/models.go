package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TokenAccount represents the token_accounts table. One row per user,
// created lazily, never deleted.
type TokenAccount struct {
	UserID         string    `gorm:"primaryKey"`
	Balance        int64     `gorm:"not null;check:balance >= 0"`
	TotalPurchased int64     `gorm:"not null"`
	TotalUsed      int64     `gorm:"not null"`
	Frozen         bool      `gorm:"not null;default:false"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (TokenAccount) TableName() string { return "token_accounts" }

// UsageRecord mirrors the usage_records table. Append-only.
type UsageRecord struct {
	UsageID    string         `gorm:"type:uuid;primaryKey"`
	UserID     string         `gorm:"not null;index:idx_usage_user_created,priority:1"`
	Operation  string         `gorm:"not null"`
	TokensUsed int64          `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_usage_user_created,priority:2"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (record *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.UsageID == "" {
		record.UsageID = uuid.NewString()
	}
	return nil
}

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID      string     `gorm:"type:uuid;primaryKey"`
	UserID          string     `gorm:"not null;index"`
	TransactionUID  string     `gorm:"not null;uniqueIndex:uniq_purchases_transaction_uid"`
	TokensRequested int64      `gorm:"not null"`
	LocalAmount     int64      `gorm:"not null"`
	LocalCurrency   string     `gorm:"not null"`
	Provider        string     `gorm:"not null"`
	Status          string     `gorm:"not null;index"`
	CreatedAt       time.Time  `gorm:"not null"`
	CompletedAt     *time.Time `gorm:""`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
