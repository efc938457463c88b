package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActivePurchaseIndex is the partial unique index on (student_id, course_id) WHERE is_active.
// It is created by migration 0002 and may be missing on deployments that lag behind.
const ActivePurchaseIndex = "uq_student_course_active"

type PurchaseTier int

const (
	Tier30 PurchaseTier = 30
	Tier60 PurchaseTier = 60
	Tier90 PurchaseTier = 90

	DefaultTier = Tier30
)

func (t PurchaseTier) Valid() bool {
	switch t {
	case Tier30, Tier60, Tier90:
		return true
	}
	return false
}

type Purchase struct {
	ID           string          `gorm:"primaryKey;size:36"`
	StudentID    string          `gorm:"size:64;not null;index:idx_purchase_student_course,priority:1"`
	CourseID     string          `gorm:"size:64;not null;index:idx_purchase_student_course,priority:2"`
	PaymentID    string          `gorm:"size:128"`
	PurchaseTier PurchaseTier    `gorm:"not null"`
	AmountPaid   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	ExpiryDate   *time.Time
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	IsActive     bool           `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
}

func (Purchase) TableName() string { return "student_course_purchases" }
