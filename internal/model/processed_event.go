package model

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessedEvent is one row of the idempotency ledger.
type ProcessedEvent struct {
	EventID       string         `gorm:"primaryKey;size:128"`
	EventType     string         `gorm:"size:64;not null;index:idx_processed_correlation_type,priority:2"`
	CorrelationID string         `gorm:"size:128;index:idx_processed_correlation_type,priority:1"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	Source        string         `gorm:"size:64"`
	Version       string         `gorm:"size:16"`
	ProcessedAt   time.Time      `gorm:"autoCreateTime"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
