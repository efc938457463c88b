package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventPurchaseConfirmed   = "purchase.confirmed"
	EventPurchaseCreated     = "purchase.created"
	EventCourseAccessGranted = "course.access.granted"
)

// Kafka header keys set by upstream producers and by this service.
const (
	HeaderEventID       = "eventId"
	HeaderCorrelationID = "correlationId"
	HeaderSource        = "source"
	HeaderVersion       = "version"
)

type PurchaseConfirmedEvent struct {
	EventID   string          `json:"eventId,omitempty"`
	StudentID string          `json:"studentId" validate:"required,max=64"`
	CourseID  string          `json:"courseId" validate:"required,max=64"`
	PaymentID string          `json:"paymentId" validate:"required,max=128"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// PurchaseHints are the fields of the opaque metadata blob this service interprets.
type PurchaseHints struct {
	PurchaseTier int        `json:"purchaseTier,omitempty"`
	SessionCount int        `json:"sessionCount,omitempty"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`
}

// PurchaseNotification is the payload of purchase-created and course-access-granted.
type PurchaseNotification struct {
	Type          string          `json:"type"`
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	PurchaseID    string          `json:"purchaseId"`
	StudentID     string          `json:"studentId"`
	CourseID      string          `json:"courseId"`
	PurchaseTier  PurchaseTier    `json:"purchaseTier"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Recovery      bool            `json:"recovery,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
