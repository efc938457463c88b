package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/richardliu001/course-purchase-service/internal/consumer"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// ErrInvalidEvent marks a message that can never be processed as delivered.
var ErrInvalidEvent = errors.New("invalid purchase-confirmed event")

var validate = validator.New()

// ConfirmedPurchase is a decoded purchase-confirmed message with its transport metadata resolved.
type ConfirmedPurchase struct {
	Event         model.PurchaseConfirmedEvent
	EventID       string
	CorrelationID string
	Source        string
	Version       string
	Tier          model.PurchaseTier
	ExpiryDate    *time.Time
	// Payload is the raw message value, stored in the ledger.
	Payload json.RawMessage
}

// DecodeConfirmed parses msg. Ids are resolved by consumer.MessageIdentity, the same way the
// dead-letter path resolves them.
func DecodeConfirmed(msg kafka.Message) (ConfirmedPurchase, error) {
	var evt model.PurchaseConfirmedEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return ConfirmedPurchase{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := validate.Struct(evt); err != nil {
		return ConfirmedPurchase{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var hints model.PurchaseHints
	if len(evt.Metadata) > 0 && string(evt.Metadata) != "null" {
		if err := json.Unmarshal(evt.Metadata, &hints); err != nil {
			return ConfirmedPurchase{}, fmt.Errorf("%w: metadata: %w", ErrInvalidEvent, err)
		}
	}
	tier := model.DefaultTier
	if hints.PurchaseTier != 0 {
		tier = model.PurchaseTier(hints.PurchaseTier)
		if !tier.Valid() {
			return ConfirmedPurchase{}, fmt.Errorf("%w: unknown purchase tier %d", ErrInvalidEvent, hints.PurchaseTier)
		}
	}

	eventID, correlationID := consumer.MessageIdentity(msg)
	return ConfirmedPurchase{
		Event:         evt,
		EventID:       eventID,
		CorrelationID: correlationID,
		Source:        consumer.Header(msg, model.HeaderSource),
		Version:       consumer.Header(msg, model.HeaderVersion),
		Tier:          tier,
		ExpiryDate:    hints.ExpiryDate,
		Payload:       json.RawMessage(msg.Value),
	}, nil
}
