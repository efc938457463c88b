// Package ledger records which events have already taken effect.
//
// The ledger is a dedup and diagnostics aid. Correctness of purchase creation
// rests on the purchase engine's own uniqueness guarantee, which is why reads
// fail open.
package ledger

import (
	"context"
	"encoding/json"

	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Store is the slice of the repository the ledger reads and writes outside a transaction.
type Store interface {
	ProcessedEventExists(ctx context.Context, eventID, correlationID, eventType string) (bool, error)
	InsertProcessedEvent(ctx context.Context, evt *model.ProcessedEvent) error
}

// Entry describes one completed event.
type Entry struct {
	EventID       string
	CorrelationID string
	EventType     string
	Payload       json.RawMessage
	Source        string
	Version       string
}

type Ledger struct {
	store Store
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, log: log}
}

// IsProcessed reports whether eventID, or an event with the same (correlationID, eventType), was recorded.
// Storage errors are logged and reported as false.
func (l *Ledger) IsProcessed(ctx context.Context, eventID, correlationID, eventType string) bool {
	ok, err := l.store.ProcessedEventExists(ctx, eventID, correlationID, eventType)
	if err != nil {
		l.log.Warnw("ledger lookup failed, treating event as unprocessed",
			"eventId", eventID, "correlationId", correlationID, "eventType", eventType, "error", err)
		return false
	}
	return ok
}

// MarkProcessed records e inside tx so the row commits or rolls back with the business write.
// A second mark for the same event id is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, tx repo.Tx, e Entry) error {
	return tx.InsertProcessedEvent(ctx, toRow(e))
}

// MarkProcessedBestEffort records e on its own connection and only logs failures.
// Used when the business effect is already durable.
func (l *Ledger) MarkProcessedBestEffort(ctx context.Context, e Entry) {
	if err := l.store.InsertProcessedEvent(ctx, toRow(e)); err != nil {
		l.log.Warnw("best-effort ledger mark failed",
			"eventId", e.EventID, "correlationId", e.CorrelationID, "error", err)
	}
}

func toRow(e Entry) *model.ProcessedEvent {
	payload := datatypes.JSON(e.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = datatypes.JSON("{}")
	}
	return &model.ProcessedEvent{
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		Payload:       payload,
		Source:        e.Source,
		Version:       e.Version,
	}
}
