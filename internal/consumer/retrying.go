package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/course-purchase-service/internal/dlq"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/retry"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeadLetterPublisher is satisfied by *dlq.Publisher.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, rec model.DeadLetterRecord) error
}

// WithRetry runs next under the retry executor. When the budget is exhausted the message is
// dead-lettered and the handler error is still returned, so the offset is not committed.
func WithRetry(next Handler, ex *retry.Executor, policy retry.Policy, dead DeadLetterPublisher, log *zap.SugaredLogger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		eventID, correlationID := MessageIdentity(msg)
		meta := retry.Meta{
			Operation:     "consume " + msg.Topic,
			EventID:       eventID,
			CorrelationID: correlationID,
		}
		err := ex.Execute(ctx, func(ctx context.Context) error { return next(ctx, msg) }, policy, meta)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// shutting down: leave the message for the next owner of the partition
			return err
		}

		rec := dlq.NewRecord(msg, errors.Unwrap(err), retry.Attempts(err), eventID, correlationID, time.Now())
		if pubErr := dead.Publish(ctx, rec); pubErr != nil {
			log.Errorw("dead letter publish failed after retry exhaustion",
				"eventId", eventID, "correlationId", correlationID, "error", pubErr)
			return errors.Join(err, fmt.Errorf("dead letter: %w", pubErr))
		}
		return err
	}
}
