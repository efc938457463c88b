// Package dlq appends messages that exhausted their retry budget to the dead-letter topic.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/course-purchase-service/internal/metrics"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// recordNamespace seeds deterministic record ids.
var recordNamespace = uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a writer that waits for every in-sync replica.
// kafka-go has no idempotent producer; resends are deduplicated downstream by RecordID.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
	}
}

type Publisher struct {
	writer  MessageWriter
	topic   string
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewPublisher(w MessageWriter, topic string, log *zap.SugaredLogger, m *metrics.Metrics) *Publisher {
	return &Publisher{writer: w, topic: topic, log: log, metrics: m}
}

// NewRecord builds the dead-letter record for msg after attempts failed with cause.
func NewRecord(msg kafka.Message, cause error, attempts int, eventID, correlationID string, at time.Time) model.DeadLetterRecord {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	original := json.RawMessage(msg.Value)
	if !json.Valid(original) {
		// keep undecodable payloads replayable
		quoted, _ := json.Marshal(string(msg.Value))
		original = quoted
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	name := fmt.Sprintf("%s/%d/%d/%d", msg.Topic, msg.Partition, msg.Offset, at.UnixNano())
	return model.DeadLetterRecord{
		RecordID:          uuid.NewSHA1(recordNamespace, []byte(name)).String(),
		OriginalEvent:     original,
		OriginalKey:       string(msg.Key),
		OriginalHeaders:   headers,
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		FailureReason:     reason,
		FailureTimestamp:  at.UTC(),
		Attempts:          attempts,
		CorrelationID:     correlationID,
		EventID:           eventID,
	}
}

// Publish appends rec to the dead-letter topic. Errors are returned; there is nothing beneath the DLQ.
func (p *Publisher) Publish(ctx context.Context, rec model.DeadLetterRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := rec.EventID
	if key == "" {
		key = fmt.Sprintf("%s-%d-%d", rec.OriginalTopic, rec.OriginalPartition, rec.OriginalOffset)
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: body,
		Time:  rec.FailureTimestamp,
		Headers: []kafka.Header{
			{Key: "recordId", Value: []byte(rec.RecordID)},
			{Key: model.HeaderEventID, Value: []byte(rec.EventID)},
			{Key: model.HeaderCorrelationID, Value: []byte(rec.CorrelationID)},
			{Key: "originalTopic", Value: []byte(rec.OriginalTopic)},
			{Key: "originalPartition", Value: []byte(strconv.Itoa(rec.OriginalPartition))},
			{Key: "originalOffset", Value: []byte(strconv.FormatInt(rec.OriginalOffset, 10))},
			{Key: "attempts", Value: []byte(strconv.Itoa(rec.Attempts))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Errorw("dead letter publish failed",
			"eventId", rec.EventID, "correlationId", rec.CorrelationID, "topic", rec.OriginalTopic,
			"partition", rec.OriginalPartition, "offset", rec.OriginalOffset, "error", err)
		return fmt.Errorf("publish dead letter: %w", err)
	}
	p.metrics.DeadLetter(rec.OriginalTopic)
	p.log.Warnw("message dead-lettered",
		"recordId", rec.RecordID, "eventId", rec.EventID, "correlationId", rec.CorrelationID,
		"topic", rec.OriginalTopic, "partition", rec.OriginalPartition, "offset", rec.OriginalOffset,
		"attempts", rec.Attempts, "reason", rec.FailureReason)
	return nil
}
