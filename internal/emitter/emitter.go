// Package emitter publishes purchase notifications after the purchase transaction commits.
// Nothing here is part of the atomic unit; callers log failures and carry on.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Topics struct {
	PurchaseCreated string
	AccessGranted   string
}

type Emitter struct {
	writer  MessageWriter
	rdb     *redis.Client
	topics  Topics
	channel string
	log     *zap.SugaredLogger
}

// New builds an Emitter. rdb may be nil, which disables the realtime fan-out.
func New(w MessageWriter, rdb *redis.Client, topics Topics, channel string, log *zap.SugaredLogger) *Emitter {
	return &Emitter{writer: w, rdb: rdb, topics: topics, channel: channel, log: log}
}

// NewWriter returns the shared outbound writer; the topic is set per message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (e *Emitter) PurchaseCreated(ctx context.Context, n model.PurchaseNotification) error {
	n.Type = model.EventPurchaseCreated
	return e.write(ctx, e.topics.PurchaseCreated, n)
}

func (e *Emitter) AccessGranted(ctx context.Context, n model.PurchaseNotification) error {
	n.Type = model.EventCourseAccessGranted
	return e.write(ctx, e.topics.AccessGranted, n)
}

// Broadcast pushes n, typed as eventType, to the realtime pub/sub channel for connected clients.
func (e *Emitter) Broadcast(ctx context.Context, eventType string, n model.PurchaseNotification) error {
	if e.rdb == nil {
		return nil
	}
	n.Type = eventType
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := e.rdb.Publish(ctx, e.channel, string(body)).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.channel, err)
	}
	return nil
}

func (e *Emitter) write(ctx context.Context, topic string, n model.PurchaseNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		// keyed by pair so downstream workers see one pair in order
		Key:   []byte(n.StudentID + ":" + n.CourseID),
		Value: body,
		Time:  n.OccurredAt,
		Headers: []kafka.Header{
			{Key: model.HeaderEventID, Value: []byte(n.EventID)},
			{Key: model.HeaderCorrelationID, Value: []byte(n.CorrelationID)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	e.log.Infow("notification published", "topic", topic, "eventId", n.EventID,
		"purchaseId", n.PurchaseID, "recovery", n.Recovery)
	return nil
}
