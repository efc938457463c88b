// Package consumer delivers messages from a Kafka consumer group to a handler
// with at-least-once semantics: a partition's offset is committed only after
// the handler returned nil for that message.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. A non-nil error stops consumption without committing the message.
type Handler func(ctx context.Context, msg kafka.Message) error

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrInvalidState = errors.New("consumer: invalid state transition")

// HandlerError carries the position of the message whose handler failed.
type HandlerError struct {
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed at %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DefaultPartitionQueue is the number of fetched messages buffered per partition.
const DefaultPartitionQueue = 64

type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
	// PartitionQueue bounds the fetched-but-unhandled messages of one partition.
	// Once a partition's queue is full the fetch loop waits for that partition.
	PartitionQueue int
}

type Consumer struct {
	cfg       Config
	newReader func(kafka.ReaderConfig) MessageReader
	log       *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	reader MessageReader
}

func New(cfg Config, log *zap.SugaredLogger) *Consumer {
	if cfg.PartitionQueue <= 0 {
		cfg.PartitionQueue = DefaultPartitionQueue
	}
	return &Consumer{
		cfg: cfg,
		log: log,
		newReader: func(rc kafka.ReaderConfig) MessageReader {
			return kafka.NewReader(rc)
		},
	}
}

// WithReaderFactory replaces the kafka reader constructor, mainly for tests.
func (c *Consumer) WithReaderFactory(f func(kafka.ReaderConfig) MessageReader) *Consumer {
	c.newReader = f
	return c
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect joins the consumer group and subscribes to the configured topics.
func (c *Consumer) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, c.state)
	}
	if c.cfg.GroupID == "" || len(c.cfg.Topics) == 0 {
		return errors.New("consumer: group id and at least one topic are required")
	}
	c.reader = c.newReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     c.cfg.GroupID,
		GroupTopics: c.cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		// commit explicitly after each handled message
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	c.state = StateConnected
	c.log.Infow("consumer connected", "groupId", c.cfg.GroupID, "topics", c.cfg.Topics)
	return nil
}

// Start delivers messages to h until ctx is done, Stop is called, or h fails.
// Messages of one partition are handled strictly in order, one at a time.
// Each partition has its own worker and bounded queue, so a slow handler
// only holds back its own partition. A handler error is returned as a
// *HandlerError and the failed message is left uncommitted.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	c.mu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	c.state = StateRunning
	reader := c.reader
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	// workers stop once fetching stops, so nothing is handled after Stop closed the reader
	wctx, cancelWorkers := context.WithCancel(gctx)
	defer cancelWorkers()
	workers := map[partitionKey]chan kafka.Message{}

	g.Go(func() error {
		defer cancelWorkers()
		for {
			msg, err := reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("fetch message: %w", err)
			}
			k := partitionKey{topic: msg.Topic, partition: msg.Partition}
			ch, ok := workers[k]
			if !ok {
				ch = make(chan kafka.Message, c.cfg.PartitionQueue)
				workers[k] = ch
				g.Go(func() error { return c.work(wctx, reader, ch, h) })
			}
			select {
			case ch <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if err != nil {
		c.log.Errorw("consumer stopped on error", "error", err)
	}
	return err
}

type partitionKey struct {
	topic     string
	partition int
}

func (c *Consumer) work(ctx context.Context, reader MessageReader, in <-chan kafka.Message, h Handler) error {
	for {
		var msg kafka.Message
		select {
		case msg = <-in:
		case <-ctx.Done():
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// shutting down; the message stays uncommitted
				return nil
			}
			return &HandlerError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Err: err}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}

// Stop leaves the group and closes the reader. It is safe to call more than once.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped || c.state == StateDisconnected {
		c.state = StateStopped
		return nil
	}
	c.state = StateStopped
	c.log.Infow("consumer stopping", "groupId", c.cfg.GroupID)
	return c.reader.Close()
}
