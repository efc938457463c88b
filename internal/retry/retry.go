// Package retry runs a unit of work with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds a retry sequence. The delay after failed attempt n is
// min(MaxDelay, InitialDelay * Multiplier^(n-1)).
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy returns sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// schedule returns a fresh jitter-free delay generator for p.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Meta identifies the work in log lines.
type Meta struct {
	Operation     string
	EventID       string
	CorrelationID string
}

// Operation is a unit of work that can be retried
type Operation func(ctx context.Context) error

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// OnRetry is called after every failed attempt that will be retried.
type OnRetry func(meta Meta, attempt int, err error)

// Executor runs operations under a Policy.
type Executor struct {
	log     *zap.SugaredLogger
	sleep   SleepFunc
	onRetry OnRetry
}

type Option func(*Executor)

// WithSleep replaces the blocking sleep, mainly for tests.
func WithSleep(s SleepFunc) Option { return func(e *Executor) { e.sleep = s } }

func WithOnRetry(f OnRetry) Option { return func(e *Executor) { e.onRetry = f } }

func NewExecutor(log *zap.SugaredLogger, opts ...Option) *Executor {
	e := &Executor{log: log, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs op until it succeeds, returns a permanent error, or p.MaxAttempts is used up.
// Failure returns an *ExhaustedError wrapping the last error.
func (e *Executor) Execute(ctx context.Context, op Operation, p Policy, meta Meta) error {
	p = p.normalized()
	delays := p.schedule()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.log.Infow("operation succeeded after retry", logFields(meta, attempt)...)
			}
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			e.log.Warnw("permanent failure, not retrying", append(logFields(meta, attempt), "error", err)...)
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := delays.NextBackOff()
		e.log.Warnw("attempt failed, retrying",
			append(logFields(meta, attempt), "maxAttempts", p.MaxAttempts, "delay", delay, "error", err)...)
		if e.onRetry != nil {
			e.onRetry(meta, attempt, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return &ExhaustedError{Attempts: attempt, Err: fmt.Errorf("retry interrupted: %w", errors.Join(err, lastErr))}
		}
	}

	e.log.Errorw("retry budget exhausted", append(logFields(meta, p.MaxAttempts), "error", lastErr)...)
	return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// ExecuteWithResult is Execute for operations that produce a value.
func ExecuteWithResult[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), p Policy, meta Meta) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, p, meta)
	return out, err
}

func logFields(meta Meta, attempt int) []interface{} {
	return []interface{}{
		"operation", meta.Operation,
		"eventId", meta.EventID,
		"correlationId", meta.CorrelationID,
		"attempt", attempt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
