package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/course-purchase-service/internal/ledger"
	"github.com/richardliu001/course-purchase-service/internal/metrics"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/purchase"
	"github.com/richardliu001/course-purchase-service/internal/repo"
	"github.com/richardliu001/course-purchase-service/internal/retry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/richardliu001/course-purchase-service/internal/service")

// Creator is satisfied by *purchase.Engine.
type Creator interface {
	Create(ctx context.Context, req purchase.Request) (purchase.Result, repo.Tx, error)
}

// Notifier is satisfied by *emitter.Emitter.
type Notifier interface {
	PurchaseCreated(ctx context.Context, n model.PurchaseNotification) error
	AccessGranted(ctx context.Context, n model.PurchaseNotification) error
	Broadcast(ctx context.Context, eventType string, n model.PurchaseNotification) error
}

// PurchaseService turns purchase-confirmed events into exactly one active purchase.
type PurchaseService struct {
	repo     repo.RepositoryInterface
	engine   Creator
	ledger   *ledger.Ledger
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	now      func() time.Time

	failFastOnInvalid bool
}

// NewPurchaseService returns PurchaseService.
func NewPurchaseService(r repo.RepositoryInterface, engine Creator, l *ledger.Ledger, n Notifier, m *metrics.Metrics, logger *zap.SugaredLogger) *PurchaseService {
	return &PurchaseService{
		repo:     r,
		engine:   engine,
		ledger:   l,
		notifier: n,
		metrics:  m,
		log:      logger,
		now:      time.Now,
	}
}

// WithFailFastOnInvalid makes undecodable events permanent failures so the retry
// wrapper dead-letters them after a single attempt.
func (s *PurchaseService) WithFailFastOnInvalid(on bool) *PurchaseService {
	s.failFastOnInvalid = on
	return s
}

// HandleMessage is the consumer handler for the purchase-confirmed topic.
func (s *PurchaseService) HandleMessage(ctx context.Context, msg kafka.Message) error {
	cp, err := DecodeConfirmed(msg)
	if err != nil {
		s.metrics.EventHandled("invalid")
		s.log.Warnw("rejecting purchase-confirmed message",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		if s.failFastOnInvalid {
			return retry.Permanent(err)
		}
		return err
	}
	return s.HandlePurchaseConfirmed(ctx, cp)
}

// HandlePurchaseConfirmed makes sure the purchase exists, certifies it in the ledger and
// notifies downstream. Safe to run any number of times for the same event.
func (s *PurchaseService) HandlePurchaseConfirmed(ctx context.Context, cp ConfirmedPurchase) error {
	ctx, span := tracer.Start(ctx, "service.HandlePurchaseConfirmed", trace.WithAttributes(
		attribute.String("event.id", cp.EventID),
		attribute.String("correlation.id", cp.CorrelationID),
		attribute.String("student.id", cp.Event.StudentID),
		attribute.String("course.id", cp.Event.CourseID),
	))
	defer span.End()

	outcome, err := s.handle(ctx, cp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.EventHandled("failed")
		return err
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	s.metrics.EventHandled(outcome)
	return nil
}

func (s *PurchaseService) handle(ctx context.Context, cp ConfirmedPurchase) (string, error) {
	studentID, courseID := cp.Event.StudentID, cp.Event.CourseID
	log := s.log.With("eventId", cp.EventID, "correlationId", cp.CorrelationID,
		"studentId", studentID, "courseId", courseID)

	// the purchase table decides, not the ledger
	existing, err := s.repo.FindActivePurchase(ctx, studentID, courseID)
	if err != nil {
		return "", fmt.Errorf("look up active purchase: %w", err)
	}
	if existing != nil {
		log.Infow("purchase already exists", "purchaseId", existing.ID)
		s.healAllocation(ctx, log, cp, existing)
		s.ledger.MarkProcessedBestEffort(ctx, s.entry(cp))
		return "duplicate", nil
	}

	if s.ledger.IsProcessed(ctx, cp.EventID, cp.CorrelationID, model.EventPurchaseConfirmed) {
		log.Warnw("event marked processed but no active purchase exists, recreating")
		s.metrics.Recovery("ledger_without_purchase")
	}

	res, tx, err := s.engine.Create(ctx, purchase.Request{
		StudentID:  studentID,
		CourseID:   courseID,
		PaymentID:  cp.Event.PaymentID,
		Tier:       cp.Tier,
		AmountPaid: cp.Event.Amount,
		ExpiryDate: cp.ExpiryDate,
		Metadata:   cp.Event.Metadata,
	})
	if err != nil {
		rollback(log, tx)
		if errors.Is(err, purchase.ErrInvalidRequest) && s.failFastOnInvalid {
			return "", retry.Permanent(err)
		}
		return "", fmt.Errorf("create purchase: %w", err)
	}
	if err := s.ledger.MarkProcessed(ctx, tx, s.entry(cp)); err != nil {
		rollback(log, tx)
		return "", fmt.Errorf("mark event processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit purchase: %w", err)
	}
	log.Infow("purchase committed", "purchaseId", res.PurchaseID, "created", res.Created,
		"path", res.Path, "fellBack", res.FellBack)

	s.notify(ctx, log, s.notification(cp, res.PurchaseID, cp.EventID, false))
	if res.Created {
		return "created", nil
	}
	return "duplicate", nil
}

// healAllocation re-emits purchase-created when a prior run stopped before allocation was triggered.
func (s *PurchaseService) healAllocation(ctx context.Context, log *zap.SugaredLogger, cp ConfirmedPurchase, p *model.Purchase) {
	ok, err := s.repo.AllocationExists(ctx, p.StudentID, p.CourseID)
	if err != nil {
		log.Warnw("allocation lookup failed, skipping recovery check", "error", err)
		return
	}
	if ok {
		return
	}
	recoveryID := cp.EventID + "-recovery"
	n := s.notification(cp, p.ID, recoveryID, true)
	n.PurchaseTier = p.PurchaseTier
	if len(p.Metadata) > 0 {
		n.Metadata = []byte(p.Metadata)
	}
	if err := s.notifier.PurchaseCreated(ctx, n); err != nil {
		s.metrics.EmitFailure("purchase_created")
		log.Errorw("recovery emission failed", "recoveryEventId", recoveryID, "error", err)
		return
	}
	s.metrics.Recovery("allocation_reemit")
	log.Warnw("allocation missing for existing purchase, re-emitted purchase-created",
		"purchaseId", p.ID, "recoveryEventId", recoveryID)
}

// notify sends the post-commit notifications. Failures are logged only.
func (s *PurchaseService) notify(ctx context.Context, log *zap.SugaredLogger, n model.PurchaseNotification) {
	if err := s.notifier.PurchaseCreated(ctx, n); err != nil {
		s.metrics.EmitFailure("purchase_created")
		log.Errorw("purchase-created emission failed", "purchaseId", n.PurchaseID, "error", err)
	}
	if err := s.notifier.AccessGranted(ctx, n); err != nil {
		s.metrics.EmitFailure("access_granted")
		log.Errorw("access-granted emission failed", "purchaseId", n.PurchaseID, "error", err)
	}
	for _, eventType := range []string{model.EventPurchaseCreated, model.EventCourseAccessGranted} {
		if err := s.notifier.Broadcast(ctx, eventType, n); err != nil {
			s.metrics.EmitFailure("realtime")
			log.Warnw("realtime broadcast failed", "purchaseId", n.PurchaseID, "type", eventType, "error", err)
		}
	}
}

func (s *PurchaseService) notification(cp ConfirmedPurchase, purchaseID, eventID string, recovery bool) model.PurchaseNotification {
	return model.PurchaseNotification{
		EventID:       eventID,
		CorrelationID: cp.CorrelationID,
		PurchaseID:    purchaseID,
		StudentID:     cp.Event.StudentID,
		CourseID:      cp.Event.CourseID,
		PurchaseTier:  cp.Tier,
		Metadata:      cp.Event.Metadata,
		Recovery:      recovery,
		OccurredAt:    s.now().UTC(),
	}
}

func (s *PurchaseService) entry(cp ConfirmedPurchase) ledger.Entry {
	return ledger.Entry{
		EventID:       cp.EventID,
		CorrelationID: cp.CorrelationID,
		EventType:     model.EventPurchaseConfirmed,
		Payload:       cp.Payload,
		Source:        cp.Source,
		Version:       cp.Version,
	}
}

// ActivePurchase returns the active purchase for the pair, or nil.
func (s *PurchaseService) ActivePurchase(ctx context.Context, studentID, courseID string) (*model.Purchase, error) {
	return s.repo.FindActivePurchase(ctx, studentID, courseID)
}

// Ping reports whether the database is reachable.
func (s *PurchaseService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func rollback(log *zap.SugaredLogger, tx repo.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil {
		log.Warnw("rollback failed", "error", err)
	}
}
