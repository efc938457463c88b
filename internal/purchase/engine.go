// Package purchase guarantees at most one active purchase per (student, course).
//
// When the partial unique index is known to exist the engine inserts with
// ON CONFLICT DO NOTHING and reads back the winner. Otherwise, or when the
// database contradicts the cached index state, it serializes on a
// transaction-scoped advisory lock keyed by the pair.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/course-purchase-service/internal/metrics"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("github.com/richardliu001/course-purchase-service/internal/purchase")

// ErrInvalidRequest is returned before any database work when the request is unusable.
var ErrInvalidRequest = errors.New("invalid purchase request")

// Path names how Create resolved the pair.
type Path string

const (
	PathOnConflict   Path = "on_conflict"
	PathAdvisoryLock Path = "advisory_lock"
)

// Beginner hands out transactions, each on its own pooled connection.
type Beginner interface {
	Begin(ctx context.Context) (repo.Tx, error)
}

type Request struct {
	StudentID  string
	CourseID   string
	PaymentID  string
	Tier       model.PurchaseTier
	AmountPaid decimal.Decimal
	ExpiryDate *time.Time
	Metadata   json.RawMessage
}

func (r Request) validate() error {
	if r.StudentID == "" || r.CourseID == "" {
		return fmt.Errorf("%w: studentId and courseId are required", ErrInvalidRequest)
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("%w: unknown purchase tier %d", ErrInvalidRequest, r.Tier)
	}
	return nil
}

type Result struct {
	PurchaseID string
	// Created is false when an existing active purchase was returned.
	Created bool
	Path    Path
	// FellBack is set when the on-conflict attempt was abandoned for a fresh connection.
	FellBack bool
}

type Engine struct {
	db      Beginner
	index   *IndexCache
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	newID   func() string

	missingIndexWarn *rate.Sometimes
}

func NewEngine(db Beginner, index *IndexCache, log *zap.SugaredLogger, m *metrics.Metrics, warnInterval time.Duration) *Engine {
	return &Engine{
		db:               db,
		index:            index,
		log:              log,
		metrics:          m,
		newID:            uuid.NewString,
		missingIndexWarn: &rate.Sometimes{First: 1, Interval: warnInterval},
	}
}

// Create returns the id of the single active purchase for the pair, inserting it if absent.
//
// The returned Tx is the live transaction the result was produced in. It may
// differ from the first one opened when the on-conflict path had to be
// abandoned. The caller owns it: write the ledger row in it, then Commit, or
// Rollback on any error. On error the Tx may be nil.
func (e *Engine) Create(ctx context.Context, req Request) (Result, repo.Tx, error) {
	ctx, span := tracer.Start(ctx, "purchase.Engine.Create")
	defer span.End()
	span.SetAttributes(attribute.String("student.id", req.StudentID), attribute.String("course.id", req.CourseID))

	res, tx, err := e.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, tx, err
	}
	span.SetAttributes(attribute.String("purchase.path", string(res.Path)), attribute.Bool("purchase.created", res.Created))
	e.metrics.EnginePath(string(res.Path))
	return res, tx, nil
}

func (e *Engine) create(ctx context.Context, req Request) (Result, repo.Tx, error) {
	if err := req.validate(); err != nil {
		return Result{}, nil, err
	}

	useIndex := e.index.Exists(ctx)
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{}, nil, fmt.Errorf("begin purchase tx: %w", err)
	}

	fellBack := false
	if useIndex {
		res, err := e.createOnConflict(ctx, tx, req)
		if err == nil {
			return res, tx, nil
		}
		missing := repo.IsMissingConstraint(err)
		if !missing && !repo.IsTxAborted(err) {
			return Result{}, tx, err
		}
		if missing {
			e.index.MarkAbsent()
		} else {
			e.index.Invalidate()
		}
		e.log.Warnw("on-conflict insert rejected, falling back to advisory lock on a fresh connection",
			"studentId", req.StudentID, "courseId", req.CourseID, "missingConstraint", missing, "error", err)

		tx, err = e.replace(ctx, tx)
		if err != nil {
			return Result{}, nil, err
		}
		fellBack = true
	} else {
		e.missingIndexWarn.Do(func() {
			e.log.Warnw("active purchase unique index not present, using advisory lock path",
				"index", model.ActivePurchaseIndex)
		})
	}

	res, err := e.createLocked(ctx, tx, req)
	if err != nil && repo.IsUniqueViolation(err) {
		// the index exists after all and a concurrent on-conflict insert committed first
		e.index.Invalidate()
		e.log.Infow("unique violation under advisory lock, reading committed purchase",
			"studentId", req.StudentID, "courseId", req.CourseID)
		if tx, err = e.replace(ctx, tx); err != nil {
			return Result{}, nil, err
		}
		res, err = e.readExisting(ctx, tx, req, PathAdvisoryLock)
	}
	if err != nil {
		return Result{}, tx, err
	}
	res.FellBack = fellBack
	return res, tx, nil
}

// createOnConflict relies on the partial unique index to reject the duplicate.
func (e *Engine) createOnConflict(ctx context.Context, tx repo.Tx, req Request) (Result, error) {
	p := e.newPurchase(req)
	inserted, err := tx.InsertPurchaseOnConflict(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if inserted {
		return Result{PurchaseID: p.ID, Created: true, Path: PathOnConflict}, nil
	}
	return e.readExisting(ctx, tx, req, PathOnConflict)
}

// createLocked serializes on the pair's advisory lock. The lock is released at commit or rollback,
// so a waiter that gets it next sees the committed row.
func (e *Engine) createLocked(ctx context.Context, tx repo.Tx, req Request) (Result, error) {
	if err := tx.AcquirePairLock(ctx, PairLockKey(req.StudentID, req.CourseID)); err != nil {
		return Result{}, fmt.Errorf("acquire pair lock: %w", err)
	}
	existing, err := tx.FindActivePurchaseForUpdate(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{PurchaseID: existing.ID, Created: false, Path: PathAdvisoryLock}, nil
	}
	p := e.newPurchase(req)
	if err := tx.InsertPurchase(ctx, p); err != nil {
		return Result{}, err
	}
	return Result{PurchaseID: p.ID, Created: true, Path: PathAdvisoryLock}, nil
}

func (e *Engine) readExisting(ctx context.Context, tx repo.Tx, req Request, path Path) (Result, error) {
	existing, err := tx.FindActivePurchaseForUpdate(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{}, fmt.Errorf("conflict reported for %s/%s but no active purchase is visible",
			req.StudentID, req.CourseID)
	}
	return Result{PurchaseID: existing.ID, Created: false, Path: path}, nil
}

// replace discards a transaction whose connection may be poisoned and opens a new one.
// The old Tx is rolled back exactly once and never touched again.
func (e *Engine) replace(ctx context.Context, old repo.Tx) (repo.Tx, error) {
	if err := old.Rollback(); err != nil {
		e.log.Warnw("rollback of abandoned purchase tx failed", "error", err)
	}
	fresh, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fallback purchase tx: %w", err)
	}
	return fresh, nil
}

func (e *Engine) newPurchase(req Request) *model.Purchase {
	meta := datatypes.JSON(req.Metadata)
	if len(meta) == 0 {
		meta = datatypes.JSON("{}")
	}
	return &model.Purchase{
		ID:           e.newID(),
		StudentID:    req.StudentID,
		CourseID:     req.CourseID,
		PaymentID:    req.PaymentID,
		PurchaseTier: req.Tier,
		AmountPaid:   req.AmountPaid,
		ExpiryDate:   req.ExpiryDate,
		Metadata:     meta,
		IsActive:     true,
	}
}
