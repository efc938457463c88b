package repo

import (
	"context"
	"errors"

	"github.com/richardliu001/course-purchase-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepositoryInterface restricts Repo methods (so services can be tested against fakes).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	Begin(ctx context.Context) (Tx, error)
	ActivePurchaseIndexExists(ctx context.Context) (bool, error)
	FindActivePurchase(ctx context.Context, studentID, courseID string) (*model.Purchase, error)
	CountActivePurchases(ctx context.Context, studentID, courseID string) (int64, error)
	AllocationExists(ctx context.Context, studentID, courseID string) (bool, error)
	ProcessedEventExists(ctx context.Context, eventID, correlationID, eventType string) (bool, error)
	InsertProcessedEvent(ctx context.Context, evt *model.ProcessedEvent) error
	Ping(ctx context.Context) error
}

// Repository implements RepositoryInterface on gorm.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Begin opens a transaction on a connection taken from the pool. The connection
// goes back to the pool on Commit or Rollback and must not be used afterwards.
func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{db: tx}, nil
}

// ActivePurchaseIndexExists reports whether the partial unique index has been migrated.
func (r *Repository) ActivePurchaseIndexExists(ctx context.Context) (bool, error) {
	m := r.db.WithContext(ctx).Migrator()
	if !m.HasTable(&model.Purchase{}) {
		return false, errors.New("table student_course_purchases does not exist")
	}
	return m.HasIndex(&model.Purchase{}, model.ActivePurchaseIndex), nil
}

// FindActivePurchase returns the active purchase for the pair, or nil when there is none.
func (r *Repository) FindActivePurchase(ctx context.Context, studentID, courseID string) (*model.Purchase, error) {
	return findActive(r.db.WithContext(ctx), studentID, courseID)
}

// CountActivePurchases is used by health checks and tests to verify the one-active-row invariant.
func (r *Repository) CountActivePurchases(ctx context.Context, studentID, courseID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Purchase{}).
		Where("student_id = ? AND course_id = ? AND is_active = ?", studentID, courseID, true).
		Count(&n).Error
	return n, err
}

// AllocationExists checks for an approved or active trainer allocation.
func (r *Repository) AllocationExists(ctx context.Context, studentID, courseID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.TrainerAllocation{}).
		Where("student_id = ? AND course_id = ? AND status IN ?", studentID, courseID,
			[]string{model.AllocationApproved, model.AllocationActive}).
		Limit(1).Count(&n).Error
	return n > 0, err
}

// ProcessedEventExists matches by event id, or by (correlation id, event type) when a correlation id is given.
func (r *Repository) ProcessedEventExists(ctx context.Context, eventID, correlationID, eventType string) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.ProcessedEvent{})
	if correlationID != "" {
		q = q.Where("event_id = ? OR (correlation_id = ? AND event_type = ?)", eventID, correlationID, eventType)
	} else {
		q = q.Where("event_id = ?", eventID)
	}
	var n int64
	if err := q.Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertProcessedEvent writes a ledger row outside any business transaction.
func (r *Repository) InsertProcessedEvent(ctx context.Context, evt *model.ProcessedEvent) error {
	return insertProcessedEvent(r.db.WithContext(ctx), evt)
}

// Ping checks the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func findActive(db *gorm.DB, studentID, courseID string) (*model.Purchase, error) {
	var p model.Purchase
	err := db.Where("student_id = ? AND course_id = ? AND is_active = ?", studentID, courseID, true).
		Order("created_at").
		Take(&p).Error
	if err == nil {
		return &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

func insertProcessedEvent(db *gorm.DB, evt *model.ProcessedEvent) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(evt).Error
}
