package repo

import (
	"context"

	"github.com/richardliu001/course-purchase-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx is one database transaction pinned to one pooled connection.
//
// Once any statement fails with IsTxAborted the transaction is poisoned: the
// only legal call left is Rollback.
type Tx interface {
	// FindActivePurchaseForUpdate returns the active row locked FOR UPDATE, or nil.
	FindActivePurchaseForUpdate(ctx context.Context, studentID, courseID string) (*model.Purchase, error)
	// InsertPurchaseOnConflict inserts unless the active-purchase index reports a conflict.
	// It returns false when nothing was inserted.
	InsertPurchaseOnConflict(ctx context.Context, p *model.Purchase) (bool, error)
	InsertPurchase(ctx context.Context, p *model.Purchase) error
	// AcquirePairLock takes a transaction-scoped advisory lock.
	AcquirePairLock(ctx context.Context, key int64) error
	InsertProcessedEvent(ctx context.Context, evt *model.ProcessedEvent) error
	Commit() error
	Rollback() error
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) FindActivePurchaseForUpdate(ctx context.Context, studentID, courseID string) (*model.Purchase, error) {
	return findActive(t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), studentID, courseID)
}

func (t *gormTx) InsertPurchaseOnConflict(ctx context.Context, p *model.Purchase) (bool, error) {
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:     []clause.Column{{Name: "student_id"}, {Name: "course_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "is_active = true"}}},
		DoNothing:   true,
	}).Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *gormTx) InsertPurchase(ctx context.Context, p *model.Purchase) error {
	return t.db.WithContext(ctx).Create(p).Error
}

func (t *gormTx) AcquirePairLock(ctx context.Context, key int64) error {
	// sqlite has no advisory locks; its database-wide write lock already serializes writers
	if t.db.Dialector.Name() == "sqlite" {
		return nil
	}
	return t.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", key).Error
}

func (t *gormTx) InsertProcessedEvent(ctx context.Context, evt *model.ProcessedEvent) error {
	return insertProcessedEvent(t.db.WithContext(ctx), evt)
}

func (t *gormTx) Commit() error { return t.db.Commit().Error }

func (t *gormTx) Rollback() error { return t.db.Rollback().Error }
