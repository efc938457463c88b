// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite opens a file-backed sqlite database private to t with every table migrated.
// The active-purchase index is not created; call CreateActivePurchaseIndex for that.
func NewSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "purchases.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Purchase{}, &model.ProcessedEvent{}, &model.TrainerAllocation{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CreateActivePurchaseIndex adds the partial unique index the way migration 0002 does.
func CreateActivePurchaseIndex(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX %s ON student_course_purchases (student_id, course_id) WHERE is_active = true",
		model.ActivePurchaseIndex)).Error)
}
