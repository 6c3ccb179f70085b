package service

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ramanand00/Nuvyra-x/internal/db"
	"github.com/ramanand00/Nuvyra-x/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB opens a uniquely named in-memory sqlite database with a
// single connection so concurrent test goroutines serialize instead of
// hitting SQLITE_BUSY.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func createUser(t *testing.T, gdb *gorm.DB, name, email string) models.User {
	t.Helper()
	u := models.User{Name: name, Email: email, PasswordHash: "x", IsVerified: true}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}
