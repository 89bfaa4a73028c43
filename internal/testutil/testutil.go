package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// OpenSQLite opens a private in-memory database for tb and migrates models.
// A single connection keeps every statement on the same memory database.
func OpenSQLite(tb testing.TB, models ...any) *gorm.DB {
	tb.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	return open(tb, dsn, 1, models)
}

// OpenSQLiteFile opens a WAL database file under tb's temp dir with up to
// conns pooled connections, for tests that race real transactions.
func OpenSQLiteFile(tb testing.TB, conns int, models ...any) *gorm.DB {
	tb.Helper()
	if conns < 2 {
		conns = 2
	}
	dsn := filepath.Join(tb.TempDir(), "ledger.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return open(tb, dsn, conns, models)
}

func open(tb testing.TB, dsn string, conns int, models []any) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			tb.Fatalf("automigrate: %v", err)
		}
	}
	return db
}
