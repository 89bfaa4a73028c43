// Package db opens the application database and migrates every table.
package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		return mysql.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "sqlite":
		return gormsqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}
}

// Connect opens dsn with the named driver (mysql, postgres or sqlite) and
// checks the connection.
func Connect(driver, dsn string, log *logger.Logger) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	log.Info("connecting to database", "driver", driver)
	gdb, err := gorm.Open(d, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Error("database connection failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(driver, "sqlite") {
		// one writer at a time; also keeps :memory: databases on one connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return gdb, nil
}

// Models lists every table the application owns.
func Models() []any {
	var out []any
	out = append(out, &identity.User{}, &answercache.Entry{})
	out = append(out, chat.Models()...)
	out = append(out, ledger.Models()...)
	out = append(out, &metrics.DailyStatistic{})
	return out
}

func AutoMigrateAll(gdb *gorm.DB, log *logger.Logger) error {
	log.Info("auto migrating tables")
	if err := gdb.AutoMigrate(Models()...); err != nil {
		log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}
