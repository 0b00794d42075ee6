package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/stairway/internal/dao"
	"github.com/yungbote/stairway/logger"
)

// Logger returns a quiet logger unless STAIRWAY_TEST_VERBOSE is set.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	if os.Getenv("STAIRWAY_TEST_VERBOSE") == "" {
		return logger.Nop()
	}
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("failed to init logger: %v", err)
	}
	return log
}

/*
DB opens a migrated database for one test. With TEST_POSTGRES_DSN set it
runs against postgres (dropping and recreating the engine tables);
otherwise it uses a throwaway sqlite file, which keeps the suite
hermetic.
*/
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	cfg := &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		path := filepath.Join(tb.TempDir(), "stairway.db?_busy_timeout=5000")
		db, err = gorm.Open(sqlite.Open("file:"+path), cfg)
	}
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}

	if err := dao.Migrate(db, true); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}
