package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	puresqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Handle struct {
	DB     *gorm.DB
	Path   string
	Driver string
}

// Open connects using the configured driver. For the sqlite drivers a relative
// dsn is placed under dir.
func Open(dir, driver, dsn string) (*Handle, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}

	var dial gorm.Dialector
	path := dsn
	switch driver {
	case "sqlite", "sqlite-pure":
		if path == "" {
			path = "catsync.db"
		}
		if !filepath.IsAbs(path) && dir != "" {
			_ = os.MkdirAll(dir, 0o755)
			path = filepath.Join(dir, path)
		}
		if driver == "sqlite" {
			dial = sqlite.Open(path + "?_busy_timeout=5000")
		} else {
			dial = puresqlite.Open(path + "?_pragma=busy_timeout(5000)")
		}
	case "postgres":
		dial = postgres.Open(dsn)
	case "mysql":
		dial = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	gdb, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // switch to logger.Info for verbose SQL
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" || driver == "sqlite-pure" {
		// single writer; the importer never queries outside its open tx
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Handle{DB: gdb, Path: path, Driver: driver}, nil
}

func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
