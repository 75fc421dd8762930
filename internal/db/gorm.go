package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultSQLiteDSN = "observer.db"
)

// sqlitePragmas are applied to file-backed sqlite databases unless the DSN
// already sets them. WAL lets readers proceed while the single writer commits.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == DriverSQLite {
			dsn = defaultSQLiteDSN
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err := gorm.Open(sqliteDriver.Open(withSQLitePragmas(dsn)), cfg)
		if err != nil {
			return nil, err
		}
		if _, onDisk := sqliteFilePath(dsn); !onDisk {
			// every pooled connection to :memory: would see its own empty database
			sqlDB, err := gormDB.DB()
			if err != nil {
				return nil, fmt.Errorf("get sql db: %w", err)
			}
			sqlDB.SetMaxOpenConns(1)
		}
		return gormDB, nil
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func withSQLitePragmas(dsn string) string {
	if _, ok := sqliteFilePath(dsn); !ok {
		return dsn
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := make([]string, 0, len(sqlitePragmas))
	for _, pragma := range sqlitePragmas {
		params = append(params, "_pragma="+url.QueryEscape(pragma))
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return "", false
	}
	lower := strings.ToLower(raw)
	if lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}

	if strings.HasPrefix(lower, "file:") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return splitSQLitePath(raw), true
		}
		if strings.EqualFold(strings.TrimSpace(parsed.Query().Get("mode")), "memory") {
			return "", false
		}
		if strings.HasPrefix(strings.ToLower(parsed.Path), ":memory:") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return splitSQLitePath(strings.TrimPrefix(raw, "file:")), true
		}
		return "", false
	}

	return splitSQLitePath(raw), true
}

func splitSQLitePath(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}

// Close releases the pool behind a gorm handle.
func Close(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
