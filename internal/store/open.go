package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database, retrying with exponential backoff while it
// is not reachable yet (e.g. container startup).
func Open(ctx context.Context, driver, dsn string, maxRetries int, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "", "postgres", "pgx":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	delay := 250 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *gorm.DB
		db, err = gorm.Open(dialector, cfg)
		if err == nil {
			if err = configurePool(db, driver); err == nil {
				log.Info().Int("attempt", attempt).Str("driver", driver).Msg("database connection established")
				return db, nil
			}
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_retries", maxRetries).Msg("database connection attempt failed, retrying")
		if attempt == maxRetries {
			break
		}
		wait := delay * time.Duration(1<<uint(attempt))
		if wait > 15*time.Second {
			wait = 15 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

func configurePool(db *gorm.DB, driver string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if strings.HasPrefix(driver, "sqlite") {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return nil
	}
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return nil
}
