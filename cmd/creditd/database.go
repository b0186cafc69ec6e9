package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/policy"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

// accountStore is what the daemon needs beyond credits.Store.
type accountStore interface {
	credits.Store
	SetTier(ctx context.Context, userID credits.UserID, tier credits.Tier) error
	Ping(ctx context.Context) error
}

type ledgerRuntime struct {
	store   accountStore
	service *credits.Service
	policy  policy.Policy
	close   func() error
}

func openLedger(ctx context.Context, cfg *runtimeConfig, operationLogger credits.OperationLogger) (*ledgerRuntime, error) {
	loadedPolicy, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	service, err := credits.NewService(
		store,
		loadedPolicy.Costs,
		loadedPolicy.Tiers,
		loadedPolicy.Cycle,
		func() time.Time { return time.Now().UTC() },
		credits.WithOperationLogger(operationLogger),
	)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	return &ledgerRuntime{store: store, service: service, policy: loadedPolicy, close: cleanup}, nil
}

func openStore(ctx context.Context, cfg *runtimeConfig) (accountStore, func() error, error) {
	if cfg.Store == storePGX {
		driver, _, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("the pgx store requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if err := store.Migrate(ctx); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(".", cleaned)
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return "", err
	}
	return cleaned, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + sqlitePragmas
}
