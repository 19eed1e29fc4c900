package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/looprock/alias-relay/internal/config"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// sqliteParams serialises writers and waits on locks instead of failing with SQLITE_BUSY
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=1"

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrHandleSpaceExhausted is returned when no free reply handle was found
	// within the configured number of attempts
	ErrHandleSpaceExhausted = errors.New("reply handle space exhausted")
)

// DB wraps the database connection and provides additional functionality
type DB struct {
	*gorm.DB
	driver     string
	migrateURL string
	log        *zap.Logger
}

// New creates a new database connection
func New(cfg *config.Config, log *zap.Logger) (*DB, error) {
	var dialector gorm.Dialector

	driver := cfg.Database.Driver
	switch driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite", "sqlite3": // Accept both "sqlite" and "sqlite3"
		driver = "sqlite"
		dsn := cfg.DSN()
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqliteParams
		} else {
			dsn += "?" + sqliteParams
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{
		DB:         db,
		driver:     driver,
		migrateURL: cfg.MigrateURL(),
		log:        log,
	}, nil
}

// Migrate runs the embedded migrations for the configured driver
func (db *DB) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+db.driver)
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, db.migrateURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		db.log.Info("No migrations to run")
		return nil
	}

	version, _, _ := m.Version()
	db.log.Info("Migrations applied", zap.Uint("version", version))
	return nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser creates a user for the given mailbox, returning the existing one if present
func (db *DB) CreateUser(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}

	var existing User
	err := db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return &existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	user := &User{
		Email:    email,
		IsActive: true,
	}
	if err := db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// CreateAlias creates an enabled alias owned by userID
func (db *DB) CreateAlias(ctx context.Context, address string, userID uint) (*Alias, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if !strings.Contains(address, "@") {
		return nil, fmt.Errorf("invalid alias address: %q", address)
	}

	alias := &Alias{
		Address: address,
		UserID:  userID,
		Enabled: true,
	}
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(alias).Error; err != nil {
		return nil, fmt.Errorf("failed to create alias: %w", err)
	}
	return alias, nil
}
