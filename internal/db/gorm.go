package db

import (
	"fmt"
	"time"

	"codesync/internal/config"
	"codesync/internal/logger"
	"codesync/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured database and migrates the schema.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseURL())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}

	db, err := Open(dialector)
	if err != nil {
		return nil, err
	}

	if cfg.DBDriver == "sqlite" {
		// SQLite allows one writer; a single connection avoids "database is locked".
		sqlDB, err := db.DB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	logger.Info().Str("driver", cfg.DBDriver).Msg("✓ Database connected and migrated successfully")
	return db, nil
}

// Open connects with an arbitrary dialector and runs migrations. Tests use
// it with an SQLite file.
func Open(dialector gorm.Dialector) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &GormDB{db}, nil
}

// Migrate creates/updates tables from the model definitions.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Project{},
		&models.Collaborator{},
		&models.CodeHistory{},
		&models.Session{},
		&models.ActiveUser{},
		&models.ChatMessage{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormWriter prints gorm's SQL log lines through the application logger.
type gormWriter struct {
	level zerolog.Level
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	logger.WithLevel(w.level).Str("component", "gorm").Msgf(format, args...)
}

// newGormLogger builds the SQL logger. A missing row is an expected
// outcome for lookups like the active session one, so it is not logged.
func newGormLogger() gormlogger.Interface {
	return gormlogger.New(gormWriter{level: logger.Level()}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormLogLevel(),
		IgnoreRecordNotFoundError: true,
	})
}

// gormLogLevel keeps SQL logging in step with the application log level.
func gormLogLevel() gormlogger.LogLevel {
	switch lvl := logger.Level(); {
	case lvl <= zerolog.DebugLevel:
		return gormlogger.Info
	case lvl <= zerolog.WarnLevel:
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}
