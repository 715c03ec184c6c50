package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// maxConnectAttempts includes the initial attempt
const maxConnectAttempts = 5

// InitDatabase initializes the database connection based on the provided configuration
// It supports both PostgreSQL and SQLite drivers with exponential backoff retries and connection pooling
func InitDatabase(ctx context.Context, cfg DatabaseConfig) (*gorm.DB, error) {
	driver := strings.ToLower(cfg.Driver)

	log.WithFields(logrus.Fields{
		"db_driver": driver,
		"db_host":   cfg.Host,
		"db_name":   cfg.Name,
		"db_path":   cfg.Path,
	}).Info("Initializing database connection")

	var dialector gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		log.WithField("dsn_host", cfg.Host).Debug("Connecting to PostgreSQL")
		dialector = postgres.Open(cfg.DSN())
	case "sqlite", "":
		log.WithField("db_path", cfg.Path).Debug("Connecting to SQLite")
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", cfg.Driver)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = 16 * time.Second

	attempt := 0
	db, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		log.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": maxConnectAttempts,
		}).Info("Attempting database connection")

		db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.WithError(err).Error("Failed to get database instance")
			return nil, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			log.WithError(err).Error("Failed to ping database")
			return nil, err
		}
		return db, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxConnectAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err.Error(),
				"delay":   delay,
			}).Warn("Database connection attempt failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	configureConnectionPool(sqlDB, cfg.isMemory())

	log.WithFields(logrus.Fields{
		"db_driver": driver,
		"attempt":   attempt,
	}).Info("Database initialized successfully")

	return db, nil
}

// Migrate creates or updates every table the authorization server owns
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// configureConnectionPool sets up connection pool parameters for optimal performance
func configureConnectionPool(sqlDB *sql.DB, memory bool) {
	if memory {
		// every connection to ":memory:" opens a separate database
		sqlDB.SetMaxOpenConns(1)
		log.Debug("In-memory SQLite, connection pool pinned to one connection")
		return
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	log.WithFields(logrus.Fields{
		"max_open_conns":    25,
		"max_idle_conns":    5,
		"conn_max_lifetime": "5m",
	}).Debug("Connection pool configured")
}
