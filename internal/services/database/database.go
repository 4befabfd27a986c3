package database

import (
	"context"
	"fmt"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the gorm handle backing the exchange log
type DB struct {
	*gorm.DB
	config     models.DatabaseConfig
	driverName string
}

func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection, honouring the context deadline
func (db *DB) Ping(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not connected")
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (db *DB) DriverName() string {
	return db.driverName
}

// Migrate creates the exchange log schema for the active driver
func (db *DB) Migrate() error {
	if db.config.Type == models.ClickHouse {
		return RunClickHouseMigrations(db.DB)
	}
	if err := db.AutoMigrate(&models.ExchangeRecord{}); err != nil {
		return fmt.Errorf("failed to migrate %s schema: %w", db.driverName, err)
	}
	return nil
}

func (db *DB) setConnectionPool() {
	sqlDB, err := db.DB.DB()
	if err != nil {
		fiberlog.Warnf("database: cannot tune pool for %s: %v", db.driverName, err)
		return
	}

	if db.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.config.MaxOpenConns)
	}
	if db.config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(db.config.MaxIdleConns)
	}
	if lifetime := db.config.ConnMaxLifetime(); lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}
}

// New opens the configured driver, tunes its pool and pings it
func New(config models.DatabaseConfig) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		dialector  gorm.Dialector
		gormConfig = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
		driverName string
	)
	switch config.Type {
	case models.PostgreSQL:
		dialector, driverName = postgresDialector(config), "postgres"
	case models.MySQL:
		dialector, driverName = mysqlDialector(config), "mysql"
	case models.SQLite:
		dialector, driverName = sqliteDialector(config), "sqlite3"
	case models.ClickHouse:
		dialector, driverName = clickHouseDialector(config), "clickhouse"
		// The ClickHouse driver has incomplete prepared statement support
		// See: https://github.com/go-gorm/gorm/issues/7493
		gormConfig.PrepareStmt = false
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driverName, err)
	}

	db := &DB{
		DB:         gormDB,
		config:     config,
		driverName: driverName,
	}
	db.setConnectionPool()

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driverName, err)
	}

	fiberlog.Infof("database: connected to %s", driverName)
	return db, nil
}
