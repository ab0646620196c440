package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Postgres struct {
	DB *gorm.DB
}

type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// dsn - Data Source Name
func NewPostgres(opts PostgresOptions) (*Postgres, error) {
	db, err := Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(opts.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 10
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 100
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}

	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return db, nil
}

// Opens gorm over an arbitrary dialector. Timestamps are always written in UTC
func Open(dialector gorm.Dialector, cfg *gorm.Config) (*Postgres, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	cfg.NowFunc = func() time.Time {
		return time.Now().UTC()
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}

	return &Postgres{DB: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (p *Postgres) AutoMigrate() error {
	return p.DB.AutoMigrate(
		&models.RateLimitTier{},
		&models.APIKey{},
		&models.DecisionLog{},
	)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
