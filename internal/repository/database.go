package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBConfig - параметры подключения к PostgreSQL
type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN строит строку подключения lib/pq
func (c DBConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslmode)
}

// Open создаёт пул соединений и проверяет подключение
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := sql.OpenDB(connector)

	// Настройка пула соединений
	db.SetMaxOpenConns(orInt(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(orInt(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// schema - таблицы сервиса, создаются при старте
var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		venue VARCHAR(32) NOT NULL,
		market VARCHAR(16) NOT NULL,
		symbol VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		condition JSONB NOT NULL,
		trigger VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		cooldown_ms BIGINT NOT NULL DEFAULT 0,
		last_fired_at TIMESTAMPTZ,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_owner ON alerts (owner)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		type VARCHAR(32) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		message TEXT NOT NULL,
		value NUMERIC(36, 18),
		condition TEXT NOT NULL DEFAULT '',
		meta JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_owner_ts ON notifications (owner, timestamp DESC)`,
}

// Migrate создаёт недостающие таблицы в одной транзакции
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

// isUniqueViolation - нарушение уникального ключа (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
