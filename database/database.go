package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storefront-server/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type DB struct {
	*sql.DB
	log *zap.Logger
}

type tableModel interface {
	TableName() string
	CreateTableSQL() string
}

// Connect establishes a connection to the PostgreSQL database
func Connect(ctx context.Context, databaseURL string, log *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, log), nil
}

// New wraps an open handle.
func New(db *sql.DB, log *zap.Logger) *DB {
	if log == nil {
		log = zap.NewNop()
	}
	return &DB{DB: db, log: log}
}

// InitializeTables creates all tables if they don't exist
func (db *DB) InitializeTables(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "pgcrypto";`); err != nil {
		return fmt.Errorf("failed to enable pgcrypto extension: %w", err)
	}

	// users first: the other tables reference it
	tables := []tableModel{
		models.User{},
		models.PointsHistory{},
		models.Order{},
	}
	for _, t := range tables {
		db.log.Debug("creating table", zap.String("table", t.TableName()))
		if _, err := db.ExecContext(ctx, t.CreateTableSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.TableName(), err)
		}
	}

	db.runMigrations(ctx)
	db.log.Info("database schema ready", zap.Int("tables", len(tables)))
	return nil
}

var migrations = []string{
	// Older user tables predate the loyalty columns
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS points BIGINT NOT NULL DEFAULT 0;`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS push_token TEXT;`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS role TEXT DEFAULT 'user';`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS is_active BOOLEAN DEFAULT TRUE;`,
	`ALTER TABLE orders ADD COLUMN IF NOT EXISTS points_awarded BIGINT NOT NULL DEFAULT 0;`,

	`CREATE INDEX IF NOT EXISTS idx_points_history_user_created ON points_history(user_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);`,

	`UPDATE users SET role = 'user' WHERE role IS NULL OR role = '';`,
	`UPDATE users SET is_active = TRUE WHERE is_active IS NULL;`,
}

// runMigrations applies idempotent schema updates. A failing statement is
// logged and the rest still run.
func (db *DB) runMigrations(ctx context.Context) {
	failed := 0
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			failed++
			db.log.Warn("migration failed", zap.Int("migration", i+1), zap.Error(err))
		}
	}
	db.log.Info("migrations completed", zap.Int("total", len(migrations)), zap.Int("failed", failed))
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
