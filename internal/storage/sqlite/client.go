package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go through the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		openid TEXT UNIQUE NOT NULL,
		unionid TEXT,
		nickname TEXT,
		avatar TEXT,
		gender INTEGER DEFAULT 0,
		country TEXT,
		province TEXT,
		city TEXT,
		phone TEXT,
		status INTEGER NOT NULL DEFAULT 1,
		last_login INTEGER,
		login_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_unionid ON users(unionid);
	CREATE INDEX IF NOT EXISTS idx_user_phone ON users(phone);
	CREATE INDEX IF NOT EXISTS idx_user_created ON users(created_at);

	CREATE TABLE IF NOT EXISTS pests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		alias TEXT,
		taxonomy TEXT,
		adult_features TEXT,
		larval_features TEXT,
		egg_features TEXT,
		pupa_features TEXT,
		host_range TEXT,
		habitat TEXT,
		activity_pattern TEXT,
		overwintering TEXT,
		damage_period TEXT,
		damage_method TEXT,
		damage_symptoms TEXT,
		monitoring_methods TEXT,
		agricultural_control TEXT,
		physical_control TEXT,
		biological_control TEXT,
		chemical_control TEXT,
		quarantine_requirements TEXT,
		geographical_distribution TEXT,
		generations_per_year TEXT,
		reproductive_characteristics TEXT,
		cate TEXT,
		image TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pest_name ON pests(name);
	CREATE INDEX IF NOT EXISTS idx_pest_cate ON pests(cate);
	CREATE INDEX IF NOT EXISTS idx_pest_updated ON pests(updated_at);

	CREATE TABLE IF NOT EXISTS detection_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		pest_id INTEGER,
		image_url TEXT NOT NULL,
		detection_time INTEGER NOT NULL,
		confidence REAL,
		bbox TEXT,
		status INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (pest_id) REFERENCES pests(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detection_user_pest ON detection_records(user_id, pest_id);
	CREATE INDEX IF NOT EXISTS idx_detection_time ON detection_records(detection_time);
	CREATE INDEX IF NOT EXISTS idx_detection_pest ON detection_records(pest_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
