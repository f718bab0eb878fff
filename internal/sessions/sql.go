package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conductor/internal/backoff"
)

// SQL drivers accepted by OpenSQLStore.
const (
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres" // github.com/lib/pq, also CockroachDB
)

// SQLConfig configures a database-backed store.
type SQLConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// DefaultSQLConfig returns pool defaults for driver.
func DefaultSQLConfig(driver, dsn string) SQLConfig {
	return SQLConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectAttempts: 5,
	}
}

// SQLStore implements Store on a single key/value table.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	locks    *KeyLocker
}

// OpenSQLStore connects, waits for the database to answer and creates the
// schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	switch cfg.Driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err = backoff.Retry(ctx, backoff.DefaultPolicy(), attempts, nil, func(ctx context.Context, attempt int) (struct{}, error) {
		err := db.PingContext(ctx)
		if err != nil {
			logger.Warn("database ping failed", "driver", cfg.Driver, "attempt", attempt+1, "error", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStore(db, cfg.Driver)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("session storage ready", "driver", cfg.Driver)
	return store, nil
}

// NewSQLStore wraps an open database. driver selects the placeholder style.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:       db,
		postgres: driver == DriverPostgres,
		locks:    NewKeyLocker(),
	}
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the storage table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to migrate storage: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Read(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	return s.read(ctx, key, v)
}

func (s *SQLStore) read(ctx context.Context, key []string, v any) error {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv WHERE key = ?`), keyString(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", keyString(key), err)
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("decode %s: %w", keyString(key), err)
	}
	return nil
}

func (s *SQLStore) Write(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()
	return s.put(ctx, key, v)
}

func (s *SQLStore) put(ctx context.Context, key []string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyString(key), err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		keyString(key), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", keyString(key), err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, key []string, v any, fn func() error) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.read(ctx, key, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.put(ctx, key, v)
}

func (s *SQLStore) Remove(ctx context.Context, key []string) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM kv WHERE key = ?`), keyString(key)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", keyString(key), err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix []string) ([][]string, error) {
	if err := validateKey(prefix, true); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if len(prefix) == 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	} else {
		p := keyString(prefix) + "/"
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`), len(p), p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", keyString(prefix), err)
	}
	defer rows.Close()

	var keys [][]string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, splitKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Collation differs between engines.
	sortKeys(keys)
	return keys, nil
}
