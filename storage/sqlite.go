package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
)`

// SQLiteBackend keeps blobs in a single SQLite database file.
type SQLiteBackend struct {
	db          *sql.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string, log *slog.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", interfaces.ErrInvalidLocationURI)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	return &SQLiteBackend{
		db:          db,
		path:        path,
		log:         common.LoggerOrDiscard(log),
		locationURI: fmt.Sprintf("sqlite://%s", path),
	}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	if n == 0 {
		return interfaces.ErrBlobNotFound
	}
	return nil
}

// List selects keys by range rather than LIKE so that '%' and '_' in
// prefixes need no escaping.
func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT key FROM blobs WHERE key >= ? ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Available(ctx context.Context) bool {
	if err := b.db.PingContext(ctx); err != nil {
		b.log.Debug("SQLite backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *SQLiteBackend) Name() string {
	return fmt.Sprintf("sqlite-%s", filepath.Base(b.path))
}

func (b *SQLiteBackend) LocationURI() string {
	return b.locationURI
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
