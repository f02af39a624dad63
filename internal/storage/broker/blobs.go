package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"gridworld.ai/internal/storage"
)

// SQLiteBlobs is the broker's key/value blob store. Room state, intents,
// terrain and user memory all live here as opaque byte values; the broker
// never interprets them.
type SQLiteBlobs struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteBlobs, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL suits the write-heavy flush phase; NORMAL is a reasonable
	// durability/perf tradeoff for state that is rewritten every tick.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteBlobs{db: db}, nil
}

func (b *SQLiteBlobs) Close() error { return b.db.Close() }

func (b *SQLiteBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *SQLiteBlobs) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `INSERT OR REPLACE INTO blobs(key, value) VALUES(?, ?)`, key, value)
	return err
}

func (b *SQLiteBlobs) Del(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return err
}

// Copy duplicates src's value under dst without round-tripping the bytes
// through the client. The flush phase uses this for rooms that did not
// change this tick.
func (b *SQLiteBlobs) Copy(ctx context.Context, src, dst string) error {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs(key, value) SELECT ?, value FROM blobs WHERE key = ?`, dst, src)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
	}
	return nil
}
