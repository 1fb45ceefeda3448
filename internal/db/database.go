package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"drivetest-pipeline/internal/cache"
)

// Database wraps the SQLite connection backing the request cache
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		stored_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_stored_at ON cache_entries(stored_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// LoadAll reads every cache entry into memory
func (db *Database) LoadAll(ctx context.Context) (map[string]cache.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value, stored_at FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]cache.Entry)
	for rows.Next() {
		var key string
		var e cache.Entry
		if err := rows.Scan(&key, &e.Value, &e.StoredAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries[key] = e
	}
	return entries, rows.Err()
}

// Apply writes a batch of cache mutations in a single transaction
func (db *Database) Apply(ctx context.Context, batch []cache.Mutation) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (key, value, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at
	`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	del, err := tx.PrepareContext(ctx, `DELETE FROM cache_entries WHERE key = ?`)
	if err != nil {
		return err
	}
	defer del.Close()

	for _, m := range batch {
		if m.Delete {
			_, err = del.ExecContext(ctx, m.Key)
		} else {
			value := m.Value
			if value == nil {
				value = []byte{}
			}
			_, err = upsert.ExecContext(ctx, m.Key, value, m.StoredAt.UTC())
		}
		if err != nil {
			return fmt.Errorf("failed to apply cache mutation %s: %w", m.Key, err)
		}
	}

	return tx.Commit()
}

// PurgeOlderThan deletes entries stored before cutoff and returns the count removed
func (db *Database) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE stored_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var entries, bytes int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`).Scan(&entries, &bytes)
	if err != nil {
		return nil, err
	}
	stats["cache_entries"] = entries
	stats["cache_bytes"] = bytes

	var oldest sql.NullString
	if err := db.conn.QueryRowContext(ctx, `SELECT MIN(stored_at) FROM cache_entries`).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats["oldest_entry"] = oldest.String
	}

	return stats, nil
}

var _ cache.Store = (*Database)(nil)
