// Package sqlite provides a reference implementation of a drivecache Store.
// Other SQL implementations should ideally borrow from this code as the SQL
// should be compatible with other drivers as well.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ds "github.com/m-rots/drivecache/datastore"

	// database driver
	_ "github.com/mattn/go-sqlite3"
)

// Option configures the SQLite3 Store.
type Option func(*Datastore)

// WithClock sets the clock used to evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(store *Datastore) {
		store.now = now
	}
}

// New returns a drivecache Store with a SQLite3 backend.
func New(path string, opts ...Option) (*Datastore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", ds.ErrDatabase)
	}

	// A single connection serialises all transactions
	// and keeps an in-memory database alive across statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", ds.ErrDatabase)
	}

	store := &Datastore{
		DB:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// Datastore holds our SQLite3 database connection
// and implements the drivecache Store interface.
type Datastore struct {
	DB  *sql.DB
	now func() time.Time
}

// ErrTransaction can have values begin or commit, and indicates an error
// when beginning or commiting a transaction
var ErrTransaction = fmt.Errorf("transaction: %w", ds.ErrDatabase)

// ErrInvalidStatement occurs when the SQL statement is not compatible
// with the underlying driver or when the database is not initialised with tables yet.
var ErrInvalidStatement = fmt.Errorf("invalid statement: %w", ds.ErrDatabase)

// expires converts a ttl into the stored expiry column and its time representation.
func (store *Datastore) expires(ttl time.Duration) (int64, time.Time) {
	at := ds.Expiry(store.now(), ttl)
	if at.IsZero() {
		return 0, time.Time{}
	}

	return at.UnixNano(), time.Unix(0, at.UnixNano())
}

func expiresAt(expires int64) time.Time {
	if expires == 0 {
		return time.Time{}
	}

	return time.Unix(0, expires)
}

// Get returns the live entry of key.
func (store *Datastore) Get(ctx context.Context, key string) (ds.Entry, error) {
	entry := ds.Entry{Key: key}
	var expires int64

	row := store.DB.QueryRowContext(ctx, sqlGet, key, store.now().UnixNano())
	err := row.Scan(&entry.Value, &entry.Version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ds.Entry{}, ds.ErrNotFound
	}
	if err != nil {
		return ds.Entry{}, fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	entry.ExpiresAt = expiresAt(expires)
	return entry, nil
}

// Set unconditionally writes the value.
func (store *Datastore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ds.Entry, error) {
	entries, err := store.Batch(ctx, []ds.Write{{Key: key, Value: value, TTL: ttl}})
	if err != nil {
		return ds.Entry{}, err
	}

	return entries[0], nil
}

// Batch writes all values within one transaction.
func (store *Datastore) Batch(ctx context.Context, writes []ds.Write) ([]ds.Entry, error) {
	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", ErrTransaction)
	}
	defer tx.Rollback()

	// Prepare sql statement to upsert entries.
	upsert, err := tx.PrepareContext(ctx, sqlUpsert)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", sqlUpsert, ErrInvalidStatement)
	}
	defer upsert.Close()

	entries := make([]ds.Entry, 0, len(writes))
	for _, w := range writes {
		entry, err := store.put(ctx, tx, upsert, w.Key, w.Value, w.TTL)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", ErrTransaction)
	}

	return entries, nil
}

// put upserts a single value with the next version of the sequence.
func (store *Datastore) put(ctx context.Context, tx *sql.Tx, upsert *sql.Stmt, key string, value []byte, ttl time.Duration) (ds.Entry, error) {
	version, err := nextVersion(ctx, tx)
	if err != nil {
		return ds.Entry{}, err
	}

	if value == nil {
		value = []byte{}
	}

	expires, at := store.expires(ttl)
	if _, err := upsert.ExecContext(ctx, key, value, version, expires); err != nil {
		return ds.Entry{}, fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	return ds.Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		ExpiresAt: at,
	}, nil
}

// nextVersion bumps the store-wide sequence.
func nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, sqlBumpSequence); err != nil {
		return 0, fmt.Errorf("%v: %w", sqlBumpSequence, ErrInvalidStatement)
	}

	var version int64
	if err := tx.QueryRowContext(ctx, sqlGetSequence).Scan(&version); err != nil {
		return 0, fmt.Errorf("sequence: %w", ds.ErrDatabase)
	}

	return version, nil
}

// liveVersion returns the version of key, or 0 when the key is absent or expired.
func (store *Datastore) liveVersion(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var version int64

	err := tx.QueryRowContext(ctx, sqlGetVersion, key, store.now().UnixNano()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	return version, nil
}

// Delete removes key.
func (store *Datastore) Delete(ctx context.Context, key string) error {
	if _, err := store.DB.ExecContext(ctx, sqlDelete, key); err != nil {
		return fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	return nil
}

// CompareAndSwap writes the value when the live version of key matches version.
func (store *Datastore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (ds.Entry, error) {
	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		return ds.Entry{}, fmt.Errorf("begin: %w", ErrTransaction)
	}
	defer tx.Rollback()

	current, err := store.liveVersion(ctx, tx, key)
	if err != nil {
		return ds.Entry{}, err
	}

	if current != version {
		return ds.Entry{}, ds.ErrConflict
	}

	upsert, err := tx.PrepareContext(ctx, sqlUpsert)
	if err != nil {
		return ds.Entry{}, fmt.Errorf("%v: %w", sqlUpsert, ErrInvalidStatement)
	}
	defer upsert.Close()

	entry, err := store.put(ctx, tx, upsert, key, value, ttl)
	if err != nil {
		return ds.Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return ds.Entry{}, fmt.Errorf("commit: %w", ErrTransaction)
	}

	return entry, nil
}

// CompareAndDelete removes key when its live version matches version.
func (store *Datastore) CompareAndDelete(ctx context.Context, key string, version int64) error {
	res, err := store.DB.ExecContext(ctx, sqlCompareAndDelete, key, version, store.now().UnixNano())
	if err != nil {
		return fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	if n == 0 {
		return ds.ErrConflict
	}

	return nil
}

// Scan returns the live entries with the given prefix in key order.
func (store *Datastore) Scan(ctx context.Context, prefix string) ([]ds.Entry, error) {
	rows, err := store.DB.QueryContext(ctx, sqlScan, prefix, store.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", sqlScan, ErrInvalidStatement)
	}
	defer rows.Close()

	var entries []ds.Entry
	for rows.Next() {
		var entry ds.Entry
		var expires int64

		if err := rows.Scan(&entry.Key, &entry.Value, &entry.Version, &expires); err != nil {
			return nil, fmt.Errorf("scan %v: %w", prefix, ds.ErrDatabase)
		}

		entry.ExpiresAt = expiresAt(expires)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %v: %w", prefix, ds.ErrDatabase)
	}

	return entries, nil
}

// Purge removes all expired rows and returns how many were removed.
func (store *Datastore) Purge(ctx context.Context) (int64, error) {
	res, err := store.DB.ExecContext(ctx, sqlPurge, store.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", ds.ErrDatabase)
	}

	return res.RowsAffected()
}

// Close closes the database connection.
func (store *Datastore) Close() error {
	return store.DB.Close()
}

const sqlSchema string = `
CREATE TABLE IF NOT EXISTS kv (
  "key" text PRIMARY KEY,
  "value" blob NOT NULL,
  "version" integer NOT NULL,
  "expires" integer NOT NULL
);

CREATE TABLE IF NOT EXISTS seq (
  "id" integer PRIMARY KEY CHECK (id = 0),
  "value" integer NOT NULL
);

INSERT OR IGNORE INTO seq (id, value) VALUES (0, 0);
`

const sqlGet = `
SELECT value, version, expires FROM kv
	WHERE key=$1 AND (expires=0 OR expires>$2)
`

const sqlGetVersion = `
SELECT version FROM kv
	WHERE key=$1 AND (expires=0 OR expires>$2)
`

const sqlUpsert = `
INSERT INTO kv (key, value, version, expires) VALUES ($1, $2, $3, $4)
	ON CONFLICT(key) DO UPDATE SET
		value=$2,
		version=$3,
		expires=$4
`

const sqlBumpSequence = `
UPDATE seq SET value=value+1 WHERE id=0
`

const sqlGetSequence = `
SELECT value FROM seq WHERE id=0
`

const sqlDelete = `
DELETE FROM kv WHERE key=?
`

const sqlCompareAndDelete = `
DELETE FROM kv
	WHERE key=$1 AND version=$2 AND (expires=0 OR expires>$3)
`

const sqlScan = `
SELECT key, value, version, expires FROM kv
	WHERE substr(key, 1, length($1))=$1 AND (expires=0 OR expires>$2)
	ORDER BY key
`

const sqlPurge = `
DELETE FROM kv WHERE expires!=0 AND expires<=?
`
