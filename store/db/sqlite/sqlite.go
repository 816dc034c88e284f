package sqlite

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/handoffd/handoff/internal/version"
	"github.com/handoffd/handoff/store"
)

//go:embed migration/schema.sql
var schemaSQL string

type DB struct {
	db *sql.DB
}

// NewDB opens the task database and bootstraps the schema when missing.
//
// Connection settings follow the usual guidance for modernc.org/sqlite:
// - Journal mode WAL to avoid writer/reader lock contention.
// - busy_timeout so concurrent row updates queue instead of erroring.
// - A single connection: optimal for a local file with WAL.
// Each pragma must be prefixed with `_pragma=` for this driver.
func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := &DB{db: sqliteDB}
	if err := driver.migrate(context.Background()); err != nil {
		_ = sqliteDB.Close()
		return nil, err
	}
	return driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Checkpoint moves the WAL contents into the main database file so a plain
// copy of it is a consistent snapshot.
func (d *DB) Checkpoint(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return wrapError(err, "failed to checkpoint database")
	}
	return nil
}

// wrapError converts driver-level contention (SQLITE_BUSY, SQLITE_LOCKED)
// into store.ErrStoreUnavailable so callers can tell a contended database
// from a broken query.
func wrapError(err error, message string) error {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return errors.Wrapf(store.ErrStoreUnavailable, "%s: %v", message, err)
		}
	}
	return errors.Wrap(err, message)
}

func (d *DB) isInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='task')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

func (d *DB) migrate(ctx context.Context) error {
	initialized, err := d.isInitialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		if _, err := d.db.ExecContext(ctx, schemaSQL); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return d.checkVersion(ctx)
}

// checkVersion refuses to open a database already written by a newer server
// and records the current version so a future downgrade is caught the same
// way.
func (d *DB) checkVersion(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS migration_history (version TEXT NOT NULL PRIMARY KEY, created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')))"); err != nil {
		return errors.Wrap(err, "failed to ensure migration history")
	}

	rows, err := d.db.QueryContext(ctx, "SELECT version FROM migration_history")
	if err != nil {
		return wrapError(err, "failed to read migration history")
	}
	defer rows.Close()
	current := version.Version
	for rows.Next() {
		var recorded string
		if err := rows.Scan(&recorded); err != nil {
			return errors.Wrap(err, "failed to scan migration history")
		}
		if !version.IsVersionGreaterOrEqualThan(current, recorded) {
			return errors.Errorf("database was written by a newer server version %s, current is %s", recorded, current)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx,
		"INSERT INTO migration_history (version) VALUES (?) ON CONFLICT (version) DO NOTHING", current); err != nil {
		return wrapError(err, "failed to record server version")
	}
	return nil
}
