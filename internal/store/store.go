package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/bits"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial blockvault schema (cas_blocks_v1, redo_v1, consistent_points_v1)
const currentSchemaVersion = 1

// DefaultBlockSize is used when a database is created without an explicit
// block size; 1 MiB balances redo-row count against per-block overhead for
// typical spinning-disk and SSD images.
const DefaultBlockSize = 1 << 20

// Store provides durable storage for the backup history of one remote
// block device: content-addressed block bodies, the append-only redo log
// that maps logical sequence numbers to block writes, and the consistent
// points that mark publishable snapshots.
//
// A Store owns exactly one *sql.DB limited to a single connection, matching
// SQLite's single-writer model; all CAS, redo and consistent-point
// mutation goes through a WriteTx obtained from BeginWrite, which also
// holds the pull-lock for the lifetime of the transaction. SetBlockSize
// is the one method that writes (config_v1) outside a WriteTx.
type Store struct {
	db        *sql.DB
	path      string
	lockPath  string
	lock      *lockFile
	blockSize uint32
}

// Open creates or opens a SQLite database at path. Applies required
// pragmas and migrations automatically. Idempotent - safe to call on an
// existing database produced by an older version of this schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; limiting the pool to one
	// connection turns would-be SQLITE_BUSY errors into serialized calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	blockSize, err := loadOrInitBlockSize(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load block size: %w", err)
	}

	st := &Store{db: db, path: path, lockPath: path + ".lock", blockSize: blockSize}
	return st, nil
}

// SetLockPath overrides the path of the pull-lock file, normally a
// "<db>.lock" sibling of the database. Corresponds to the config file's
// local.pull_lock override; callers must set this before the first
// BeginWrite.
func (s *Store) SetLockPath(path string) {
	s.lockPath = path
}

// blockSizeLog2Key is the config_v1 row holding this store's fixed block
// size, stored as log2 of the byte count per the on-disk format contract.
const blockSizeLog2Key = "block_size_log2"

// loadOrInitBlockSize reads block_size_log2 from config_v1, seeding it with
// DefaultBlockSize on a freshly created store. Block size is fixed at
// creation and never changes afterward.
func loadOrInitBlockSize(db *sql.DB) (uint32, error) {
	var v string
	err := db.QueryRow(`SELECT v FROM config_v1 WHERE k = ?`, blockSizeLog2Key).Scan(&v)
	if err == sql.ErrNoRows {
		log2 := bits.TrailingZeros32(DefaultBlockSize)
		if _, err := db.Exec(`INSERT INTO config_v1 (k, v) VALUES (?, ?)`, blockSizeLog2Key, fmt.Sprint(log2)); err != nil {
			return 0, fmt.Errorf("%w: seed block_size_log2: %v", ErrIoError, err)
		}
		return DefaultBlockSize, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query block_size_log2: %v", ErrIoError, err)
	}

	var log2 uint32
	if _, err := fmt.Sscanf(v, "%d", &log2); err != nil {
		return 0, fmt.Errorf("%w: parse block_size_log2 %q: %v", ErrDatabaseCorrupt, v, err)
	}
	return 1 << log2, nil
}

// Close closes the database connection and releases the pull-lock if held.
func (s *Store) Close() error {
	if s.lock != nil {
		s.lock.release()
		s.lock = nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for ad-hoc queries. Prefer the typed
// Store/WriteTx methods where available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BlockSize returns the block size, in bytes, this store was created with.
func (s *Store) BlockSize() uint32 {
	return s.blockSize
}

// SetBlockSize overrides the block size of a freshly created, empty store
// and persists it to config_v1 as block_size_log2. Block size is fixed at
// creation; callers must only invoke this before any redo rows exist.
func (s *Store) SetBlockSize(n uint32) error {
	log2 := bits.TrailingZeros32(n)
	if 1<<log2 != int(n) {
		return fmt.Errorf("%w: block size %d is not a power of two", ErrConfigInvalid, n)
	}
	if _, err := s.db.Exec(`
		INSERT INTO config_v1 (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, blockSizeLog2Key, fmt.Sprint(log2)); err != nil {
		return fmt.Errorf("%w: persist block_size_log2: %v", ErrIoError, err)
	}
	s.blockSize = n
	return nil
}

// Query executes a query and returns the resulting rows. Convenience
// wrapper around db.QueryContext; callers must close the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// Backup durability is the entire point of this tool: unlike a
		// cache or an event log that can replay from elsewhere, a lost
		// redo row here is a lost backup. FULL fsyncs the WAL before
		// every commit.
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on
// PRAGMA user_version, kept as a secondary sanity check alongside the
// table-name version suffix that the on-disk format contract uses as its
// primary compatibility signal.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: database schema version %d is newer than supported version %d",
			ErrDatabaseCorrupt, version, currentSchemaVersion)
	}

	if version < 1 {
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value. Used for
// testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
