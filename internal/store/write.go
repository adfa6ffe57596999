package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WriteTx is the single-writer transaction used by the puller and squash
// to mutate the store. It holds the pull-lock for its entire lifetime;
// Commit and Rollback both release it. Rollback after Commit is a no-op,
// matching the defer tx.Rollback() idiom used throughout this package -
// callers should always `defer wtx.Rollback()` immediately after a
// successful BeginWrite.
type WriteTx struct {
	store *Store
	tx    *sql.Tx
	lock  *lockFile
	done  bool
}

// BeginWrite acquires the pull-lock and opens a transaction. Returns
// ErrLockBusy if another process already holds the lock.
func (s *Store) BeginWrite(ctx context.Context) (*WriteTx, error) {
	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("%w: begin transaction: %v", ErrIoError, err)
	}

	return &WriteTx{store: s, tx: tx, lock: lock}, nil
}

// Commit commits the transaction and releases the pull-lock.
func (w *WriteTx) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.release()
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrIoError, err)
	}
	return nil
}

// Rollback aborts the transaction and releases the pull-lock. Safe to call
// after Commit (no-op) or multiple times. Also safe to call after the
// transaction's context was cancelled: database/sql rolls back a tx
// automatically once its BeginTx context is done, so the underlying
// sql.Tx.Rollback here may find the job already done - that is not an
// error from the caller's point of view, the lock still needs releasing.
func (w *WriteTx) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.release()
	if err := w.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("%w: rollback: %v", ErrIoError, err)
	}
	return nil
}

// NextLSN allocates the next logical sequence number: one greater than the
// maximum LSN across redo rows and consistent points (1 if the store is
// empty).
func (w *WriteTx) NextLSN(ctx context.Context) (int64, error) {
	var maxRedo, maxCP sql.NullInt64
	if err := w.tx.QueryRowContext(ctx, `SELECT MAX(lsn) FROM redo_v1`).Scan(&maxRedo); err != nil {
		return 0, fmt.Errorf("%w: query max redo lsn: %v", ErrIoError, err)
	}
	if err := w.tx.QueryRowContext(ctx, `SELECT MAX(lsn) FROM consistent_points_v1`).Scan(&maxCP); err != nil {
		return 0, fmt.Errorf("%w: query max consistent point lsn: %v", ErrIoError, err)
	}

	max := int64(0)
	if maxRedo.Valid && maxRedo.Int64 > max {
		max = maxRedo.Int64
	}
	if maxCP.Valid && maxCP.Int64 > max {
		max = maxCP.Int64
	}
	return max + 1, nil
}

// PutCAS inserts a content blob keyed by hash if absent. A pre-existing row
// with the same hash is left untouched (content-addressing guarantees it is
// byte-identical).
func (w *WriteTx) PutCAS(ctx context.Context, hash [32]byte, codec byte, content []byte) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO cas_blocks_v1 (hash, codec, content) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash[:], codec, content)
	if err != nil {
		return fmt.Errorf("%w: insert cas block: %v", ErrIoError, err)
	}
	return nil
}

// AppendRedo records that, as of lsn, block_id's content is hash. Rows for
// one pull must be appended in ascending block_id order; callers are
// responsible for that ordering, this method only persists what it's given.
func (w *WriteTx) AppendRedo(ctx context.Context, lsn int64, blockID int64, hash [32]byte) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO redo_v1 (lsn, block_id, hash) VALUES (?, ?, ?)
	`, lsn, blockID, hash[:])
	if err != nil {
		return fmt.Errorf("%w: insert redo row: %v", ErrIoError, err)
	}
	return nil
}

// RecordConsistentPoint marks lsn as a publishable snapshot of the given
// logical size.
func (w *WriteTx) RecordConsistentPoint(ctx context.Context, lsn int64, size int64) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO consistent_points_v1 (lsn, size, created_at) VALUES (?, ?, ?)
	`, lsn, size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: insert consistent point: %v", ErrIoError, err)
	}
	return nil
}

// DeleteRedoRange deletes redo rows with lsn in (startLSN, endLSN], used by
// squash before reinserting the collapsed delta.
func (w *WriteTx) DeleteRedoRange(ctx context.Context, startLSN, endLSN int64) error {
	_, err := w.tx.ExecContext(ctx, `
		DELETE FROM redo_v1 WHERE lsn > ? AND lsn <= ?
	`, startLSN, endLSN)
	if err != nil {
		return fmt.Errorf("%w: delete redo range: %v", ErrIoError, err)
	}
	return nil
}

// DeleteConsistentPointsBetween deletes interior consistent points in
// (startLSN, endLSN), keeping both endpoints.
func (w *WriteTx) DeleteConsistentPointsBetween(ctx context.Context, startLSN, endLSN int64) error {
	_, err := w.tx.ExecContext(ctx, `
		DELETE FROM consistent_points_v1 WHERE lsn > ? AND lsn < ?
	`, startLSN, endLSN)
	if err != nil {
		return fmt.Errorf("%w: delete interior consistent points: %v", ErrIoError, err)
	}
	return nil
}

// SweepOrphanedCAS deletes CAS blocks no longer referenced by any redo row.
func (w *WriteTx) SweepOrphanedCAS(ctx context.Context) (int64, error) {
	res, err := w.tx.ExecContext(ctx, `
		DELETE FROM cas_blocks_v1 WHERE hash NOT IN (SELECT DISTINCT hash FROM redo_v1)
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep orphaned cas blocks: %v", ErrIoError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrIoError, err)
	}
	return n, nil
}

// HasCAS reports whether a block with the given hash is present, scoped to
// this write transaction (sees its own uncommitted inserts).
func (w *WriteTx) HasCAS(ctx context.Context, hash [32]byte) (bool, error) {
	var exists int
	err := w.tx.QueryRowContext(ctx, `SELECT 1 FROM cas_blocks_v1 WHERE hash = ?`, hash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query cas block: %v", ErrIoError, err)
	}
	return true, nil
}
