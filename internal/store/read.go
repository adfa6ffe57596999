package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ConsistentPoint marks a publishable snapshot: the redo log up to and
// including lsn reconstructs an image of the given size.
type ConsistentPoint struct {
	LSN       int64
	Size      int64
	CreatedAt int64
}

// LatestConsistentPoint returns the consistent point with the highest LSN,
// or ok=false if the store has none yet.
func (s *Store) LatestConsistentPoint(ctx context.Context) (cp ConsistentPoint, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lsn, size, created_at FROM consistent_points_v1
		ORDER BY lsn DESC LIMIT 1
	`)
	if err := row.Scan(&cp.LSN, &cp.Size, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ConsistentPoint{}, false, nil
		}
		return ConsistentPoint{}, false, fmt.Errorf("%w: query latest consistent point: %v", ErrIoError, err)
	}
	return cp, true, nil
}

// ConsistentPointAt returns the consistent point at exactly lsn.
func (s *Store) ConsistentPointAt(ctx context.Context, lsn int64) (ConsistentPoint, error) {
	var cp ConsistentPoint
	row := s.db.QueryRowContext(ctx, `
		SELECT lsn, size, created_at FROM consistent_points_v1 WHERE lsn = ?
	`, lsn)
	if err := row.Scan(&cp.LSN, &cp.Size, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ConsistentPoint{}, fmt.Errorf("%w: lsn %d", ErrLsnNotFound, lsn)
		}
		return ConsistentPoint{}, fmt.Errorf("%w: query consistent point: %v", ErrIoError, err)
	}
	return cp, nil
}

// ListConsistentPoints returns every consistent point, ascending by LSN.
func (s *Store) ListConsistentPoints(ctx context.Context) ([]ConsistentPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lsn, size, created_at FROM consistent_points_v1 ORDER BY lsn ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query consistent points: %v", ErrIoError, err)
	}
	defer rows.Close()

	points := []ConsistentPoint{}
	for rows.Next() {
		var cp ConsistentPoint
		if err := rows.Scan(&cp.LSN, &cp.Size, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan consistent point: %v", ErrIoError, err)
		}
		points = append(points, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate consistent points: %v", ErrIoError, err)
	}
	return points, nil
}

// HasCAS reports whether a block with the given hash is present.
func (s *Store) HasCAS(ctx context.Context, hash [32]byte) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cas_blocks_v1 WHERE hash = ?`, hash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query cas block: %v", ErrIoError, err)
	}
	return true, nil
}

// GetCAS returns the stored codec byte and content for hash.
func (s *Store) GetCAS(ctx context.Context, hash [32]byte) (codec byte, content []byte, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT codec, content FROM cas_blocks_v1 WHERE hash = ?`, hash[:])
	if err := row.Scan(&codec, &content); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, fmt.Errorf("%w: cas block %x not found", ErrDatabaseCorrupt, hash)
		}
		return 0, nil, fmt.Errorf("%w: query cas block: %v", ErrIoError, err)
	}
	return codec, content, nil
}

// RedoRow is one entry from the append-only redo log.
type RedoRow struct {
	LSN     int64
	BlockID int64
	Hash    [32]byte
}

// RedoIterator streams redo rows in ascending LSN order. Callers must call
// Close when done, including on early exit.
type RedoIterator struct {
	rows *sql.Rows
}

// Next advances to the next row, returning false at end of stream or on
// error (check Err after Next returns false).
func (it *RedoIterator) Next() bool {
	return it.rows.Next()
}

// Row returns the current row. Only valid after a Next call that returned
// true.
func (it *RedoIterator) Row() (RedoRow, error) {
	var r RedoRow
	var hashBytes []byte
	if err := it.rows.Scan(&r.LSN, &r.BlockID, &hashBytes); err != nil {
		return RedoRow{}, fmt.Errorf("%w: scan redo row: %v", ErrIoError, err)
	}
	copy(r.Hash[:], hashBytes)
	return r, nil
}

// Err returns any error encountered during iteration.
func (it *RedoIterator) Err() error {
	if err := it.rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate redo rows: %v", ErrIoError, err)
	}
	return nil
}

// Close releases the underlying query resources.
func (it *RedoIterator) Close() error {
	return it.rows.Close()
}

// IterRedoUpto returns a cursor over redo rows with lsn <= upto, ordered
// ascending by (lsn, block_id) so a caller folding rows into a per-block
// latest-wins projection sees each block's writes in commit order.
func (s *Store) IterRedoUpto(ctx context.Context, upto int64) (*RedoIterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lsn, block_id, hash FROM redo_v1 WHERE lsn <= ? ORDER BY lsn ASC, block_id ASC
	`, upto)
	if err != nil {
		return nil, fmt.Errorf("%w: query redo rows: %v", ErrIoError, err)
	}
	return &RedoIterator{rows: rows}, nil
}
