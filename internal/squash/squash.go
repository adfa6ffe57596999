// Package squash collapses a range of consistent points into a single
// redo delta, reducing history depth while preserving the two endpoint
// images exactly. Grounded on the single-transaction, multiple-dependent-
// statement shape store.WriteTx's atomic writers use elsewhere in this
// module, applied here to a delete-then-reinsert-then-sweep sequence.
package squash

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
)

// Result summarizes a completed squash.
type Result struct {
	RowsWritten  int
	CASBlocksSwept int64
}

// Run collapses all redo activity in (startLSN, endLSN] into one delta per
// changed block, keeping both endpoint consistent points. confirmed must
// be true (the CLI's --data-loss flag) since history strictly before
// endLSN within the range becomes unreplayable afterward.
func Run(ctx context.Context, st *store.Store, startLSN, endLSN int64, confirmed bool) (Result, error) {
	if !confirmed {
		return Result{}, fmt.Errorf("%w: squash requires explicit confirmation", store.ErrRangeInvalid)
	}
	if startLSN >= endLSN {
		return Result{}, fmt.Errorf("%w: start lsn %d must be less than end lsn %d", store.ErrRangeInvalid, startLSN, endLSN)
	}

	if _, err := st.ConsistentPointAt(ctx, startLSN); err != nil {
		return Result{}, err
	}
	if _, err := st.ConsistentPointAt(ctx, endLSN); err != nil {
		return Result{}, err
	}

	target, err := replay.BuildProjection(ctx, st, endLSN)
	if err != nil {
		return Result{}, err
	}

	wtx, err := st.BeginWrite(ctx)
	if err != nil {
		return Result{}, err
	}
	defer wtx.Rollback()

	if err := wtx.DeleteRedoRange(ctx, startLSN, endLSN); err != nil {
		return Result{}, err
	}
	if err := wtx.DeleteConsistentPointsBetween(ctx, startLSN, endLSN); err != nil {
		return Result{}, err
	}

	// Reinsert one row per block whose latest write in the collapsed
	// range falls in (startLSN, endLSN]; rows that were last written at
	// or before startLSN are already covered by earlier, untouched redo
	// history and don't need to reappear here.
	written := 0
	nextLSN := startLSN + 1
	blockIDs := target.BlockIDs()
	sort.Slice(blockIDs, func(i, j int) bool { return blockIDs[i] < blockIDs[j] })
	for _, blockID := range blockIDs {
		wroteAt, ok := target.WroteAt(blockID)
		if !ok || wroteAt <= startLSN || wroteAt > endLSN {
			continue
		}
		if nextLSN > endLSN {
			// A redo row at exactly endLSN is allowed - per spec.md
			// §4.7 step 3, the endpoint's consistent-point row and a
			// redo row belonging to it may share an LSN. Only running
			// past endLSN indicates more changed blocks than LSNs
			// available in the range, which can't happen since each
			// original row already consumed one LSN inside it.
			return Result{}, fmt.Errorf("%w: squash range too narrow for delta size", store.ErrRangeInvalid)
		}
		if err := wtx.AppendRedo(ctx, nextLSN, blockID, target.BlockHash(blockID)); err != nil {
			return Result{}, err
		}
		nextLSN++
		written++
	}

	swept, err := wtx.SweepOrphanedCAS(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := wtx.Commit(); err != nil {
		return Result{}, err
	}

	return Result{RowsWritten: written, CASBlocksSwept: swept}, nil
}
