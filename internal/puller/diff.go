package puller

import (
	"bufio"
	"context"
	"fmt"

	"github.com/roach88/blockvault/internal/blockhash"
	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/codec"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
	"github.com/roach88/blockvault/internal/transmitter"
	"github.com/roach88/blockvault/internal/transport"
)

// runFull consumes a full-mode content stream: every block arrives with
// its hash and content, verified and stored unconditionally in ascending
// block_id order. Returns the count of blocks whose content was new to
// the CAS store and the next unallocated LSN (allocation starts at lsn).
func runFull(ctx context.Context, r *bufio.Reader, c *cas.CAS, wtx *store.WriteTx, lsn int64) (written int, nextLSN int64, err error) {
	for {
		frame, ok, err := transmitter.ReadContentFrame(r)
		if err != nil {
			return written, lsn, err
		}
		if !ok {
			break
		}

		content, err := codec.Decode(frame.Codec, frame.Content)
		if err != nil {
			return written, lsn, fmt.Errorf("%w: decode block %d: %v", store.ErrIoError, frame.BlockID, err)
		}
		if blockhash.Hash(content) != frame.Hash {
			return written, lsn, fmt.Errorf("%w: block %d", store.ErrHashMismatch, frame.BlockID)
		}

		already, err := c.HasTx(ctx, wtx, frame.Hash)
		if err != nil {
			return written, lsn, err
		}
		if !already {
			written++
		}
		if err := c.PutWithHash(ctx, wtx, frame.Hash, content); err != nil {
			return written, lsn, err
		}
		if err := wtx.AppendRedo(ctx, lsn, int64(frame.BlockID), frame.Hash); err != nil {
			return written, lsn, err
		}
		lsn++
	}
	return written, lsn, nil
}

// runIncremental consumes phase 1's hash stream, decides which blocks
// actually need new content (changed since proj, and not already present
// in the CAS store under their new hash), requests those in phase 2, and
// appends redo rows for every block whose hash changed.
func runIncremental(ctx context.Context, proc transport.Process, r *bufio.Reader, c *cas.CAS, wtx *store.WriteTx, lsn int64, proj *replay.Projection) (written int, nextLSN int64, err error) {
	type change struct {
		blockID int64
		hash    [32]byte
	}
	var changed []change
	var need []uint64

	for {
		frame, ok, err := transmitter.ReadHashFrame(r)
		if err != nil {
			return 0, lsn, err
		}
		if !ok {
			break
		}

		blockID := int64(frame.BlockID)
		if frame.Hash == proj.BlockHash(blockID) {
			continue // unchanged, no new redo row needed
		}
		changed = append(changed, change{blockID: blockID, hash: frame.Hash})

		have, err := c.HasTx(ctx, wtx, frame.Hash)
		if err != nil {
			return 0, lsn, err
		}
		if !have {
			need = append(need, frame.BlockID)
		}
	}

	if err := transmitter.WriteBlockRequest(proc.Stdin(), need); err != nil {
		return 0, lsn, fmt.Errorf("%w: write block request: %v", store.ErrTransportFailed, err)
	}

	fetched := make(map[uint64][]byte, len(need))
	for range need {
		frame, ok, err := transmitter.ReadContentFrame(r)
		if err != nil {
			return 0, lsn, err
		}
		if !ok {
			return 0, lsn, fmt.Errorf("%w: transmitter ended content stream early", store.ErrProtocolMismatch)
		}

		content, err := codec.Decode(frame.Codec, frame.Content)
		if err != nil {
			return 0, lsn, fmt.Errorf("%w: decode block %d: %v", store.ErrIoError, frame.BlockID, err)
		}
		if blockhash.Hash(content) != frame.Hash {
			return 0, lsn, fmt.Errorf("%w: block %d", store.ErrHashMismatch, frame.BlockID)
		}
		fetched[frame.BlockID] = content
	}

	for _, ch := range changed {
		if content, ok := fetched[uint64(ch.blockID)]; ok {
			if err := c.PutWithHash(ctx, wtx, ch.hash, content); err != nil {
				return 0, lsn, err
			}
			written++
		}
		if err := wtx.AppendRedo(ctx, lsn, ch.blockID, ch.hash); err != nil {
			return 0, lsn, err
		}
		lsn++
	}

	return written, lsn, nil
}
