// Package replay reconstructs a point-in-time image of the remote device
// by folding the redo log up to a target LSN into a block_id -> hash
// projection, then materializing reads against the CAS store. The fold
// keeps the latest write per block id, the same fold-latest-by-sequence
// pattern commonly used to project event logs.
package replay

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/store"
)

// Projection maps block ids to the hash of their content as of a fixed
// LSN. It is only ever handed to callers fully built: BuildProjection
// scans every relevant redo row before returning, so there is no
// partially-constructed state a caller could observe mid-read.
type Projection struct {
	LSN       int64
	BlockSize uint32
	blocks    map[int64][32]byte
	// lastLSN tracks, per block id, the LSN that most recently wrote it.
	// Used by squash to tell which rows in a range actually need to
	// survive collapse.
	lastLSN map[int64]int64
}

// BuildProjection folds the redo log up to and including lsn into a
// per-block latest-hash projection.
func BuildProjection(ctx context.Context, st *store.Store, lsn int64) (*Projection, error) {
	it, err := st.IterRedoUpto(ctx, lsn)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	p := &Projection{
		LSN:       lsn,
		BlockSize: st.BlockSize(),
		blocks:    make(map[int64][32]byte),
		lastLSN:   make(map[int64]int64),
	}

	for it.Next() {
		row, err := it.Row()
		if err != nil {
			return nil, err
		}
		// Rows arrive ordered by (lsn, block_id); the last one seen for
		// a given block id is always its latest write.
		p.blocks[row.BlockID] = row.Hash
		p.lastLSN[row.BlockID] = row.LSN
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	return p, nil
}

// BlockHash returns the hash recorded for blockID, or the zero-block hash
// if it was never written as of this projection's LSN.
func (p *Projection) BlockHash(blockID int64) [32]byte {
	if h, ok := p.blocks[blockID]; ok {
		return h
	}
	return cas.ZeroBlockHash(p.BlockSize)
}

// WroteAt returns the LSN that last wrote blockID, and whether it was
// written at all within this projection.
func (p *Projection) WroteAt(blockID int64) (int64, bool) {
	lsn, ok := p.lastLSN[blockID]
	return lsn, ok
}

// BlockIDs returns every block id this projection has an explicit write
// for (never-written blocks, which read as zero, are not included).
func (p *Projection) BlockIDs() []int64 {
	ids := make([]int64, 0, len(p.blocks))
	for id := range p.blocks {
		ids = append(ids, id)
	}
	return ids
}

// Read returns the plaintext content of blockID as of this projection. A
// block never written as of this LSN reads as an all-zero block.
func (p *Projection) Read(ctx context.Context, c *cas.CAS, blockID int64) ([]byte, error) {
	h, ok := p.blocks[blockID]
	if !ok {
		return make([]byte, p.BlockSize), nil
	}
	content, err := c.Get(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("replay: read block %d: %w", blockID, err)
	}
	return content, nil
}

// blockCount returns the number of blocks a size-byte image spans.
func blockCount(size int64, blockSize uint32) int64 {
	if size <= 0 {
		return 0
	}
	return (size + int64(blockSize) - 1) / int64(blockSize)
}

// MaterializeToFile writes a full size-byte image to w, one block at a
// time, trimming the final block to the logical size.
func (p *Projection) MaterializeToFile(ctx context.Context, c *cas.CAS, size int64, w io.WriterAt) error {
	n := blockCount(size, p.BlockSize)
	for id := int64(0); id < n; id++ {
		content, err := p.Read(ctx, c, id)
		if err != nil {
			return err
		}

		offset := id * int64(p.BlockSize)
		end := offset + int64(len(content))
		if end > size {
			content = content[:size-offset]
		}
		if _, err := w.WriteAt(content, offset); err != nil {
			return fmt.Errorf("%w: write block %d: %v", store.ErrIoError, id, err)
		}
	}
	return nil
}

// ReadRange returns length bytes starting at offset, spanning as many
// blocks as needed. Used by the NBD server to satisfy arbitrary reads.
func (p *Projection) ReadRange(ctx context.Context, c *cas.CAS, size, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > size {
		return nil, fmt.Errorf("%w: range [%d,%d) exceeds image size %d", store.ErrRangeInvalid, offset, offset+length, size)
	}

	out := make([]byte, 0, length)
	blockSize := int64(p.BlockSize)
	firstBlock := offset / blockSize
	lastBlock := (offset + length - 1) / blockSize

	for id := firstBlock; id <= lastBlock; id++ {
		content, err := p.Read(ctx, c, id)
		if err != nil {
			return nil, err
		}

		blockStart := id * blockSize
		loInBlock := int64(0)
		if offset > blockStart {
			loInBlock = offset - blockStart
		}
		hiInBlock := int64(len(content))
		if blockEnd := blockStart + int64(len(content)); offset+length < blockEnd {
			hiInBlock = offset + length - blockStart
		}
		if loInBlock > int64(len(content)) {
			loInBlock = int64(len(content))
		}
		if hiInBlock > int64(len(content)) {
			hiInBlock = int64(len(content))
		}
		if loInBlock < hiInBlock {
			out = append(out, content[loInBlock:hiInBlock]...)
		}
	}

	return out, nil
}
