// Package puller drives one incremental pull: connect to the remote host,
// upload (if needed) a small transmitter helper matched to its
// architecture, stream block hashes and content back, and fold the
// result into the local store as a new consistent point.
//
// Grounded on the block-iteration/hash/dedup/transactional-insert shape
// of a device-to-CAS backup loop, adapted from single in-process hashing
// to a remote streamed source, and on the single-writer transaction
// discipline the store package uses elsewhere in this module.
package puller

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/blockvault/internal/blockhash"
	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/config"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
	"github.com/roach88/blockvault/internal/transmitter"
	"github.com/roach88/blockvault/internal/transport"
)

// Result summarizes one completed pull.
type Result struct {
	LSN          int64
	Size         int64
	Mode         transmitter.Mode
	BlocksWritten int
}

// Run performs one pull against cfg.Remote using tr, recording the result
// in st. It holds the pull-lock until its write transaction commits, and
// an error from any step before the commit leaves the store untouched. A
// post_pull failure is reported after the commit, so the new consistent
// point is kept.
func Run(ctx context.Context, cfg config.Config, st *store.Store, c *cas.CAS, tr transport.Transport, logger *slog.Logger) (result Result, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	prevCP, hasPrev, err := st.LatestConsistentPoint(ctx)
	if err != nil {
		return Result{}, err
	}

	wtx, err := st.BeginWrite(ctx)
	if err != nil {
		return Result{}, err
	}
	defer wtx.Rollback()

	if cfg.Remote.Scripts.PrePull != "" {
		if _, err := tr.Exec(ctx, cfg.Remote.Scripts.PrePull); err != nil {
			return Result{}, err
		}
	}

	remotePath, err := stageTransmitter(ctx, tr, logger)
	if err != nil {
		return Result{}, err
	}

	mode := transmitter.ModeFull
	if hasPrev {
		mode = transmitter.ModeIncremental
	}

	proc, err := tr.Start(ctx, shellQuote(remotePath))
	if err != nil {
		return Result{}, err
	}
	defer proc.Close()

	blockSize := st.BlockSize()
	hs := transmitter.Handshake{Mode: mode, BlockSize: blockSize, ImagePath: cfg.Remote.Image}
	if err := transmitter.WriteHandshake(proc.Stdin(), hs); err != nil {
		return Result{}, fmt.Errorf("%w: write handshake: %v", store.ErrTransportFailed, err)
	}

	reader := bufio.NewReaderSize(proc.Stdout(), 1<<20)
	reply, err := transmitter.ReadHandshakeReply(reader)
	if err != nil {
		return Result{}, err
	}
	size := int64(reply.Size)

	baseLSN, err := wtx.NextLSN(ctx)
	if err != nil {
		return Result{}, err
	}
	lsn := baseLSN

	var written int
	switch mode {
	case transmitter.ModeFull:
		written, lsn, err = runFull(ctx, reader, c, wtx, lsn)
	case transmitter.ModeIncremental:
		var proj *replay.Projection
		proj, err = replay.BuildProjection(ctx, st, prevCP.LSN)
		if err != nil {
			return Result{}, err
		}
		written, lsn, err = runIncremental(ctx, proc, reader, c, wtx, lsn, proj)
	}
	if err != nil {
		return Result{}, err
	}

	if err := wtx.RecordConsistentPoint(ctx, lsn, size); err != nil {
		return Result{}, err
	}

	if err := proc.Wait(); err != nil {
		return Result{}, err
	}

	if err := wtx.Commit(); err != nil {
		return Result{}, err
	}

	if cfg.Remote.Scripts.PostPull != "" {
		if _, err := tr.Exec(ctx, cfg.Remote.Scripts.PostPull); err != nil {
			return Result{}, err
		}
	}

	logger.Info("pull complete", "lsn", lsn, "size", size, "mode", mode, "blocks_written", written)
	return Result{LSN: lsn, Size: size, Mode: mode, BlocksWritten: written}, nil
}

// stageTransmitter uploads the embedded transmitter binary matching the
// remote's architecture, unless a copy with the same content hash is
// already present at the expected path.
func stageTransmitter(ctx context.Context, tr transport.Transport, logger *slog.Logger) (string, error) {
	unameOut, err := tr.Exec(ctx, "uname -m")
	if err != nil {
		return "", err
	}
	arch, err := transmitter.ParseArch(unameOut)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrTransportFailed, err)
	}

	bin, err := transmitter.Binary(arch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrTransportFailed, err)
	}

	h := blockhash.Hash(bin)
	remotePath := fmt.Sprintf("/tmp/.blockvault-transmitter-%x", h)

	checkCmd := fmt.Sprintf("test -e %s && echo present || echo absent", shellQuote(remotePath))
	out, err := tr.Exec(ctx, checkCmd)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) != "present" {
		logger.Info("uploading transmitter", "arch", arch, "path", remotePath)
		if err := tr.Upload(ctx, remotePath, bin, 0o755); err != nil {
			return "", err
		}
	}

	return remotePath, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
