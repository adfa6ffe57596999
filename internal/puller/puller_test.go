package puller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/blockvault/internal/blockhash"
	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/codec"
	"github.com/roach88/blockvault/internal/config"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
	"github.com/roach88/blockvault/internal/testutil"
	"github.com/roach88/blockvault/internal/transmitter"
	"github.com/roach88/blockvault/internal/transport"
)

func testConfig() config.Config {
	return config.Config{
		Remote: config.Remote{
			Server: "remote.example",
			User:   "root",
			Key:    "/dev/null",
			Verify: config.VerifyInsecure,
			Image:  "/dev/sdb",
		},
		Local: config.Local{DB: "unused"},
	}
}

func remoteTransmitterPath(t *testing.T) string {
	t.Helper()
	bin, err := transmitter.Binary(transmitter.ArchAMD64)
	require.NoError(t, err)
	h := blockhash.Hash(bin)
	return fmt.Sprintf("/tmp/.blockvault-transmitter-%x", h)
}

func stageExecHandlers(f *transport.FakeTransport, remotePath, presence string) {
	f.OnExec("uname -m", "x86_64\n")
	f.OnExec(fmt.Sprintf("test -e '%s' && echo present || echo absent", remotePath), presence)
}

func encodeFullStream(t *testing.T, blockSize uint32, size uint64, blocks map[uint64][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, transmitter.WriteHandshakeReply(&buf, transmitter.HandshakeReply{Size: size}))

	blockCount := (size + uint64(blockSize) - 1) / uint64(blockSize)
	for id := uint64(0); id < blockCount; id++ {
		content := blocks[id]
		if content == nil {
			content = make([]byte, blockSize)
		}
		h := blockhash.Hash(content)
		encoded, err := codec.Encode(codec.Default, content)
		require.NoError(t, err)
		require.NoError(t, transmitter.WriteContentFrame(&buf, transmitter.ContentFrame{
			BlockID: id, Hash: h, Codec: codec.Default, Content: encoded,
		}))
	}
	require.NoError(t, transmitter.WriteEndOfContent(&buf))
	return buf.Bytes()
}

func TestRun_FullMode(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetBlockSize(16))
	c := cas.New(st)

	blocks := map[uint64][]byte{
		0: []byte("AAAAAAAAAAAAAAAA"),
		1: []byte("BBBBBBBBBBBBBBBB"),
	}
	stream := encodeFullStream(t, 16, 32, blocks)

	remotePath := remoteTransmitterPath(t)
	tr := transport.NewFakeTransport()
	stageExecHandlers(tr, remotePath, "absent\n")
	startCmd := fmt.Sprintf("'%s'", remotePath)
	tr.OnStart(startCmd, func() io.Reader { return bytes.NewReader(stream) })

	cfg := testConfig()
	result, err := Run(ctx, cfg, st, c, tr, nil)
	require.NoError(t, err)
	require.Equal(t, transmitter.ModeFull, result.Mode)
	require.Equal(t, int64(32), result.Size)
	require.Equal(t, 2, result.BlocksWritten)

	uploaded, ok := tr.Uploaded(remotePath)
	require.True(t, ok)
	require.NotEmpty(t, uploaded)

	proj, err := replay.BuildProjection(ctx, st, result.LSN)
	require.NoError(t, err)
	content, err := proj.Read(ctx, c, 0)
	require.NoError(t, err)
	require.Equal(t, blocks[0], content)
}

func TestRun_SkipsUploadWhenTransmitterAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetBlockSize(16))
	c := cas.New(st)

	stream := encodeFullStream(t, 16, 16, map[uint64][]byte{0: []byte("CCCCCCCCCCCCCCCC")})
	remotePath := remoteTransmitterPath(t)
	tr := transport.NewFakeTransport()
	stageExecHandlers(tr, remotePath, "present\n")
	startCmd := fmt.Sprintf("'%s'", remotePath)
	tr.OnStart(startCmd, func() io.Reader { return bytes.NewReader(stream) })

	_, err = Run(ctx, testConfig(), st, c, tr, nil)
	require.NoError(t, err)

	_, ok := tr.Uploaded(remotePath)
	require.False(t, ok)
}

// encodeIncrementalStream builds the phase-1 hash stream followed by the
// phase-2 content stream an incremental-mode transmitter would emit, given
// the current content of every block and the set of block ids the test
// expects the puller to request content for.
func encodeIncrementalStream(t *testing.T, blockSize uint32, size uint64, current map[uint64][]byte, wantRequested []uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, transmitter.WriteHandshakeReply(&buf, transmitter.HandshakeReply{Size: size}))

	blockCount := (size + uint64(blockSize) - 1) / uint64(blockSize)
	for id := uint64(0); id < blockCount; id++ {
		content := current[id]
		if content == nil {
			content = make([]byte, blockSize)
		}
		require.NoError(t, transmitter.WriteHashFrame(&buf, transmitter.HashFrame{BlockID: id, Hash: blockhash.Hash(content)}))
	}
	require.NoError(t, transmitter.WriteEndOfHashes(&buf))

	for _, id := range wantRequested {
		content := current[id]
		h := blockhash.Hash(content)
		encoded, err := codec.Encode(codec.Default, content)
		require.NoError(t, err)
		require.NoError(t, transmitter.WriteContentFrame(&buf, transmitter.ContentFrame{
			BlockID: id, Hash: h, Codec: codec.Default, Content: encoded,
		}))
	}
	require.NoError(t, transmitter.WriteEndOfContent(&buf))
	return buf.Bytes()
}

func TestRun_IncrementalMode(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetBlockSize(16))
	c := cas.New(st)

	clock := testutil.NewDeterministicClock()
	block0v1 := testutil.DeterministicBlockContent(clock, 16)
	block1 := testutil.DeterministicBlockContent(clock, 16)

	// First pull: full mode, two blocks.
	fullStream := encodeFullStream(t, 16, 32, map[uint64][]byte{0: block0v1, 1: block1})
	remotePath := remoteTransmitterPath(t)
	tr := transport.NewFakeTransport()
	stageExecHandlers(tr, remotePath, "absent\n")
	startCmd := fmt.Sprintf("'%s'", remotePath)
	tr.OnStart(startCmd, func() io.Reader { return bytes.NewReader(fullStream) })

	cfg := testConfig()
	first, err := Run(ctx, cfg, st, c, tr, nil)
	require.NoError(t, err)
	require.Equal(t, transmitter.ModeFull, first.Mode)

	// Second pull: incremental mode, only block 0 changes.
	block0v2 := testutil.DeterministicBlockContent(clock, 16)
	incStream := encodeIncrementalStream(t, 16, 32, map[uint64][]byte{0: block0v2, 1: block1}, []uint64{0})
	tr2 := transport.NewFakeTransport()
	stageExecHandlers(tr2, remotePath, "present\n")
	tr2.OnStart(startCmd, func() io.Reader { return bytes.NewReader(incStream) })

	second, err := Run(ctx, cfg, st, c, tr2, nil)
	require.NoError(t, err)
	require.Equal(t, transmitter.ModeIncremental, second.Mode)
	require.Equal(t, 1, second.BlocksWritten)

	projLatest, err := replay.BuildProjection(ctx, st, second.LSN)
	require.NoError(t, err)
	got0, err := projLatest.Read(ctx, c, 0)
	require.NoError(t, err)
	require.Equal(t, block0v2, got0)
	got1, err := projLatest.Read(ctx, c, 1)
	require.NoError(t, err)
	require.Equal(t, block1, got1)

	// History stability: replaying the first consistent point still yields
	// the original block 0 content.
	projFirst, err := replay.BuildProjection(ctx, st, first.LSN)
	require.NoError(t, err)
	gotOld0, err := projFirst.Read(ctx, c, 0)
	require.NoError(t, err)
	require.Equal(t, block0v1, gotOld0)
}

func TestRun_IncrementalMode_ReusesCASWithoutRequestingContent(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetBlockSize(16))
	c := cas.New(st)

	zero := make([]byte, 16)
	other := []byte("DDDDDDDDDDDDDDDD")

	// First pull establishes a zero block at id 0 and distinct content at id 1.
	fullStream := encodeFullStream(t, 16, 32, map[uint64][]byte{0: zero, 1: other})
	remotePath := remoteTransmitterPath(t)
	tr := transport.NewFakeTransport()
	stageExecHandlers(tr, remotePath, "absent\n")
	startCmd := fmt.Sprintf("'%s'", remotePath)
	tr.OnStart(startCmd, func() io.Reader { return bytes.NewReader(fullStream) })
	cfg := testConfig()
	_, err = Run(ctx, cfg, st, c, tr, nil)
	require.NoError(t, err)

	// Second pull: block 1 reverts to zero, which is already in CAS from
	// block 0's prior write, so phase 2 should request nothing for it.
	incStream := encodeIncrementalStream(t, 16, 32, map[uint64][]byte{0: zero, 1: zero}, nil)
	tr2 := transport.NewFakeTransport()
	stageExecHandlers(tr2, remotePath, "present\n")
	tr2.OnStart(startCmd, func() io.Reader { return bytes.NewReader(incStream) })

	second, err := Run(ctx, cfg, st, c, tr2, nil)
	require.NoError(t, err)
	require.Equal(t, 0, second.BlocksWritten) // reused existing CAS content, nothing new stored

	proj, err := replay.BuildProjection(ctx, st, second.LSN)
	require.NoError(t, err)
	got1, err := proj.Read(ctx, c, 1)
	require.NoError(t, err)
	require.Equal(t, zero, got1)
}

func TestRun_FullMode_RejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetBlockSize(16))
	c := cas.New(st)

	good := []byte("EEEEEEEEEEEEEEEE")
	var buf bytes.Buffer
	require.NoError(t, transmitter.WriteHandshakeReply(&buf, transmitter.HandshakeReply{Size: 16}))
	encoded, err := codec.Encode(codec.Default, []byte("FFFFFFFFFFFFFFFF")) // content doesn't match hash below
	require.NoError(t, err)
	require.NoError(t, transmitter.WriteContentFrame(&buf, transmitter.ContentFrame{
		BlockID: 0, Hash: blockhash.Hash(good), Codec: codec.Default, Content: encoded,
	}))
	require.NoError(t, transmitter.WriteEndOfContent(&buf))

	remotePath := remoteTransmitterPath(t)
	tr := transport.NewFakeTransport()
	stageExecHandlers(tr, remotePath, "absent\n")
	startCmd := fmt.Sprintf("'%s'", remotePath)
	tr.OnStart(startCmd, func() io.Reader { return bytes.NewReader(buf.Bytes()) })

	_, err = Run(ctx, testConfig(), st, c, tr, nil)
	require.ErrorIs(t, err, store.ErrHashMismatch)

	_, ok, err := st.LatestConsistentPoint(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no consistent point should survive a hash-mismatch abort")
}
