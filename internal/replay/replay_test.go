package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/store"
)

func setup(t *testing.T) (*store.Store, *cas.CAS) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SetBlockSize(16))
	return st, cas.New(st)
}

func TestBuildProjection_LatestWinsPerBlock(t *testing.T) {
	st, c := setup(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)

	a := []byte("AAAAAAAAAAAAAAAA")
	b := []byte("BBBBBBBBBBBBBBBB")

	ha, err := c.Put(ctx, wtx, a)
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, ha))

	hb, err := c.Put(ctx, wtx, b)
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 2, 0, hb)) // overwrite block 0
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 2, 16))
	require.NoError(t, wtx.Commit())

	proj, err := BuildProjection(ctx, st, 2)
	require.NoError(t, err)
	require.Equal(t, hb, proj.BlockHash(0))

	content, err := proj.Read(ctx, c, 0)
	require.NoError(t, err)
	require.Equal(t, b, content)
}

func TestBuildProjection_NeverWrittenReadsZero(t *testing.T) {
	st, c := setup(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	content := []byte("AAAAAAAAAAAAAAAA")
	h, err := c.Put(ctx, wtx, content)
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, h))
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 1, 32))
	require.NoError(t, wtx.Commit())

	proj, err := BuildProjection(ctx, st, 1)
	require.NoError(t, err)

	got, err := proj.Read(ctx, c, 1) // block 1 never written
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), got)
}

func TestMaterializeToFile_TrimsFinalPartialBlock(t *testing.T) {
	st, c := setup(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	content := []byte("AAAAAAAAAAAAAAAA")
	h, err := c.Put(ctx, wtx, content)
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, h))
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 1, 10))
	require.NoError(t, wtx.Commit())

	proj, err := BuildProjection(ctx, st, 1)
	require.NoError(t, err)

	buf := make([]byte, 10)
	w := &sliceWriterAt{buf: buf}
	require.NoError(t, proj.MaterializeToFile(ctx, c, 10, w))
	require.Equal(t, []byte("AAAAAAAAAA"), w.buf)
}

func TestReadRange_SpansMultipleBlocks(t *testing.T) {
	st, c := setup(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	h0, err := c.Put(ctx, wtx, []byte("0000000000000000"))
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, h0))
	h1, err := c.Put(ctx, wtx, []byte("1111111111111111"))
	require.NoError(t, err)
	require.NoError(t, wtx.AppendRedo(ctx, 2, 1, h1))
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 2, 32))
	require.NoError(t, wtx.Commit())

	proj, err := BuildProjection(ctx, st, 2)
	require.NoError(t, err)

	got, err := proj.ReadRange(ctx, c, 32, 12, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("00001111"), got)
}

type sliceWriterAt struct {
	buf []byte
}

func (w *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(w.buf[off:], p)
	return n, nil
}
