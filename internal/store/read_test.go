package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIterRedoUpto_OrderedAscending(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)

	h1, h2, h3 := hashOf("1"), hashOf("2"), hashOf("3")
	for _, h := range []([32]byte){h1, h2, h3} {
		require.NoError(t, wtx.PutCAS(ctx, h, 0, []byte{1}))
	}
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, h1))
	require.NoError(t, wtx.AppendRedo(ctx, 2, 1, h2))
	require.NoError(t, wtx.AppendRedo(ctx, 3, 0, h3)) // overwrite of block 0
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 3, 8192))
	require.NoError(t, wtx.Commit())

	it, err := st.IterRedoUpto(ctx, 3)
	require.NoError(t, err)
	defer it.Close()

	var rows []RedoRow
	for it.Next() {
		row, err := it.Row()
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.NoError(t, it.Err())

	require.Len(t, rows, 3)
	require.Equal(t, int64(1), rows[0].LSN)
	require.Equal(t, int64(2), rows[1].LSN)
	require.Equal(t, int64(3), rows[2].LSN)
}

func TestIterRedoUpto_RespectsUpperBound(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	wtx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	h := hashOf("only")
	require.NoError(t, wtx.PutCAS(ctx, h, 0, []byte{1}))
	require.NoError(t, wtx.AppendRedo(ctx, 1, 0, h))
	require.NoError(t, wtx.RecordConsistentPoint(ctx, 1, 4096))
	require.NoError(t, wtx.Commit())

	it, err := st.IterRedoUpto(ctx, 0)
	require.NoError(t, err)
	defer it.Close()
	require.False(t, it.Next())
}

func TestConsistentPointAt_NotFound(t *testing.T) {
	st := createTestStore(t)
	_, err := st.ConsistentPointAt(context.Background(), 99)
	require.ErrorIs(t, err, ErrLsnNotFound)
}
