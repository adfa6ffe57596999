package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("synchronous", "2")) // FULL == 2
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
}

func TestLatestConsistentPoint_Empty(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestConsistentPoint(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListConsistentPoints_EmptyIsEmptySlice(t *testing.T) {
	s := createTestStore(t)
	points, err := s.ListConsistentPoints(context.Background())
	require.NoError(t, err)
	require.NotNil(t, points)
	require.Len(t, points, 0)
}

func TestBlockSize_DefaultsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, uint32(DefaultBlockSize), s1.BlockSize())
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, uint32(DefaultBlockSize), s2.BlockSize())
}

func TestBlockSize_OverrideSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetBlockSize(16))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, uint32(16), s2.BlockSize())
}

func TestBlockSize_RejectsNonPowerOfTwo(t *testing.T) {
	s := createTestStore(t)
	require.ErrorIs(t, s.SetBlockSize(17), ErrConfigInvalid)
}
