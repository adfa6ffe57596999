package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 4096)

	for _, c := range []Codec{None, Zstd, Snappy} {
		encoded, err := Encode(c, content)
		require.NoError(t, err)

		decoded, err := Decode(c, encoded)
		require.NoError(t, err)
		require.Equal(t, content, decoded)
	}
}

func TestZstd_ActuallyCompressesRepetitiveContent(t *testing.T) {
	content := bytes.Repeat([]byte{0}, 1<<20)
	encoded, err := Encode(Zstd, content)
	require.NoError(t, err)
	require.Less(t, len(encoded), len(content)/10)
}

func TestNewReader_StreamsDecompressed(t *testing.T) {
	content := []byte("hello streaming reader")
	encoded, err := Encode(Zstd, content)
	require.NoError(t, err)

	r, err := NewBufferReader(Zstd, encoded)
	require.NoError(t, err)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, out)
}
