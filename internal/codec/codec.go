// Package codec implements the block-content compression used by the CAS
// store and the transmitter wire protocol. Every compressed payload is
// prefixed, out of band, by a one-byte codec tag so a reader never has to
// guess which algorithm produced it.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies the compression algorithm applied to a block's stored
// content. Hashing always happens over the plaintext, never the
// compressed bytes, so changing Default here never invalidates existing
// CAS entries.
type Codec byte

const (
	// None stores content uncompressed.
	None Codec = 0
	// Zstd compresses with github.com/klauspost/compress/zstd.
	Zstd Codec = 1
	// Snappy compresses with github.com/golang/snappy, accepted for wire
	// compatibility with transmitters built against an older codec set.
	Snappy Codec = 2
)

// Default is the codec new writes use.
const Default = Zstd

var encoder *zstd.Encoder
var decoder *zstd.Decoder

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: init zstd decoder: %v", err))
	}
}

// Encode compresses content with c and returns the encoded bytes; the
// caller records c as the codec tag (callers that want the smaller of
// "compressed" vs "store raw" should compare lengths themselves; Encode
// always applies the requested codec).
func Encode(c Codec, content []byte) ([]byte, error) {
	switch c {
	case None:
		return content, nil
	case Zstd:
		return encoder.EncodeAll(content, nil), nil
	case Snappy:
		return snappy.Encode(nil, content), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %d", c)
	}
}

// Decode reverses Encode.
func Decode(c Codec, encoded []byte) ([]byte, error) {
	switch c {
	case None:
		return encoded, nil
	case Zstd:
		out, err := decoder.DecodeAll(encoded, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, encoded)
		if err != nil {
			return nil, fmt.Errorf("codec: snappy decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %d", c)
	}
}

// NewReader wraps r so reads are transparently decompressed with c,
// streaming content without buffering the whole payload twice.
func NewReader(c Codec, r io.Reader) (io.Reader, error) {
	switch c {
	case None:
		return r, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case Snappy:
		return snappy.NewReader(r), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %d", c)
	}
}

// NewBufferReader is a convenience for small in-memory payloads.
func NewBufferReader(c Codec, encoded []byte) (io.Reader, error) {
	return NewReader(c, bytes.NewReader(encoded))
}
