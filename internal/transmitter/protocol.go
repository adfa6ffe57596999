// Package transmitter defines the wire protocol spoken between the puller
// and the small helper binary (cmd/blockvault-transmitter) uploaded to
// and run on the remote host. Framing is little-endian, fixed-width, with
// a magic+version handshake so a version mismatch is detected before any
// block data is trusted.
package transmitter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/roach88/blockvault/internal/codec"
	"github.com/roach88/blockvault/internal/store"
)

// Magic identifies the start of a handshake frame.
const Magic = "BVTP"

// Version is the current wire protocol version. A transmitter and puller
// built from different versions refuse to talk to each other.
const Version uint16 = 1

// Mode selects what the transmitter streams.
type Mode uint8

const (
	// ModeFull streams every block with its hash and content.
	ModeFull Mode = 1
	// ModeIncremental streams hashes only in phase 1, then content for a
	// puller-selected subset of blocks in phase 2.
	ModeIncremental Mode = 2
)

// endOfStream is the block id sentinel marking the last frame of a phase.
const endOfStream = ^uint64(0)

// Handshake is exchanged once at the start of a session, sent by the
// puller to the transmitter. ImagePath names the device or file the
// transmitter should read, so the remote process itself carries no
// knowledge of where its target lives - the puller decides that, same as
// everything else about the pull.
type Handshake struct {
	Mode      Mode
	BlockSize uint32
	ImagePath string
}

// HandshakeReply is the transmitter's response, reporting the image size
// it discovered.
type HandshakeReply struct {
	Size uint64 // logical device size in bytes
}

// WriteHandshake writes the puller's request to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write([]byte(Magic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(h.Mode)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.BlockSize); err != nil {
		return err
	}
	path := []byte(h.ImagePath)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(path))); err != nil {
		return err
	}
	_, err := w.Write(path)
	return err
}

// ReadHandshake reads and validates the puller's handshake.
func ReadHandshake(r io.Reader) (Handshake, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Handshake{}, fmt.Errorf("%w: read magic: %v", store.ErrProtocolMismatch, err)
	}
	if string(magic) != Magic {
		return Handshake{}, fmt.Errorf("%w: bad magic %q", store.ErrProtocolMismatch, magic)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Handshake{}, fmt.Errorf("%w: read version: %v", store.ErrProtocolMismatch, err)
	}
	if version != Version {
		return Handshake{}, fmt.Errorf("%w: version %d, want %d", store.ErrProtocolMismatch, version, Version)
	}

	var mode uint8
	if err := binary.Read(r, binary.LittleEndian, &mode); err != nil {
		return Handshake{}, fmt.Errorf("%w: read mode: %v", store.ErrProtocolMismatch, err)
	}

	var blockSize uint32
	if err := binary.Read(r, binary.LittleEndian, &blockSize); err != nil {
		return Handshake{}, fmt.Errorf("%w: read block size: %v", store.ErrProtocolMismatch, err)
	}

	var pathLen uint32
	if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
		return Handshake{}, fmt.Errorf("%w: read image path length: %v", store.ErrProtocolMismatch, err)
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return Handshake{}, fmt.Errorf("%w: read image path: %v", store.ErrProtocolMismatch, err)
	}

	return Handshake{Mode: Mode(mode), BlockSize: blockSize, ImagePath: string(path)}, nil
}

// WriteHandshakeReply writes the transmitter's response to w.
func WriteHandshakeReply(w io.Writer, r HandshakeReply) error {
	return binary.Write(w, binary.LittleEndian, r.Size)
}

// ReadHandshakeReply reads the transmitter's response.
func ReadHandshakeReply(r io.Reader) (HandshakeReply, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return HandshakeReply{}, fmt.Errorf("%w: read handshake reply: %v", store.ErrProtocolMismatch, err)
	}
	return HandshakeReply{Size: size}, nil
}

// HashFrame is one (block_id, hash) pair, used for incremental mode's
// phase 1. Full mode sends ContentFrames only, which carry the hash
// themselves.
type HashFrame struct {
	BlockID uint64
	Hash    [32]byte
}

// WriteHashFrame writes one hash frame.
func WriteHashFrame(w io.Writer, f HashFrame) error {
	if err := binary.Write(w, binary.LittleEndian, f.BlockID); err != nil {
		return err
	}
	_, err := w.Write(f.Hash[:])
	return err
}

// ReadHashFrame reads one hash frame. ok is false at end of stream.
func ReadHashFrame(r io.Reader) (f HashFrame, ok bool, err error) {
	if err := binary.Read(r, binary.LittleEndian, &f.BlockID); err != nil {
		if err == io.EOF {
			return HashFrame{}, false, nil
		}
		return HashFrame{}, false, fmt.Errorf("%w: read hash frame block id: %v", store.ErrProtocolMismatch, err)
	}
	if f.BlockID == endOfStream {
		return HashFrame{}, false, nil
	}
	if _, err := io.ReadFull(r, f.Hash[:]); err != nil {
		return HashFrame{}, false, fmt.Errorf("%w: read hash frame hash: %v", store.ErrProtocolMismatch, err)
	}
	return f, true, nil
}

// WriteEndOfHashes writes the sentinel frame that ends a hash stream.
func WriteEndOfHashes(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, endOfStream)
}

// ContentFrame carries one block's compressed content.
type ContentFrame struct {
	BlockID uint64
	Hash    [32]byte
	Codec   codec.Codec
	Length  uint32
	Content []byte
}

// WriteContentFrame writes one content frame.
func WriteContentFrame(w io.Writer, f ContentFrame) error {
	if err := binary.Write(w, binary.LittleEndian, f.BlockID); err != nil {
		return err
	}
	if _, err := w.Write(f.Hash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(f.Codec)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(f.Content))); err != nil {
		return err
	}
	_, err := w.Write(f.Content)
	return err
}

// ReadContentFrame reads one content frame. ok is false at end of stream.
func ReadContentFrame(r io.Reader) (f ContentFrame, ok bool, err error) {
	if err := binary.Read(r, binary.LittleEndian, &f.BlockID); err != nil {
		if err == io.EOF {
			return ContentFrame{}, false, nil
		}
		return ContentFrame{}, false, fmt.Errorf("%w: read content frame block id: %v", store.ErrProtocolMismatch, err)
	}
	if f.BlockID == endOfStream {
		return ContentFrame{}, false, nil
	}
	if _, err := io.ReadFull(r, f.Hash[:]); err != nil {
		return ContentFrame{}, false, fmt.Errorf("%w: read content frame hash: %v", store.ErrProtocolMismatch, err)
	}
	var codecByte uint8
	if err := binary.Read(r, binary.LittleEndian, &codecByte); err != nil {
		return ContentFrame{}, false, fmt.Errorf("%w: read content frame codec: %v", store.ErrProtocolMismatch, err)
	}
	f.Codec = codec.Codec(codecByte)
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return ContentFrame{}, false, fmt.Errorf("%w: read content frame length: %v", store.ErrProtocolMismatch, err)
	}
	f.Length = length
	f.Content = make([]byte, length)
	if _, err := io.ReadFull(r, f.Content); err != nil {
		return ContentFrame{}, false, fmt.Errorf("%w: read content frame body: %v", store.ErrProtocolMismatch, err)
	}
	return f, true, nil
}

// WriteEndOfContent writes the sentinel frame that ends a content stream.
func WriteEndOfContent(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, endOfStream)
}

// WriteBlockRequest writes the list of block ids the puller wants content
// for, in phase 2 of incremental mode: a little-endian uint64 count
// followed by that many little-endian uint64 ids.
func WriteBlockRequest(w io.Writer, blockIDs []uint64) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(blockIDs))); err != nil {
		return err
	}
	for _, id := range blockIDs {
		if err := binary.Write(bw, binary.LittleEndian, id); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadBlockRequest reads the block id list written by WriteBlockRequest.
func ReadBlockRequest(r io.Reader) ([]uint64, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: read block request count: %v", store.ErrProtocolMismatch, err)
	}
	ids := make([]uint64, count)
	for i := range ids {
		if err := binary.Read(r, binary.LittleEndian, &ids[i]); err != nil {
			return nil, fmt.Errorf("%w: read block request id %d: %v", store.ErrProtocolMismatch, i, err)
		}
	}
	return ids, nil
}
