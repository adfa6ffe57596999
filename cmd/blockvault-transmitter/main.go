// Command blockvault-transmitter is the small helper uploaded to and run
// on the remote host being backed up. It reads a handshake from stdin,
// opens the target device or image read-only, and streams block hashes
// and content back over stdout per the transmitter wire protocol.
//
// It is built as a static binary (CGO_ENABLED=0) for each supported
// remote architecture and embedded into the blockvault binary, so it
// never needs to be installed on the remote host ahead of time.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/roach88/blockvault/internal/blockhash"
	"github.com/roach88/blockvault/internal/codec"
	"github.com/roach88/blockvault/internal/transmitter"
)

const exitIOError = 3

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "blockvault-transmitter:", err)
		os.Exit(exitIOError)
	}
}

func run(stdin *os.File, stdout *os.File) error {
	reader := bufio.NewReaderSize(stdin, 1<<20)
	writer := bufio.NewWriterSize(stdout, 1<<20)
	defer writer.Flush()

	hs, err := transmitter.ReadHandshake(reader)
	if err != nil {
		return err
	}
	if hs.ImagePath == "" {
		return fmt.Errorf("handshake carried no image path")
	}

	f, err := os.OpenFile(hs.ImagePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open image %s: %w", hs.ImagePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image %s: %w", hs.ImagePath, err)
	}
	size := uint64(info.Size())

	if err := transmitter.WriteHandshakeReply(writer, transmitter.HandshakeReply{Size: size}); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	blockCount := (size + uint64(hs.BlockSize) - 1) / uint64(hs.BlockSize)

	switch hs.Mode {
	case transmitter.ModeFull:
		return streamFull(f, writer, hs.BlockSize, blockCount)
	case transmitter.ModeIncremental:
		if err := streamHashes(f, writer, hs.BlockSize, blockCount); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		requested, err := transmitter.ReadBlockRequest(reader)
		if err != nil {
			return err
		}
		return streamRequested(f, writer, hs.BlockSize, requested)
	default:
		return fmt.Errorf("unknown mode %d", hs.Mode)
	}
}

// readBlock fills buf from the image at blockID*blockSize. The final
// block of a device whose size isn't a multiple of blockSize reads short;
// the unread tail of buf is left zero, matching the "store a full block,
// truncate logically by size" rule applied on the puller side.
func readBlock(f *os.File, buf []byte, blockID, blockSize uint64) ([]byte, error) {
	offset := int64(blockID * blockSize)
	_, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read block %d: %w", blockID, err)
	}
	return buf, nil
}

func streamFull(f *os.File, w *bufio.Writer, blockSize uint32, blockCount uint64) error {
	buf := make([]byte, blockSize)
	for id := uint64(0); id < blockCount; id++ {
		for i := range buf {
			buf[i] = 0
		}
		content, err := readBlock(f, buf, id, uint64(blockSize))
		if err != nil {
			return err
		}
		hash := blockhash.Hash(content)
		encoded, err := codec.Encode(codec.Default, content)
		if err != nil {
			return err
		}
		if err := transmitter.WriteContentFrame(w, transmitter.ContentFrame{
			BlockID: id, Hash: hash, Codec: codec.Default, Content: encoded,
		}); err != nil {
			return err
		}
	}
	return transmitter.WriteEndOfContent(w)
}

func streamHashes(f *os.File, w *bufio.Writer, blockSize uint32, blockCount uint64) error {
	buf := make([]byte, blockSize)
	for id := uint64(0); id < blockCount; id++ {
		for i := range buf {
			buf[i] = 0
		}
		content, err := readBlock(f, buf, id, uint64(blockSize))
		if err != nil {
			return err
		}
		hash := blockhash.Hash(content)
		if err := transmitter.WriteHashFrame(w, transmitter.HashFrame{BlockID: id, Hash: hash}); err != nil {
			return err
		}
	}
	return transmitter.WriteEndOfHashes(w)
}

func streamRequested(f *os.File, w *bufio.Writer, blockSize uint32, blockIDs []uint64) error {
	buf := make([]byte, blockSize)
	for _, id := range blockIDs {
		for i := range buf {
			buf[i] = 0
		}
		content, err := readBlock(f, buf, id, uint64(blockSize))
		if err != nil {
			return err
		}
		hash := blockhash.Hash(content)
		encoded, err := codec.Encode(codec.Default, content)
		if err != nil {
			return err
		}
		if err := transmitter.WriteContentFrame(w, transmitter.ContentFrame{
			BlockID: id, Hash: hash, Codec: codec.Default, Content: encoded,
		}); err != nil {
			return err
		}
	}
	return transmitter.WriteEndOfContent(w)
}
