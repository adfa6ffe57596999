package nbd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/roach88/blockvault/internal/cas"
	"github.com/roach88/blockvault/internal/replay"
	"github.com/roach88/blockvault/internal/store"
)

// Image is the read-only source served to NBD clients: a fixed-size
// point-in-time view of the device, backed by a replay projection.
type Image struct {
	Size int64
	Proj *replay.Projection
	CAS  *cas.CAS
}

// ReadAt returns length bytes starting at offset by delegating to the
// projection's ReadRange.
func (img *Image) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	return img.Proj.ReadRange(ctx, img.CAS, img.Size, offset, length)
}

// Serve listens on addr ("host:port" for TCP, "unix:/path" for a UNIX
// socket) and serves img to one client connection at a time until ctx is
// cancelled. Concurrent connection attempts block behind a mutex rather
// than being refused, matching the single-client, strictly-sequential
// request handling the rest of this module's single-writer design uses.
func Serve(ctx context.Context, addr string, img *Image, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	network, listenAddr := "tcp", addr
	if strings.HasPrefix(addr, "unix:") {
		network, listenAddr = "unix", strings.TrimPrefix(addr, "unix:")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, network, listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", store.ErrIoError, addr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var mu sync.Mutex
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept: %v", store.ErrIoError, err)
		}

		mu.Lock()
		err = serveConn(ctx, conn, img, logger)
		mu.Unlock()
		if err != nil && ctx.Err() == nil {
			logger.Warn("nbd client session ended with error", "error", err)
		}
	}
}

func serveConn(ctx context.Context, conn net.Conn, img *Image, logger *slog.Logger) error {
	defer conn.Close()
	// Cancelling ctx also closes the in-flight connection, so a read
	// blocked on the client returns and Serve can exit.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := sendHandshake(conn); err != nil {
		return err
	}

	var clientFlags uint32
	if err := binary.Read(conn, byteOrder, &clientFlags); err != nil {
		return fmt.Errorf("%w: read client flags: %v", store.ErrProtocolMismatch, err)
	}

	if err := negotiateExport(conn, img); err != nil {
		return err
	}

	return transmissionLoop(ctx, conn, img, logger)
}

func sendHandshake(conn net.Conn) error {
	if _, err := conn.Write(uint64Bytes(nbdMagic)); err != nil {
		return err
	}
	if _, err := conn.Write(uint64Bytes(nbdOptsMagic)); err != nil {
		return err
	}
	return binary.Write(conn, byteOrder, nbdFlagFixedNewstyle)
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	byteOrder.PutUint64(b, v)
	return b
}

// negotiateExport handles the option haggling phase, accepting only
// NBD_OPT_EXPORT_NAME (the lone export this server offers) and
// NBD_OPT_ABORT.
func negotiateExport(conn net.Conn, img *Image) error {
	for {
		var magic uint64
		if err := binary.Read(conn, byteOrder, &magic); err != nil {
			return fmt.Errorf("%w: read option magic: %v", store.ErrProtocolMismatch, err)
		}
		if magic != nbdOptsMagic {
			return fmt.Errorf("%w: bad option magic", store.ErrProtocolMismatch)
		}

		var opt, length uint32
		if err := binary.Read(conn, byteOrder, &opt); err != nil {
			return fmt.Errorf("%w: read option: %v", store.ErrProtocolMismatch, err)
		}
		if err := binary.Read(conn, byteOrder, &length); err != nil {
			return fmt.Errorf("%w: read option length: %v", store.ErrProtocolMismatch, err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return fmt.Errorf("%w: read option data: %v", store.ErrProtocolMismatch, err)
		}

		switch opt {
		case nbdOptExportName:
			if err := binary.Write(conn, byteOrder, uint64(img.Size)); err != nil {
				return err
			}
			flags := nbdFlagHasFlags | nbdFlagReadOnly
			if err := binary.Write(conn, byteOrder, flags); err != nil {
				return err
			}
			_, err := conn.Write(make([]byte, 124)) // zero-padding reserved block
			return err
		case nbdOptAbort:
			return fmt.Errorf("%w: client aborted negotiation", store.ErrCancelled)
		default:
			return fmt.Errorf("%w: unsupported option %d", store.ErrProtocolMismatch, opt)
		}
	}
}

func transmissionLoop(ctx context.Context, conn net.Conn, img *Image, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var magic, cmdFlags uint32
		var cmdType uint16
		var handle uint64
		var offset uint64
		var length uint32

		if err := binary.Read(conn, byteOrder, &magic); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: read request magic: %v", store.ErrProtocolMismatch, err)
		}
		if magic != nbdRequestMagic {
			return fmt.Errorf("%w: bad request magic", store.ErrProtocolMismatch)
		}

		var flags16 uint16
		if err := binary.Read(conn, byteOrder, &flags16); err != nil {
			return err
		}
		cmdFlags = uint32(flags16)
		if err := binary.Read(conn, byteOrder, &cmdType); err != nil {
			return err
		}
		if err := binary.Read(conn, byteOrder, &handle); err != nil {
			return err
		}
		if err := binary.Read(conn, byteOrder, &offset); err != nil {
			return err
		}
		if err := binary.Read(conn, byteOrder, &length); err != nil {
			return err
		}
		_ = cmdFlags

		switch cmdType {
		case nbdCmdDisconnect:
			return nil
		case nbdCmdRead:
			if err := handleRead(ctx, conn, img, handle, int64(offset), int64(length)); err != nil {
				return err
			}
		case nbdCmdFlush:
			if err := writeSimpleReply(conn, nbdReplyErrOK, handle, nil); err != nil {
				return err
			}
		case nbdCmdWrite, nbdCmdTrim:
			// Read-only server: drain any write payload so framing stays
			// aligned, then refuse.
			if cmdType == nbdCmdWrite {
				if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
					return fmt.Errorf("%w: drain write payload: %v", store.ErrProtocolMismatch, err)
				}
			}
			if err := writeSimpleReply(conn, nbdReplyErrPerm, handle, nil); err != nil {
				return err
			}
		default:
			if err := writeSimpleReply(conn, nbdReplyErrInval, handle, nil); err != nil {
				return err
			}
		}
	}
}

func handleRead(ctx context.Context, conn net.Conn, img *Image, handle uint64, offset, length int64) error {
	data, err := img.ReadAt(ctx, offset, length)
	if err != nil {
		logger := slog.Default()
		logger.Warn("nbd read failed", "offset", offset, "length", length, "error", err)
		return writeSimpleReply(conn, nbdReplyErrInval, handle, nil)
	}
	return writeSimpleReply(conn, nbdReplyErrOK, handle, data)
}

func writeSimpleReply(conn net.Conn, errCode uint32, handle uint64, data []byte) error {
	if err := binary.Write(conn, byteOrder, nbdReplyMagic); err != nil {
		return err
	}
	if err := binary.Write(conn, byteOrder, errCode); err != nil {
		return err
	}
	if err := binary.Write(conn, byteOrder, handle); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := conn.Write(data)
	return err
}
