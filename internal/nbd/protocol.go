// Package nbd implements a minimal, read-only NBD (Network Block Device)
// server exposing one Projection's materialized image. Single client at
// a time, strictly sequential request handling - no corpus library
// implements the NBD wire protocol, so this speaks it directly against
// the fixed newstyle handshake and a read/disconnect-only command set.
package nbd

import "encoding/binary"

// Fixed newstyle handshake constants, per the NBD protocol.
const (
	nbdMagic       uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	nbdOptsMagic   uint64 = 0x49484156454F5054 // "IHAVEOPT"
	nbdRequestMagic uint32 = 0x25609513
	nbdReplyMagic   uint32 = 0x67446698

	nbdFlagFixedNewstyle uint16 = 1 << 0
	nbdFlagNoZeroes      uint16 = 1 << 1

	nbdFlagHasFlags  uint16 = 1 << 0
	nbdFlagReadOnly  uint16 = 1 << 1

	nbdOptExportName uint32 = 1
	nbdOptAbort      uint32 = 2

	nbdCmdRead       uint16 = 0
	nbdCmdWrite      uint16 = 1
	nbdCmdDisconnect uint16 = 2
	nbdCmdFlush      uint16 = 3
	nbdCmdTrim       uint16 = 4

	nbdReplyErrOK    uint32 = 0
	nbdReplyErrPerm  uint32 = 1 // EPERM, returned for any write-class command
	nbdReplyErrInval uint32 = 22
)

var byteOrder = binary.BigEndian
