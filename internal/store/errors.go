package store

import "errors"

// Sentinel error kinds. Callers compare with errors.Is; the CLI layer picks
// an exit code at each call site by wrapping errors in a cli.ExitError.
var (
	ErrConfigInvalid      = errors.New("config invalid")
	ErrLockBusy           = errors.New("pull lock busy")
	ErrTransportFailed    = errors.New("transport failed")
	ErrRemoteScriptFailed = errors.New("remote script failed")
	ErrProtocolMismatch   = errors.New("protocol mismatch")
	ErrHashMismatch       = errors.New("hash mismatch")
	ErrDatabaseCorrupt    = errors.New("database corrupt")
	ErrLsnNotFound        = errors.New("lsn not found")
	ErrRangeInvalid       = errors.New("range invalid")
	ErrIoError            = errors.New("io error")
	ErrCancelled          = errors.New("cancelled")
)
