// Package transport abstracts the remote side of a pull: running a
// command and reading its output, and uploading a file. The SSH
// implementation is the only one used in production; a fake
// implementation lives alongside it so the puller can be exercised
// without a real remote host.
package transport

import (
	"context"
	"io"
)

// Process represents a running remote command. Stdout streams the
// command's output; Close must always be called, and kills the remote
// process if it is still running.
type Process interface {
	io.Closer
	Stdout() io.Reader
	Stdin() io.Writer
	// Wait blocks until the process exits and returns its result.
	Wait() error
}

// Transport runs commands and moves files on one remote host.
type Transport interface {
	// Exec runs command on the remote host and returns its combined
	// stdout/stderr once it has exited. Used for short scripts and
	// probes (pre_pull, post_pull, architecture detection).
	Exec(ctx context.Context, command string) (output string, err error)

	// Start launches command on the remote host without waiting for it
	// to exit, returning a handle to its stdin/stdout streams. Used to
	// run the transmitter binary.
	Start(ctx context.Context, command string) (Process, error)

	// Upload writes content to path on the remote host, creating parent
	// directories as needed. Idempotent: callers are expected to probe
	// existence first for hash-named paths, but Upload itself always
	// overwrites.
	Upload(ctx context.Context, path string, content []byte, mode uint32) error

	// Close releases any held connection resources.
	Close() error
}
