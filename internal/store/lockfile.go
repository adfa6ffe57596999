package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile is an OS advisory lock on the store's pull-lock file, held for
// the duration of one pull or squash. It enforces single-writer access
// across processes, not just within one; the SQLite connection pool only
// protects against concurrent writers inside this process.
type lockFile struct {
	f *os.File
}

// acquireLock takes an exclusive, non-blocking flock on path, the store's
// configured pull-lock path (by default a "<db>.lock" sibling of the
// database file; overridable via local.pull_lock in the config file).
// Returns ErrLockBusy if another process already holds it.
func acquireLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", ErrIoError, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, path)
		}
		return nil, fmt.Errorf("%w: flock: %v", ErrIoError, err)
	}

	return &lockFile{f: f}, nil
}

func (l *lockFile) release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
