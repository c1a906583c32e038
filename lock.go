package upscale

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// lockDir holds lock files beside the files they guard. Lock files are
// never deleted, since removing one while another process waits on it
// would let two holders lock different inodes.
const lockDir = ".locks"

// lockPath returns the lock file guarding dest.
func lockPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), lockDir, filepath.Base(dest)+".lock")
}

// fileLock is an exclusive cross-process lock held on a lock file. The
// platform files provide tryLock and release.
type fileLock struct {
	file    *os.File
	timeout time.Duration
	locked  bool
}

// newFileLock opens or creates the lock file at path.
func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileLock{file: file, timeout: timeout}, nil
}

// Lock polls for the lock until it is acquired or the timeout expires.
func (l *fileLock) Lock() error {
	if l.locked {
		return nil
	}

	deadline := time.Now().Add(l.timeout)
	wait := 10 * time.Millisecond
	for {
		if err := l.tryLock(); err == nil {
			l.locked = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock timeout after %v", l.timeout)
		}
		time.Sleep(wait)
		wait = min(wait*2, 250*time.Millisecond)
	}
}

// Unlock releases the lock and closes the file. Safe to call more than once.
func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	var err error
	if l.locked {
		err = l.release()
		l.locked = false
	}
	l.file.Close()
	l.file = nil
	return err
}
