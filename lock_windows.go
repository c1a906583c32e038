//go:build windows

package upscale

import "golang.org/x/sys/windows"

// tryLock takes a non-blocking LockFileEx() on the first byte of the lock
// file.
func (l *fileLock) tryLock() error {
	return windows.LockFileEx(
		windows.Handle(l.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1, 0,
		&windows.Overlapped{},
	)
}

func (l *fileLock) release() error {
	return windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, &windows.Overlapped{})
}
