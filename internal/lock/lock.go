// Package lock keeps a single daemon per workspace with an flock on
// <workspace>/LOCK.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// LockHeldError is returned when another process holds the workspace lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("workspace already served by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired workspace lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock of dir, creating dir if needed.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, _ := Holder(dir)
		_ = f.Close()
		return nil, &LockHeldError{PID: pid, Path: path}
	}

	stamp := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := rewrite(f, stamp); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func rewrite(f *os.File, content string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(content)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Holder reports the PID recorded in dir's lock file, if any.
func Holder(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, err := strconv.Atoi(after)
			return pid, err == nil && pid > 0
		}
	}
	return 0, false
}
