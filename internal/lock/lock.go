// Package lock provides the daemon's single-instance file lock and a keyed
// mutex map used to claim inbox files.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

var ErrLocked = errors.New("lock is held by another process")

// MutexMap hands out one mutex per key. Entries are dropped on Unlock when
// nobody else is waiting, so the map does not grow with every file seen.
type MutexMap struct {
	mu      sync.Mutex
	entries map[string]*keyMutex
}

type keyMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{entries: make(map[string]*keyMutex)}
}

func (m *MutexMap) Lock(key string) {
	m.acquire(key).Lock()
}

// TryLock locks key without waiting and reports whether it succeeded.
func (m *MutexMap) TryLock(key string) bool {
	km := m.acquire(key)
	if km.TryLock() {
		return true
	}
	m.release(key)
	return false
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	km, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	km.Unlock()
	m.release(key)
}

// Len is the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MutexMap) acquire(key string) *keyMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.entries[key]
	if !ok {
		km = &keyMutex{}
		m.entries[key] = km
	}
	km.refs++
	return km
}

func (m *MutexMap) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.entries[key]
	if !ok {
		return
	}
	km.refs--
	if km.refs <= 0 {
		delete(m.entries, key)
	}
}

// FileLock is an advisory flock on a PID file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock takes the lock without blocking and records the current PID in the
// file. It fails with ErrLocked when another process holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := ReadPID(fl.path); ok {
				return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return ErrLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) error {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// ReadPID returns the PID recorded in a lock file.
func ReadPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
