package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrSegmentExists = errors.New("shared memory segment already exists")
	ErrSegmentClosed = errors.New("shared memory segment closed")
	ErrBadSize       = errors.New("invalid shared memory size")
)

// DefaultDir returns the directory backing named segments. On Linux
// /dev/shm gives true shared memory; elsewhere a temp file still maps
// MAP_SHARED between cooperating processes.
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Segment is a named shared memory region mapped into the process.
// Both peers of a stream channel map the same segment; the creator
// unlinks the backing name on Close.
type Segment struct {
	name  string
	dir   string
	owner bool

	// mu orders the munmap in Close after every in-flight ring
	// operation; touching the mapping after it is unmapped would kill
	// the process, not raise a recoverable error.
	mu   sync.RWMutex
	data []byte
}

// Create creates and maps a new segment of the given size. The name
// must not already exist.
func Create(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrSegmentExists
		}
		return nil, fmt.Errorf("create segment: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("size segment: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map segment: %w", err)
	}

	return &Segment{name: name, dir: dir, data: data, owner: true}, nil
}

// Open maps an existing segment created by a peer.
func Open(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment: %w", err)
	}

	return &Segment{name: name, dir: dir, data: data}, nil
}

// Name returns the OS-level name of the segment
func (s *Segment) Name() string {
	return s.name
}

// Size returns the mapped size in bytes
func (s *Segment) Size() int {
	return len(s.data)
}

// Bytes returns the mapped region. The slice aliases shared memory;
// both peers observe writes through it.
func (s *Segment) Bytes() []byte {
	return s.data
}

// acquire pins the mapping for the duration of one ring operation.
// Reports false when the segment has already been unmapped; the caller
// must not touch the mapping and must not release.
func (s *Segment) acquire() bool {
	s.mu.RLock()
	if s.data == nil {
		s.mu.RUnlock()
		return false
	}
	return true
}

func (s *Segment) release() {
	s.mu.RUnlock()
}

// Close unmaps the segment and, for the creating side, unlinks the
// backing name. It waits for in-flight ring operations to drain before
// unmapping. Safe to call more than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	err := unix.Munmap(s.data)
	s.data = nil

	if s.owner {
		os.Remove(filepath.Join(s.dir, s.name))
	}

	return err
}
