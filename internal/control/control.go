// Package control keeps a one-page memory-mapped record that lets separate
// pokefs processes see whether a host is connected, where it is mounted, and
// when each container was last signalled for re-enumeration.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/agentic-research/pokefs/internal/graph"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x504B4653 // 'PKFS'
	Version     = 1
)

var ErrUnknownContainer = errors.New("unknown container")

// Block is the on-disk layout of the control file.
type Block struct {
	Magic            uint32
	Version          uint32
	Generation       uint64 // Atomic, bumped on every signal
	Connected        uint32 // Atomic, 0 or 1
	_                uint32
	RootSignal       int64 // Atomic, unix nanos of last root signal
	CollectionSignal int64 // Atomic, unix nanos of last collection signal
	MountPath        [256]byte
	Padding          [ControlSize - 296]byte // Pad to 4096 bytes
}

// Handle is an open mapping of a control file.
type Handle struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = Version
	} else if ptr.Magic != Magic || ptr.Version != Version {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid control file %s: magic %x version %d", path, ptr.Magic, ptr.Version)
	}

	return &Handle{path: path, file: f, data: data, ptr: ptr}, nil
}

// Path returns the control file path.
func (h *Handle) Path() string { return h.path }

// Generation returns the signal generation.
func (h *Handle) Generation() uint64 {
	return atomic.LoadUint64(&h.ptr.Generation)
}

// Connected reports whether some process has a host registered.
func (h *Handle) Connected() bool {
	return atomic.LoadUint32(&h.ptr.Connected) == 1
}

// SetConnected records the registration state.
func (h *Handle) SetConnected(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&h.ptr.Connected, n)
}

// MountPath returns the recorded mount point, or "" if none.
func (h *Handle) MountPath() string {
	b := h.ptr.MountPath[:]
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetMountPath records the mount point and connected state in one step.
// An empty path clears both.
func (h *Handle) SetMountPath(path string) error {
	if len(path) >= len(h.ptr.MountPath) {
		return fmt.Errorf("path too long (max %d)", len(h.ptr.MountPath)-1)
	}
	copy(h.ptr.MountPath[:], path)
	clear(h.ptr.MountPath[len(path):])
	h.SetConnected(path != "")
	return nil
}

// Signal stamps a container with at and bumps the generation, returning the
// new generation.
func (h *Handle) Signal(containerID string, at time.Time) (uint64, error) {
	slot, err := h.slot(containerID)
	if err != nil {
		return 0, err
	}
	atomic.StoreInt64(slot, at.UnixNano())
	return atomic.AddUint64(&h.ptr.Generation, 1), nil
}

// SignalTime returns when containerID was last signalled. The zero time
// means never, as does an unknown container.
func (h *Handle) SignalTime(containerID string) time.Time {
	slot, err := h.slot(containerID)
	if err != nil {
		return time.Time{}
	}
	ns := atomic.LoadInt64(slot)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (h *Handle) slot(containerID string) (*int64, error) {
	switch containerID {
	case graph.RootID:
		return &h.ptr.RootSignal, nil
	case graph.CollectionID:
		return &h.ptr.CollectionSignal, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, containerID)
	}
}

// Sync flushes the mapping to the file.
func (h *Handle) Sync() error {
	return unix.Msync(h.data, unix.MS_SYNC)
}

// Close unmaps and closes the control file.
func (h *Handle) Close() error {
	if err := unix.Munmap(h.data); err != nil {
		return err
	}
	return h.file.Close()
}
