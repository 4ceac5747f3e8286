package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	ArenaHeaderSize = 4096
	ArenaMagic      = 0x504B4152 // "PKAR"
	arenaVersion    = 1

	// DefaultArenaBufferSize holds a full PokéAPI listing several times over.
	DefaultArenaBufferSize = 4 << 20

	frameHeaderSize = 8 // payload length, crc32
)

var (
	ErrArenaFull    = errors.New("records exceed arena buffer size")
	ErrArenaCorrupt = errors.New("arena buffer failed checksum")
)

// arenaHeader occupies the start of the first page. The rest of the page is
// zero.
type arenaHeader struct {
	Magic        uint32
	Version      uint8
	ActiveBuffer uint8
	_            [2]byte
	Sequence     uint64
	BufferSize   uint64
}

const arenaHeaderLen = 24

func (h *arenaHeader) marshal() []byte {
	buf := make([]byte, arenaHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.ActiveBuffer
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], h.BufferSize)
	return buf
}

func readArenaHeader(f *os.File) (*arenaHeader, error) {
	buf := make([]byte, arenaHeaderLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read arena header: %w", err)
	}
	h := &arenaHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      buf[4],
		ActiveBuffer: buf[5],
		Sequence:     binary.LittleEndian.Uint64(buf[8:16]),
		BufferSize:   binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Magic != ArenaMagic {
		return nil, fmt.Errorf("invalid arena magic: %x", h.Magic)
	}
	if h.Version != arenaVersion {
		return nil, fmt.Errorf("unsupported arena version: %d", h.Version)
	}
	if h.ActiveBuffer > 1 {
		return nil, fmt.Errorf("invalid active buffer index: %d", h.ActiveBuffer)
	}
	return h, nil
}

func (h *arenaHeader) offset(buffer uint8) int64 {
	return ArenaHeaderSize + int64(buffer)*int64(h.BufferSize)
}

// ArenaBackend keeps all records in one file holding two buffers. A write
// fills the inactive buffer, syncs it, then flips the header, so a crash
// mid-write leaves the previous records readable. flock serializes
// processes; the mutex serializes goroutines sharing the descriptor.
type ArenaBackend struct {
	mu     sync.RWMutex
	file   *os.File
	path   string
	prefix string

	// flock belongs to the open file description, so goroutines reading
	// under mu.RLock share one LOCK_SH and the last one out releases it.
	shared  sync.Mutex
	readers int
}

// OpenArena opens the arena at path, creating it with bufferSize bytes per
// buffer if it does not exist. bufferSize is ignored for an existing file.
func OpenArena(path, namespace string, bufferSize int64) (*ArenaBackend, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if bufferSize <= frameHeaderSize {
		bufferSize = DefaultArenaBufferSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open arena %s: %w", path, err)
	}
	b := &ArenaBackend{file: f, path: path, prefix: namespacePrefix(namespace)}

	if err := b.initialize(bufferSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

// initialize writes a fresh header to an empty file. Concurrent openers
// race on the exclusive lock and only the first sees a zero size.
func (b *ArenaBackend) initialize(bufferSize int64) error {
	return b.withLock(unix.LOCK_EX, func() error {
		info, err := b.file.Stat()
		if err != nil {
			return fmt.Errorf("stat arena: %w", err)
		}
		if info.Size() > 0 {
			_, err := readArenaHeader(b.file)
			return err
		}
		if err := b.file.Truncate(ArenaHeaderSize + 2*bufferSize); err != nil {
			return fmt.Errorf("size arena: %w", err)
		}
		h := &arenaHeader{Magic: ArenaMagic, Version: arenaVersion, BufferSize: uint64(bufferSize)}
		// Buffer 0 starts as an empty, valid frame.
		if _, err := b.file.WriteAt(frame(nil), h.offset(0)); err != nil {
			return fmt.Errorf("write empty buffer: %w", err)
		}
		if _, err := b.file.WriteAt(h.marshal(), 0); err != nil {
			return fmt.Errorf("write arena header: %w", err)
		}
		return b.file.Sync()
	})
}

// Path returns the arena file path.
func (b *ArenaBackend) Path() string { return b.path }

// Sequence returns how many writes the arena has committed.
func (b *ArenaBackend) Sequence() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var seq uint64
	err := b.withLock(unix.LOCK_SH, func() error {
		h, err := readArenaHeader(b.file)
		if err != nil {
			return err
		}
		seq = h.Sequence
		return nil
	})
	return seq, err
}

// Write merges records into the active set and commits them as the next
// buffer.
func (b *ArenaBackend) Write(_ context.Context, records map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withLock(unix.LOCK_EX, func() error {
		h, err := readArenaHeader(b.file)
		if err != nil {
			return err
		}
		all, err := b.readActive(h)
		if err != nil && !errors.Is(err, ErrArenaCorrupt) {
			return err
		}
		if all == nil {
			all = make(map[string][]byte, len(records))
		}
		for k, v := range records {
			all[b.prefix+k] = v
		}

		data := frame(encodeRecords(all))
		if uint64(len(data)) > h.BufferSize {
			return fmt.Errorf("%w: %d > %d", ErrArenaFull, len(data), h.BufferSize)
		}
		inactive := 1 - h.ActiveBuffer
		if _, err := b.file.WriteAt(data, h.offset(inactive)); err != nil {
			return fmt.Errorf("write inactive buffer: %w", err)
		}
		if err := b.file.Sync(); err != nil {
			return fmt.Errorf("sync arena: %w", err)
		}

		h.ActiveBuffer = inactive
		h.Sequence++
		if _, err := b.file.WriteAt(h.marshal(), 0); err != nil {
			return fmt.Errorf("write arena header: %w", err)
		}
		return b.file.Sync()
	})
}

// Read returns the requested keys from the active buffer.
func (b *ArenaBackend) Read(_ context.Context, keys ...string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	err := b.withLock(unix.LOCK_SH, func() error {
		h, err := readArenaHeader(b.file)
		if err != nil {
			return err
		}
		all, err := b.readActive(h)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if v, ok := all[b.prefix+k]; ok {
				out[k] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the arena file.
func (b *ArenaBackend) Close() error {
	return b.file.Close()
}

func (b *ArenaBackend) withLock(how int, fn func() error) error {
	if how == unix.LOCK_SH {
		return b.withSharedLock(fn)
	}
	fd := int(b.file.Fd())
	if err := unix.Flock(fd, how); err != nil {
		return fmt.Errorf("lock arena: %w", err)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()
	return fn()
}

// withSharedLock runs fn under the descriptor's shared flock. Callers hold
// mu.RLock, so no exclusive holder exists in this process.
func (b *ArenaBackend) withSharedLock(fn func() error) error {
	fd := int(b.file.Fd())
	b.shared.Lock()
	if b.readers == 0 {
		if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
			b.shared.Unlock()
			return fmt.Errorf("lock arena: %w", err)
		}
	}
	b.readers++
	b.shared.Unlock()

	defer func() {
		b.shared.Lock()
		b.readers--
		if b.readers == 0 {
			_ = unix.Flock(fd, unix.LOCK_UN)
		}
		b.shared.Unlock()
	}()
	return fn()
}

func (b *ArenaBackend) readActive(h *arenaHeader) (map[string][]byte, error) {
	off := h.offset(h.ActiveBuffer)
	head := make([]byte, frameHeaderSize)
	if _, err := b.file.ReadAt(head, off); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.LittleEndian.Uint32(head[0:4])
	sum := binary.LittleEndian.Uint32(head[4:8])
	if uint64(n)+frameHeaderSize > h.BufferSize {
		return nil, fmt.Errorf("%w: length %d", ErrArenaCorrupt, n)
	}
	payload := make([]byte, n)
	if _, err := b.file.ReadAt(payload, off+frameHeaderSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrArenaCorrupt
	}
	return decodeRecords(payload)
}

func frame(payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(payload))
	copy(out[frameHeaderSize:], payload)
	return out
}

// encodeRecords writes count, then length-prefixed key and value pairs in
// key order.
func encodeRecords(records map[string][]byte) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, uint32(len(records)))
	for _, k := range sortedKeys(records) {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(k)))
		out = append(out, k...)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(records[k])))
		out = append(out, records[k]...)
	}
	return out
}

func decodeRecords(payload []byte) (map[string][]byte, error) {
	if len(payload) == 0 {
		return map[string][]byte{}, nil
	}
	next := func(n int) ([]byte, bool) {
		if len(payload) < n {
			return nil, false
		}
		b := payload[:n]
		payload = payload[n:]
		return b, true
	}
	nextLen := func() (int, bool) {
		b, ok := next(4)
		if !ok {
			return 0, false
		}
		return int(binary.LittleEndian.Uint32(b)), true
	}

	count, ok := nextLen()
	if !ok || count > len(payload) {
		return nil, fmt.Errorf("%w: bad record count", ErrArenaCorrupt)
	}
	out := make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		kl, ok := nextLen()
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrArenaCorrupt, i)
		}
		k, ok := next(kl)
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrArenaCorrupt, i)
		}
		vl, ok := nextLen()
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrArenaCorrupt, i)
		}
		v, ok := next(vl)
		if !ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrArenaCorrupt, i)
		}
		out[string(k)] = bytes.Clone(v)
	}
	return out, nil
}

var _ Backend = (*ArenaBackend)(nil)
