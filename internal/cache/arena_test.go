package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openArena(t *testing.T, path, namespace string, size int64) *ArenaBackend {
	t.Helper()
	b, err := OpenArena(path, namespace, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestArena_FreshFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	b := openArena(t, path, "", 1024)

	got, err := b.Read(context.Background(), KeyCatalogData)
	require.NoError(t, err)
	assert.Empty(t, got)

	seq, err := b.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ArenaHeaderSize+2*1024), info.Size())
}

func TestArena_WriteFlipsAndMerges(t *testing.T) {
	b := openArena(t, filepath.Join(t.TempDir(), "cache.arena"), "", 0)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	require.NoError(t, b.Write(ctx, map[string][]byte{"b": []byte("3")}))

	got, err := b.Read(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("3")}, got)

	seq, err := b.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestArena_NamespacesAndHandlesShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	ctx := context.Background()
	writer := openArena(t, path, "pokefs", 0)
	reader := openArena(t, path, "pokefs", 0)
	other := openArena(t, path, "elsewhere", 0)

	require.NoError(t, writer.Write(ctx, map[string][]byte{KeyLastUpdate: []byte("x")}))

	got, err := reader.Read(ctx, KeyLastUpdate)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got[KeyLastUpdate])

	got, err = other.Read(ctx, KeyLastUpdate)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArena_FullKeepsPrevious(t *testing.T) {
	b := openArena(t, filepath.Join(t.TempDir(), "cache.arena"), "", 64)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, map[string][]byte{"k": []byte("small")}))
	err := b.Write(ctx, map[string][]byte{"k": make([]byte, 128)})
	assert.ErrorIs(t, err, ErrArenaFull)

	got, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got["k"])
}

func TestArena_TornInactiveBufferIsInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	b := openArena(t, path, "", 256)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, map[string][]byte{"k": []byte("v1")}))

	// Active is now buffer 1. Scribble over buffer 0, as a crash mid-write would.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage garbage garbage"), ArenaHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got["k"])
}

func TestArena_CorruptActiveBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	b := openArena(t, path, "", 1024)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, map[string][]byte{"k": []byte("v1")}))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XX"), ArenaHeaderSize+1024+frameHeaderSize+6)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = b.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrArenaCorrupt)

	// A Store treats the unreadable arena as absent, and the next write
	// recovers it.
	s := NewStore(b, nil)
	_, ok := s.Get(ctx)
	assert.False(t, ok)
	s.Put(ctx, snapshot(2, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)))
	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.Len(t, got.Entries, 2)
}

func TestArena_ForeignFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-arena")
	require.NoError(t, os.WriteFile(path, []byte("hello, this is not an arena file at all"), 0o644))

	_, err := OpenArena(path, "", 0)
	assert.Error(t, err)
}

func TestArena_StoreNoTornReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	ctx := context.Background()
	writer := NewStore(openArena(t, path, "", 0), nil)
	reader := NewStore(openArena(t, path, "", 0), nil)
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	writer.Put(ctx, snapshot(0, base))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 30; i++ {
			writer.Put(ctx, snapshot(i, base.Add(time.Duration(i)*time.Second)))
		}
	}()
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 30; j++ {
				got, ok := reader.Get(ctx)
				if !assert.True(t, ok) {
					return
				}
				secs := int(got.FetchedAt.Sub(base) / time.Second)
				assert.Equal(t, secs, len(got.Entries))
			}
		}()
	}
	wg.Wait()
}

func TestArena_OverlappingReadersKeepSharedLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.arena")
	b := openArena(t, path, "", 0)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, map[string][]byte{"a": []byte("1")}))

	// Another open file description stands in for a writer process.
	other, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	tryExclusive := func() error {
		err := unix.Flock(int(other.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			_ = unix.Flock(int(other.Fd()), unix.LOCK_UN)
		}
		return err
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.withLock(unix.LOCK_SH, func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	// A second reader comes and goes while the first is still reading.
	got, err := b.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"])

	assert.ErrorIs(t, tryExclusive(), unix.EWOULDBLOCK, "first reader lost its shared lock")

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, tryExclusive())
	assert.Zero(t, b.readers)
}

func TestEncodeRecords(t *testing.T) {
	in := map[string][]byte{"b": []byte("two"), "a": {}, "c": []byte("three")}
	out, err := decodeRecords(encodeRecords(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeRecords([]byte{5, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrArenaCorrupt)
}
