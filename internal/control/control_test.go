package control

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pokefs/internal/graph"
)

func open(t *testing.T, path string) *Handle {
	t.Helper()
	h, err := OpenOrCreate(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestBlockLayout(t *testing.T) {
	assert.Equal(t, uintptr(ControlSize), unsafe.Sizeof(Block{}))
	assert.Equal(t, uintptr(40), unsafe.Offsetof(Block{}.MountPath))
}

func TestOpenOrCreate_Fresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "control")
	h := open(t, path)

	assert.Equal(t, path, h.Path())
	assert.Zero(t, h.Generation())
	assert.False(t, h.Connected())
	assert.Empty(t, h.MountPath())
	assert.True(t, h.SignalTime(graph.RootID).IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ControlSize), info.Size())
}

func TestOpenOrCreate_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	require.NoError(t, os.WriteFile(path, []byte("LEYC not ours"), 0o644))

	_, err := OpenOrCreate(path)
	assert.ErrorContains(t, err, "invalid control file")
}

func TestSignal_VisibleToSecondOpener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	writer := open(t, path)
	reader := open(t, path)

	at := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	gen, err := writer.Signal(graph.RootID, at)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	gen, err = writer.Signal(graph.CollectionID, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)

	assert.Equal(t, uint64(2), reader.Generation())
	assert.True(t, at.Equal(reader.SignalTime(graph.RootID)))
	assert.True(t, at.Add(time.Second).Equal(reader.SignalTime(graph.CollectionID)))
}

func TestSignal_UnknownContainer(t *testing.T) {
	h := open(t, filepath.Join(t.TempDir(), "control"))

	_, err := h.Signal("item_25", time.Now())
	assert.ErrorIs(t, err, ErrUnknownContainer)
	assert.Zero(t, h.Generation())
	assert.True(t, h.SignalTime("item_25").IsZero())
}

func TestSetMountPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	h := open(t, path)

	require.NoError(t, h.SetMountPath("/mnt/pokemon-long-name"))
	require.NoError(t, h.SetMountPath("/mnt/p"))
	assert.Equal(t, "/mnt/p", h.MountPath(), "shorter path must not keep a stale tail")
	assert.True(t, h.Connected())

	other := open(t, path)
	assert.Equal(t, "/mnt/p", other.MountPath())
	assert.True(t, other.Connected())

	require.NoError(t, h.SetMountPath(""))
	assert.False(t, other.Connected())
	assert.Empty(t, other.MountPath())

	assert.Error(t, h.SetMountPath("/"+strings.Repeat("x", 300)))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	h, err := OpenOrCreate(path)
	require.NoError(t, err)
	_, err = h.Signal(graph.RootID, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, h.Sync())
	require.NoError(t, h.Close())

	again := open(t, path)
	assert.Equal(t, uint64(1), again.Generation())
	assert.Equal(t, int64(1700000000), again.SignalTime(graph.RootID).Unix())
}
