package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pokefs/internal/catalog"
)

func openStore(t *testing.T) (*Store, *SQLiteBackend) {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "shared.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return NewStore(b, nil), b
}

func snapshot(n int, at time.Time) catalog.Snapshot {
	entries := make([]catalog.Entry, n)
	for i := range entries {
		entries[i] = catalog.Entry{
			Name: fmt.Sprintf("mon-%d", i+1),
			URL:  fmt.Sprintf("https://pokeapi.co/api/v2/pokemon/%d/", i+1),
		}
	}
	return catalog.Snapshot{Entries: entries, FetchedAt: at}
}

func TestStore_GetEmpty(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	_, ok := s.Get(ctx)
	assert.False(t, ok)
	_, ok = s.LastUpdated(ctx)
	assert.False(t, ok)
}

func TestStore_RoundTrip(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	at := time.Date(2025, 10, 1, 8, 30, 15, 123456789, time.UTC)

	want := snapshot(151, at)
	s.Put(ctx, want)

	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, want, got)

	ts, ok := s.LastUpdated(ctx)
	require.True(t, ok)
	assert.True(t, at.Equal(ts))
}

func TestStore_EmptySnapshotIsPresent(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	at := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	s.Put(ctx, catalog.Snapshot{FetchedAt: at})

	got, ok := s.Get(ctx)
	require.True(t, ok, "a stored empty list is distinct from absence")
	assert.Empty(t, got.Entries)
	assert.NotNil(t, got.Entries)
}

func TestStore_PutReplaces(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	s.Put(ctx, snapshot(3, t0))
	s.Put(ctx, snapshot(2, t0.Add(time.Hour)))

	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.Len(t, got.Entries, 2)
	assert.Equal(t, t0.Add(time.Hour), got.FetchedAt)
}

func TestStore_NonUTCTimestampNormalized(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	zone := time.FixedZone("UTC+9", 9*3600)
	at := time.Date(2025, 10, 1, 18, 0, 0, 0, zone)

	s.Put(ctx, snapshot(1, at))
	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.True(t, at.Equal(got.FetchedAt))
	assert.Equal(t, time.UTC, got.FetchedAt.Location())
}

func TestStore_CorruptDataIsAbsent(t *testing.T) {
	s, b := openStore(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, map[string][]byte{
		KeyCatalogData: []byte("{not json"),
		KeyLastUpdate:  []byte("2025-10-01T00:00:00Z"),
	}))

	_, ok := s.Get(ctx)
	assert.False(t, ok)

	// The timestamp record is independent of the entry list.
	ts, ok := s.LastUpdated(ctx)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), ts)
}

func TestStore_CorruptTimestamp(t *testing.T) {
	s, b := openStore(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, map[string][]byte{
		KeyCatalogData: []byte(`[{"name":"pikachu","url":"https://pokeapi.co/api/v2/pokemon/25/"}]`),
		KeyLastUpdate:  []byte("yesterday"),
	}))

	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.Len(t, got.Entries, 1)
	assert.True(t, got.FetchedAt.IsZero())

	_, ok = s.LastUpdated(ctx)
	assert.False(t, ok)
}

func TestStore_NullListIsAbsent(t *testing.T) {
	s, b := openStore(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, map[string][]byte{KeyCatalogData: []byte("null")}))

	_, ok := s.Get(ctx)
	assert.False(t, ok)
}

func TestStore_SharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	writer, err := OpenSQLite(path, "pokefs")
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()
	reader, err := OpenSQLite(path, "pokefs")
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	other, err := OpenSQLite(path, "elsewhere")
	require.NoError(t, err)
	defer func() { _ = other.Close() }()

	at := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	NewStore(writer, nil).Put(ctx, snapshot(5, at))

	got, ok := NewStore(reader, nil).Get(ctx)
	require.True(t, ok)
	assert.Len(t, got.Entries, 5)

	_, ok = NewStore(other, nil).Get(ctx)
	assert.False(t, ok, "namespaces are isolated")
}

type failingBackend struct {
	Backend
	writeErr error
}

func (f *failingBackend) Write(context.Context, map[string][]byte) error { return f.writeErr }

func TestStore_WriteFailureKeepsPrevious(t *testing.T) {
	_, b := openStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	NewStore(b, nil).Put(ctx, snapshot(3, t0))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	s := NewStore(&failingBackend{Backend: b, writeErr: errors.New("disk full")}, logger)

	s.Put(ctx, snapshot(9, t0.Add(time.Hour)))

	got, ok := s.Get(ctx)
	require.True(t, ok)
	assert.Len(t, got.Entries, 3)
	assert.Equal(t, t0, got.FetchedAt)
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "disk full")
}

type erroringReader struct{ Backend }

func (erroringReader) Read(context.Context, ...string) (map[string][]byte, error) {
	return nil, errors.New("unavailable")
}

func TestStore_ReadFailureIsAbsent(t *testing.T) {
	s := NewStore(erroringReader{}, nil)
	_, ok := s.Get(context.Background())
	assert.False(t, ok)
	_, ok = s.LastUpdated(context.Background())
	assert.False(t, ok)
}

func TestStore_NoTornReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	wb, err := OpenSQLite(path, "")
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rb, err := OpenSQLite(path, "")
	require.NoError(t, err)
	defer func() { _ = rb.Close() }()

	writer := NewStore(wb, nil)
	reader := NewStore(rb, nil)
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	// Snapshot i has i entries and FetchedAt base+i seconds, so any mix of
	// two snapshots shows up as a length/timestamp mismatch.
	writer.Put(ctx, snapshot(0, base))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 40; i++ {
			writer.Put(ctx, snapshot(i, base.Add(time.Duration(i)*time.Second)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 40; j++ {
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

func TestNamespacePrefix(t *testing.T) {
	assert.Equal(t, "pokefs:", namespacePrefix("pokefs"))
	assert.Equal(t, "group.app:", namespacePrefix("group.app:"))
	assert.Equal(t, "pokefs:cached_catalog_data", NewRedisBackend(nil, "").key(KeyCatalogData))
}
