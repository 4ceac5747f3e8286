// Package cache persists the current catalog snapshot where every cooperating
// process can read it.
//
// A snapshot is two records under one namespace: cached_catalog_data (the
// JSON entry list) and last_update (RFC 3339 timestamp). Backends write both
// records atomically and read both in one consistent operation, so readers
// never observe a torn snapshot.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentic-research/pokefs/internal/catalog"
)

const (
	KeyCatalogData   = "cached_catalog_data"
	KeyLastUpdate    = "last_update"
	DefaultNamespace = "pokefs"
)

// Backend is a namespaced key/value record store shared across processes.
type Backend interface {
	// Write replaces all given records in one atomic operation.
	Write(ctx context.Context, records map[string][]byte) error
	// Read returns the present subset of keys from one consistent view.
	Read(ctx context.Context, keys ...string) (map[string][]byte, error)
	Close() error
}

// Store is the single owner of the current snapshot.
//
// Put never reports failure to its caller: a failed write is logged at error
// level and the previously persisted snapshot stays current. The caller that
// fetched still holds the fresh snapshot in memory.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore wraps a backend. A nil logger uses slog.Default().
func NewStore(b Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: b, logger: logger.With("component", "cache")}
}

// Put persists snap, replacing any earlier snapshot.
func (s *Store) Put(ctx context.Context, snap catalog.Snapshot) {
	entries := snap.Entries
	if entries == nil {
		entries = []catalog.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error("encode snapshot", "error", err)
		return
	}
	err = s.backend.Write(ctx, map[string][]byte{
		KeyCatalogData: data,
		KeyLastUpdate:  []byte(snap.FetchedAt.UTC().Format(time.RFC3339Nano)),
	})
	if err != nil {
		s.logger.Error("persist snapshot failed, previous snapshot stays current",
			"entries", len(entries), "error", err)
		return
	}
	s.logger.Debug("persisted snapshot", "entries", len(entries), "fetched_at", snap.FetchedAt)
}

// Get returns the most recently persisted snapshot. Missing or corrupt data
// reports false; a missing or corrupt timestamp yields a zero FetchedAt.
func (s *Store) Get(ctx context.Context) (catalog.Snapshot, bool) {
	recs, err := s.backend.Read(ctx, KeyCatalogData, KeyLastUpdate)
	if err != nil {
		s.logger.Warn("read snapshot", "error", err)
		return catalog.Snapshot{}, false
	}
	raw, ok := recs[KeyCatalogData]
	if !ok {
		return catalog.Snapshot{}, false
	}
	var entries []catalog.Entry
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		s.logger.Warn("ignoring corrupt cached catalog", "error", err)
		return catalog.Snapshot{}, false
	}
	snap := catalog.Snapshot{Entries: entries}
	if ts, ok := parseTimestamp(recs[KeyLastUpdate]); ok {
		snap.FetchedAt = ts
	}
	return snap, true
}

// LastUpdated returns the FetchedAt of the last successful Put, whether or not
// the entry list itself is still readable.
func (s *Store) LastUpdated(ctx context.Context) (time.Time, bool) {
	recs, err := s.backend.Read(ctx, KeyLastUpdate)
	if err != nil {
		s.logger.Warn("read last update", "error", err)
		return time.Time{}, false
	}
	return parseTimestamp(recs[KeyLastUpdate])
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func parseTimestamp(raw []byte) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

var _ catalog.Publisher = (*Store)(nil)
