package graph

import (
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/pokefs/internal/catalog"
)

// view is the projection of one snapshot. It is immutable once built.
type view struct {
	present   bool
	fetchedAt time.Time
	entries   []catalog.Entry

	root       *Node
	collection *Node
	leaves     []*Node // snapshot order, first occurrence of each numeric ID
	byID       map[uint32]*Node
	byName     map[string]*Node
}

var emptyView = buildView(catalog.Snapshot{}, false)

func buildView(snap catalog.Snapshot, present bool) *view {
	v := &view{
		present:    present,
		fetchedAt:  snap.FetchedAt,
		entries:    slices.Clone(snap.Entries),
		root:       rootNode(snap.FetchedAt),
		collection: collectionNode(snap.FetchedAt),
		leaves:     make([]*Node, 0, len(snap.Entries)),
		byID:       make(map[uint32]*Node, len(snap.Entries)),
		byName:     make(map[string]*Node, len(snap.Entries)),
	}

	claimed := roaring.New()
	for _, e := range snap.Entries {
		id := e.NumericID()
		// First entry wins; later duplicates are not projected.
		if !claimed.CheckedAdd(id) {
			continue
		}
		n := &Node{
			ID:       LeafID(id),
			Kind:     KindLeaf,
			Name:     e.Filename(),
			ParentID: CollectionID,
			Entry:    e,
			ModTime:  snap.FetchedAt,
		}
		v.leaves = append(v.leaves, n)
		v.byID[id] = n
		if _, dup := v.byName[n.Name]; !dup {
			v.byName[n.Name] = n
		}
	}
	return v
}

// matches reports whether v projects snap. Entries are compared as well as
// the timestamp, since a snapshot read without last_update has a zero
// FetchedAt.
func (v *view) matches(snap catalog.Snapshot) bool {
	return v.present && v.fetchedAt.Equal(snap.FetchedAt) && slices.Equal(v.entries, snap.Entries)
}

// hotSwapView holds the most recently built view so repeated reads of an
// unchanged snapshot skip the rebuild.
type hotSwapView struct {
	mu      sync.RWMutex
	current *view
}

func (h *hotSwapView) load() *view {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *hotSwapView) swap(v *view) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = v
}

// forSnapshot returns the cached view when it still describes snap, building
// and swapping in a new one otherwise.
func (h *hotSwapView) forSnapshot(snap catalog.Snapshot) *view {
	if v := h.load(); v != nil && v.matches(snap) {
		return v
	}
	v := buildView(snap, true)
	h.swap(v)
	return v
}
