package graph

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentic-research/pokefs/internal/catalog"
)

// SnapshotSource yields the current snapshot, if any.
type SnapshotSource interface {
	Get(ctx context.Context) (catalog.Snapshot, bool)
}

// Fetcher produces a fresh snapshot. *catalog.Client satisfies it.
type Fetcher interface {
	FetchCatalog(ctx context.Context, limit int) (catalog.Snapshot, error)
}

// Clock supplies render timestamps for leaf content.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ProjectorOptions configures a Projector.
type ProjectorOptions struct {
	Source SnapshotSource
	// Fetcher, when set, is used once to fill an empty cache before serving.
	// Without it an empty cache projects an empty collection.
	Fetcher Fetcher
	Limit   int
	Clock   Clock
	Logger  *slog.Logger
}

// Projector implements Graph over a SnapshotSource. It holds no snapshot of
// its own: every call reads the source, so a completed refresh is visible to
// the next call.
type Projector struct {
	source  SnapshotSource
	fetcher Fetcher
	limit   int
	clock   Clock
	logger  *slog.Logger

	views hotSwapView
	group singleflight.Group
}

// NewProjector builds a Projector.
func NewProjector(opts ProjectorOptions) *Projector {
	if opts.Limit <= 0 {
		opts.Limit = catalog.DefaultLimit
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Projector{
		source:  opts.Source,
		fetcher: opts.Fetcher,
		limit:   opts.Limit,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "projector"),
	}
}

// Resolve implements Graph.
func (p *Projector) Resolve(ctx context.Context, id string) (*Node, error) {
	switch id {
	case RootID:
		return p.current(ctx).root, nil
	case CollectionID:
		return p.current(ctx).collection, nil
	}
	numericID, ok := parseLeafID(id)
	if !ok {
		return nil, ErrNotFound
	}
	if n, ok := p.current(ctx).byID[numericID]; ok {
		return n, nil
	}
	return nil, ErrNotFound
}

// ListChildren implements Graph. Leaves and unknown identifiers have no
// children to list.
func (p *Projector) ListChildren(ctx context.Context, id string) ([]*Node, error) {
	switch id {
	case RootID:
		return []*Node{p.current(ctx).collection}, nil
	case CollectionID:
		v := p.current(ctx)
		out := make([]*Node, len(v.leaves))
		copy(out, v.leaves)
		return out, nil
	default:
		return nil, ErrNotSupported
	}
}

// MaterializeContent implements Graph. The result differs between calls only
// in its embedded render timestamp, and its length never does.
func (p *Projector) MaterializeContent(n *Node) ([]byte, error) {
	if n == nil || n.Kind != KindLeaf {
		return nil, ErrNotSupported
	}
	return renderLeaf(n.Entry, p.clock.Now()), nil
}

// ListAllKnownNodes implements Graph: root, collection, then every leaf.
func (p *Projector) ListAllKnownNodes(ctx context.Context) ([]*Node, error) {
	v := p.current(ctx)
	out := make([]*Node, 0, len(v.leaves)+2)
	out = append(out, v.root, v.collection)
	out = append(out, v.leaves...)
	return out, nil
}

// ResolvePath maps a host path ("/", "/Pokémon", "/Pokémon/<name>.txt") to a
// node. Paths are slash-separated and may omit the leading slash.
func (p *Projector) ResolvePath(ctx context.Context, hostPath string) (*Node, error) {
	clean := strings.TrimPrefix(path.Clean("/"+hostPath), "/")
	if clean == "" {
		return p.Resolve(ctx, RootID)
	}
	dir, file, nested := strings.Cut(clean, "/")
	if dir != CollectionName || strings.Contains(file, "/") {
		return nil, ErrNotFound
	}
	if !nested {
		return p.Resolve(ctx, CollectionID)
	}
	if n, ok := p.current(ctx).byName[file]; ok {
		return n, nil
	}
	return nil, ErrNotFound
}

// current returns the view of the source's snapshot, filling an empty cache
// through the fetcher when one is configured.
func (p *Projector) current(ctx context.Context) *view {
	snap, ok := p.source.Get(ctx)
	if !ok {
		if p.fetcher == nil {
			return emptyView
		}
		if snap, ok = p.fetchOnEmpty(ctx); !ok {
			return emptyView
		}
	}
	return p.views.forSnapshot(snap)
}

const fallbackKey = "fetch-on-empty"

// fetchOnEmpty coalesces concurrent fallbacks into one fetch. Each caller
// stops waiting when its own context ends; the shared fetch ignores caller
// cancellation and is bounded by the fetcher's own deadline.
func (p *Projector) fetchOnEmpty(ctx context.Context) (catalog.Snapshot, bool) {
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(fallbackKey, func() (any, error) {
		p.logger.Info("cache empty, fetching catalog", "limit", p.limit)
		return p.fetcher.FetchCatalog(shared, p.limit)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			p.logger.Warn("fetch on empty cache failed, serving empty collection", "error", res.Err)
			return catalog.Snapshot{}, false
		}
		return res.Val.(catalog.Snapshot), true
	case <-ctx.Done():
		p.logger.Warn("fetch on empty cache abandoned", "error", ctx.Err())
		return catalog.Snapshot{}, false
	}
}

var _ Graph = (*Projector)(nil)
