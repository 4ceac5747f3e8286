// Package graph projects the cached catalog onto a fixed two-level namespace:
// a root container holding one collection container holding one read-only
// text file per catalog entry.
package graph

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/pokefs/internal/catalog"
)

var (
	ErrNotFound     = errors.New("node not found")
	ErrNotSupported = errors.New("operation not supported for node")
)

// Kind tags a Node.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindCollection
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindCollection:
		return "collection"
	case KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

const (
	RootID       = "root"
	CollectionID = "collection"
	leafPrefix   = "item_"

	RootName       = "Pokémon Drive"
	CollectionName = "Pokémon"
)

// Node is one entry in the projected namespace. Nodes handed out by a Graph
// are shared and must not be mutated.
type Node struct {
	ID       string
	Kind     Kind
	Name     string // host-visible filename
	ParentID string
	Entry    catalog.Entry // leaves only
	ModTime  time.Time     // FetchedAt of the snapshot the node came from
}

// IsDir reports whether the node is a container.
func (n *Node) IsDir() bool {
	return n.Kind == KindRoot || n.Kind == KindCollection
}

// Path is the node's absolute host path.
func (n *Node) Path() string {
	switch n.Kind {
	case KindRoot:
		return "/"
	case KindCollection:
		return "/" + CollectionName
	default:
		return "/" + CollectionName + "/" + n.Name
	}
}

// Graph is the capability surface hosts render from. Every call reflects the
// snapshot current at the time of the call.
type Graph interface {
	Resolve(ctx context.Context, id string) (*Node, error)
	ListChildren(ctx context.Context, id string) ([]*Node, error)
	MaterializeContent(n *Node) ([]byte, error)
	ListAllKnownNodes(ctx context.Context) ([]*Node, error)
	ResolvePath(ctx context.Context, path string) (*Node, error)
}

// Lookup resolves target as a host path when it is empty or contains a
// slash, and as a node identifier otherwise.
func Lookup(ctx context.Context, g Graph, target string) (*Node, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.Contains(target, "/") {
		return g.ResolvePath(ctx, target)
	}
	return g.Resolve(ctx, target)
}

// LeafID returns the identifier of the leaf for a numeric catalog ID.
func LeafID(numericID uint32) string {
	return leafPrefix + strconv.FormatUint(uint64(numericID), 10)
}

// parseLeafID accepts only the canonical form produced by LeafID.
func parseLeafID(id string) (uint32, bool) {
	rest, ok := strings.CutPrefix(id, leafPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || strconv.FormatUint(n, 10) != rest {
		return 0, false
	}
	return uint32(n), true
}

func rootNode(modTime time.Time) *Node {
	return &Node{ID: RootID, Kind: KindRoot, Name: RootName, ModTime: modTime}
}

func collectionNode(modTime time.Time) *Node {
	return &Node{ID: CollectionID, Kind: KindCollection, Name: CollectionName, ParentID: RootID, ModTime: modTime}
}
