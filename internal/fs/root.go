// Package fs mounts the projected catalog through FUSE (cgofuse, which also
// drives fuse-t on macOS).
package fs

import (
	"context"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/agentic-research/pokefs/internal/graph"
)

// Signals reports when a container was last asked to re-enumerate.
type Signals interface {
	SignalTime(containerID string) time.Time
}

// PokeFS implements the FUSE interface from cgofuse over a graph.Graph.
type PokeFS struct {
	fuse.FileSystemBase
	Graph     graph.Graph
	signals   Signals
	mountTime time.Time
	timeout   time.Duration

	mu      sync.Mutex
	handles map[uint64][]byte // open file handle -> materialized content
	nextFh  uint64

	initOnce sync.Once
	ready    chan struct{}
}

// NewPokeFS creates a read-only FUSE filesystem over g. signals may be nil.
func NewPokeFS(g graph.Graph, signals Signals) *PokeFS {
	return &PokeFS{
		Graph:     g,
		signals:   signals,
		mountTime: time.Now(),
		timeout:   60 * time.Second,
		handles:   make(map[uint64][]byte),
		ready:     make(chan struct{}),
	}
}

// Init is called by cgofuse once the mount is live.
func (fs *PokeFS) Init() {
	fs.initOnce.Do(func() { close(fs.ready) })
}

// Ready is closed once the filesystem has been initialized by a mount.
func (fs *PokeFS) Ready() <-chan struct{} {
	return fs.ready
}

// Open materializes a leaf into a file handle.
func (fs *PokeFS) Open(path string, flags int) (int, uint64) {
	if flags&(fuse.O_WRONLY|fuse.O_RDWR) != 0 {
		return -fuse.EROFS, ^uint64(0)
	}
	ctx, cancel := fs.context()
	defer cancel()

	node, err := fs.Graph.ResolvePath(ctx, path)
	if err != nil {
		return -fuse.ENOENT, ^uint64(0)
	}
	if node.IsDir() {
		return -fuse.EISDIR, ^uint64(0)
	}
	data, err := fs.Graph.MaterializeContent(node)
	if err != nil {
		return -fuse.EIO, ^uint64(0)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh := fs.nextFh
	fs.nextFh++
	fs.handles[fh] = data
	return 0, fh
}

// Release drops a file handle.
func (fs *PokeFS) Release(path string, fh uint64) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, fh)
	return 0
}

// Getattr (Stat)
func (fs *PokeFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	ctx, cancel := fs.context()
	defer cancel()

	node, err := fs.Graph.ResolvePath(ctx, path)
	if err != nil {
		return -fuse.ENOENT
	}
	return fs.fillStat(node, stat)
}

// Readdir (List directory)
func (fs *PokeFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	ctx, cancel := fs.context()
	defer cancel()

	node, err := fs.Graph.ResolvePath(ctx, path)
	if err != nil {
		return -fuse.ENOENT
	}
	if !node.IsDir() {
		return -fuse.ENOTDIR
	}
	children, err := fs.Graph.ListChildren(ctx, node.ID)
	if err != nil {
		return -fuse.EIO
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, child := range children {
		var st fuse.Stat_t
		if fs.fillStat(child, &st) != 0 {
			continue
		}
		if !fill(child.Name, &st, 0) {
			break
		}
	}
	return 0
}

// Read (Cat file)
func (fs *PokeFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	fs.mu.Lock()
	content, ok := fs.handles[fh]
	fs.mu.Unlock()

	if !ok {
		// Some hosts read without an open handle.
		ctx, cancel := fs.context()
		defer cancel()
		node, err := fs.Graph.ResolvePath(ctx, path)
		if err != nil {
			return -fuse.ENOENT
		}
		if content, err = fs.Graph.MaterializeContent(node); err != nil {
			return -fuse.EISDIR
		}
	}

	if ofst >= int64(len(content)) {
		return 0
	}
	end := ofst + int64(len(buff))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return copy(buff, content[ofst:end])
}

func (fs *PokeFS) fillStat(n *graph.Node, stat *fuse.Stat_t) int {
	modTime := n.ModTime
	if n.IsDir() && fs.signals != nil {
		if sig := fs.signals.SignalTime(n.ID); sig.After(modTime) {
			modTime = sig
		}
	}
	if modTime.IsZero() {
		modTime = fs.mountTime
	}
	ts := fuse.NewTimespec(modTime)
	stat.Atim = ts
	stat.Mtim = ts
	stat.Ctim = ts
	stat.Birthtim = fuse.NewTimespec(fs.mountTime)

	if n.IsDir() {
		stat.Mode = fuse.S_IFDIR | 0o555
		stat.Nlink = 2
		return 0
	}
	data, err := fs.Graph.MaterializeContent(n)
	if err != nil {
		return -fuse.EIO
	}
	stat.Mode = fuse.S_IFREG | 0o444
	stat.Nlink = 1
	stat.Size = int64(len(data))
	return 0
}

func (fs *PokeFS) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), fs.timeout)
}
