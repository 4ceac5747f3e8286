// Package nfsmount serves the projected catalog over a loopback NFSv3 export.
// It adapts graph.Graph to billy.Filesystem for use with willscott/go-nfs.
package nfsmount

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"

	"github.com/agentic-research/pokefs/internal/graph"
)

var errReadOnly error = syscall.EROFS

// DefaultLookupTimeout bounds a single NFS call, including a fetch on an
// empty cache.
const DefaultLookupTimeout = 60 * time.Second

// Signals reports when a container was last asked to re-enumerate.
type Signals interface {
	SignalTime(containerID string) time.Time
}

// GraphFS is a read-only billy.Filesystem over a graph.Graph. Containers
// report the later of their snapshot time and last signal as mtime, which
// is what makes NFS clients drop cached listings after a refresh.
type GraphFS struct {
	graph   graph.Graph
	signals Signals
	started time.Time
	timeout time.Duration
}

// NewGraphFS wraps g. signals may be nil.
func NewGraphFS(g graph.Graph, signals Signals) *GraphFS {
	return &GraphFS{
		graph:   g,
		signals: signals,
		started: time.Now(),
		timeout: DefaultLookupTimeout,
	}
}

// resolve maps a billy path to its node, reporting a miss as os.ErrNotExist
// under op.
func (fs *GraphFS) resolve(ctx context.Context, op, name string) (*graph.Node, error) {
	n, err := fs.graph.ResolvePath(ctx, name)
	if err != nil {
		return nil, &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
	}
	return n, nil
}

// OpenFile renders the leaf once, so a reader sees one consistent rendering
// for the lifetime of the handle. Any write flag is refused.
func (fs *GraphFS) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	name := absPath(filename)
	ctx, cancel := context.WithTimeout(context.Background(), fs.timeout)
	defer cancel()

	n, err := fs.resolve(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EISDIR}
	}
	rendering, err := fs.graph.MaterializeContent(n)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return newLeafFile(name, rendering), nil
}

func (fs *GraphFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

// Lstat and Stat agree; the tree has no links.
func (fs *GraphFS) Lstat(filename string) (os.FileInfo, error) {
	name := absPath(filename)
	ctx, cancel := context.WithTimeout(context.Background(), fs.timeout)
	defer cancel()

	n, err := fs.resolve(ctx, "lstat", name)
	if err != nil {
		return nil, err
	}
	fi, err := fs.info(n)
	if err != nil {
		return nil, &os.PathError{Op: "lstat", Path: name, Err: err}
	}
	return fi, nil
}

func (fs *GraphFS) Stat(filename string) (os.FileInfo, error) { return fs.Lstat(filename) }

// ReadDir lists a container in projection order. A child that cannot be
// rendered is left out rather than failing the listing.
func (fs *GraphFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	name := absPath(dirname)
	ctx, cancel := context.WithTimeout(context.Background(), fs.timeout)
	defer cancel()

	dir, err := fs.resolve(ctx, "readdir", name)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: syscall.ENOTDIR}
	}
	children, err := fs.graph.ListChildren(ctx, dir.ID)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: err}
	}

	out := make([]os.FileInfo, 0, len(children))
	for _, c := range children {
		if fi, err := fs.info(c); err == nil {
			out = append(out, fi)
		}
	}
	return out, nil
}

func (fs *GraphFS) Chroot(dir string) (billy.Filesystem, error) { return chroot.New(fs, dir), nil }
func (fs *GraphFS) Root() string                                { return "/" }
func (fs *GraphFS) Join(elem ...string) string                  { return path.Join(elem...) }

func (fs *GraphFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// The catalog is read-only: every mutation is refused.

func (fs *GraphFS) Create(string) (billy.File, error)           { return nil, errReadOnly }
func (fs *GraphFS) Rename(string, string) error                 { return errReadOnly }
func (fs *GraphFS) Remove(string) error                         { return errReadOnly }
func (fs *GraphFS) MkdirAll(string, os.FileMode) error          { return errReadOnly }
func (fs *GraphFS) TempFile(string, string) (billy.File, error) { return nil, billy.ErrNotSupported }
func (fs *GraphFS) Symlink(string, string) error                { return billy.ErrNotSupported }
func (fs *GraphFS) Readlink(string) (string, error)             { return "", billy.ErrNotSupported }

// modTime is the node's snapshot time, pushed forward by any newer
// enumerator signal, or the export start when the cache was never filled.
func (fs *GraphFS) modTime(n *graph.Node) time.Time {
	t := n.ModTime
	if n.IsDir() && fs.signals != nil {
		if sig := fs.signals.SignalTime(n.ID); sig.After(t) {
			t = sig
		}
	}
	if t.IsZero() {
		t = fs.started
	}
	return t
}

func (fs *GraphFS) info(n *graph.Node) (*nodeInfo, error) {
	fi := &nodeInfo{name: n.Name, modTime: fs.modTime(n)}
	switch {
	case n.Kind == graph.KindRoot:
		fi.name = "/"
		fi.mode = os.ModeDir | 0o555
	case n.IsDir():
		fi.mode = os.ModeDir | 0o555
	default:
		// The rendered length does not depend on render time, so this is
		// also the size a later open will see.
		rendering, err := fs.graph.MaterializeContent(n)
		if err != nil {
			return nil, err
		}
		fi.mode = 0o444
		fi.size = int64(len(rendering))
	}
	return fi, nil
}

// absPath cleans a billy path into the absolute form the graph resolves.
func absPath(p string) string {
	return path.Clean("/" + p)
}

type nodeInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *nodeInfo) Name() string       { return fi.name }
func (fi *nodeInfo) Size() int64        { return fi.size }
func (fi *nodeInfo) Mode() os.FileMode  { return fi.mode }
func (fi *nodeInfo) ModTime() time.Time { return fi.modTime }
func (fi *nodeInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *nodeInfo) Sys() any           { return nil }

var (
	_ billy.Filesystem = (*GraphFS)(nil)
	_ billy.Capable    = (*GraphFS)(nil)
)
