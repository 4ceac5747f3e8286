package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/agentic-research/pokefs/internal/control"
	"github.com/agentic-research/pokefs/internal/domain"
	"github.com/agentic-research/pokefs/internal/graph"
)

var (
	errNotMounted  = errors.New("fuse filesystem not mounted")
	errMountFailed = errors.New("fuse mount failed")
)

// mounter is the part of *fuse.FileSystemHost the Host drives.
type mounter interface {
	Mount(mountpoint string, opts []string) bool
	Unmount() bool
}

// HostOptions configures a Host.
type HostOptions struct {
	Mountpoint string
	Logger     *slog.Logger
}

// Host is the FUSE implementation of domain.Host. Mount blocks inside
// cgofuse, so Add runs it on a goroutine and waits for Init.
type Host struct {
	graph      graph.Graph
	control    *control.Handle
	mountpoint string
	logger     *slog.Logger

	mu      sync.Mutex
	mounted mounter
	done    chan bool

	newMounter func(fs *PokeFS) mounter
	now        func() time.Time
}

// NewHost builds a FUSE host over g, recording state in ctl.
func NewHost(g graph.Graph, ctl *control.Handle, opts HostOptions) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Host{
		graph:      g,
		control:    ctl,
		mountpoint: opts.Mountpoint,
		logger:     opts.Logger.With("component", "fuse"),
		newMounter: func(fs *PokeFS) mounter { return fuse.NewFileSystemHost(fs) },
		now:        time.Now,
	}
}

// mountOptions keeps the mount read-only and owned by the caller, which
// fuse-t on macOS requires.
func mountOptions() []string {
	return []string{
		"-o", "ro",
		"-o", "fsname=pokefs",
		"-o", fmt.Sprintf("uid=%d", os.Getuid()),
		"-o", fmt.Sprintf("gid=%d", os.Getgid()),
	}
}

// Add implements domain.Host.
func (h *Host) Add(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mounted != nil {
		return fmt.Errorf("already mounted at %s", h.mountpoint)
	}
	if h.mountpoint == "" {
		return fmt.Errorf("fuse host needs a mountpoint")
	}

	pfs := NewPokeFS(h.graph, h.control)
	m := h.newMounter(pfs)
	done := make(chan bool, 1)
	go func() {
		done <- m.Mount(h.mountpoint, mountOptions())
	}()

	select {
	case <-pfs.Ready():
	case <-done:
		return fmt.Errorf("%w at %s", errMountFailed, h.mountpoint)
	case <-ctx.Done():
		m.Unmount()
		return fmt.Errorf("mount %s: %w", h.mountpoint, ctx.Err())
	}

	if err := h.control.SetMountPath(h.mountpoint); err != nil {
		h.logger.Warn("record mount path", "error", err)
	}
	h.mounted = m
	h.done = done
	h.logger.Info("mounted", "mountpoint", h.mountpoint)
	return nil
}

// Remove implements domain.Host.
func (h *Host) Remove(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mounted == nil {
		return errNotMounted
	}
	if !h.mounted.Unmount() {
		return fmt.Errorf("unmount %s failed", h.mountpoint)
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("unmount %s: %w", h.mountpoint, ctx.Err())
	}

	h.mounted = nil
	h.done = nil
	if err := h.control.SetMountPath(""); err != nil {
		h.logger.Warn("clear mount path", "error", err)
	}
	h.logger.Info("unmounted", "mountpoint", h.mountpoint)
	return nil
}

// SignalEnumerator implements domain.Host.
func (h *Host) SignalEnumerator(_ context.Context, containerID string) error {
	h.mu.Lock()
	mounted := h.mounted != nil
	h.mu.Unlock()
	if !mounted {
		return errNotMounted
	}
	gen, err := h.control.Signal(containerID, h.now())
	if err != nil {
		return err
	}
	h.logger.Debug("signalled enumerator", "container", containerID, "generation", gen)
	return nil
}

var _ domain.Host = (*Host)(nil)
