package nfsmount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/pokefs/internal/control"
	"github.com/agentic-research/pokefs/internal/domain"
	"github.com/agentic-research/pokefs/internal/graph"
)

var errNotServing = errors.New("nfs export not running")

// HostOptions configures a Host.
type HostOptions struct {
	// Mountpoint, when set, is mounted on Add and unmounted on Remove.
	// Otherwise the export is only served and clients mount it themselves.
	Mountpoint string
	ListenAddr string
	Logger     *slog.Logger
}

// Host is the NFS implementation of domain.Host. Add starts the export,
// Remove stops it, and SignalEnumerator stamps the container in the control
// block so its mtime moves forward.
type Host struct {
	fs      *GraphFS
	control *control.Handle
	opts    HostOptions
	logger  *slog.Logger

	mu  sync.Mutex
	srv *Server

	// swapped out in tests
	mount   func(ctx context.Context, port int, mountpoint string) error
	unmount func(ctx context.Context, mountpoint string) error
	now     func() time.Time
}

// NewHost builds an NFS host over g, recording state in ctl.
func NewHost(g graph.Graph, ctl *control.Handle, opts HostOptions) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Host{
		fs:      NewGraphFS(g, ctl),
		control: ctl,
		opts:    opts,
		logger:  opts.Logger.With("component", "nfs"),
		mount:   Mount,
		unmount: Unmount,
		now:     time.Now,
	}
}

// Port returns the serving port, or 0 when not serving.
func (h *Host) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv == nil {
		return 0
	}
	return h.srv.Port()
}

// Add implements domain.Host.
func (h *Host) Add(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.srv != nil {
		return fmt.Errorf("nfs export already running on port %d", h.srv.Port())
	}
	srv, err := NewServer(h.fs, h.opts.ListenAddr, h.logger)
	if err != nil {
		return err
	}

	location := fmt.Sprintf("nfs://127.0.0.1:%d/", srv.Port())
	if h.opts.Mountpoint != "" {
		if err := h.mount(ctx, srv.Port(), h.opts.Mountpoint); err != nil {
			_ = srv.Close()
			return err
		}
		location = h.opts.Mountpoint
	}
	if err := h.control.SetMountPath(location); err != nil {
		h.logger.Warn("record mount path", "error", err)
	}

	h.srv = srv
	h.logger.Info("nfs export started", "port", srv.Port(), "location", location)
	return nil
}

// Remove implements domain.Host.
func (h *Host) Remove(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.srv == nil {
		return errNotServing
	}
	if h.opts.Mountpoint != "" {
		if err := h.unmount(ctx, h.opts.Mountpoint); err != nil {
			return err
		}
	}
	if err := h.srv.Close(); err != nil {
		h.logger.Warn("close nfs listener", "error", err)
	}
	h.srv = nil
	if err := h.control.SetMountPath(""); err != nil {
		h.logger.Warn("clear mount path", "error", err)
	}
	h.logger.Info("nfs export stopped")
	return nil
}

// SignalEnumerator implements domain.Host.
func (h *Host) SignalEnumerator(_ context.Context, containerID string) error {
	h.mu.Lock()
	serving := h.srv != nil
	h.mu.Unlock()
	if !serving {
		return errNotServing
	}
	gen, err := h.control.Signal(containerID, h.now())
	if err != nil {
		return err
	}
	h.logger.Debug("signalled enumerator", "container", containerID, "generation", gen)
	return nil
}

var _ domain.Host = (*Host)(nil)
