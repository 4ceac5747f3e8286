// Package domain owns the connect/disconnect/refresh lifecycle of the
// projected filesystem with respect to its host.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/pokefs/internal/catalog"
	"github.com/agentic-research/pokefs/internal/graph"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrHostRejected     = errors.New("host rejected request")
	ErrFetchFailed      = errors.New("catalog fetch failed")
)

// Host registers the projected filesystem with the environment that renders
// it (an NFS export, a FUSE mount).
type Host interface {
	Add(ctx context.Context) error
	Remove(ctx context.Context) error
	// SignalEnumerator asks the host to re-enumerate a container.
	SignalEnumerator(ctx context.Context, containerID string) error
}

// Fetcher refreshes the shared cache. *catalog.Client satisfies it.
type Fetcher interface {
	FetchCatalog(ctx context.Context, limit int) (catalog.Snapshot, error)
}

// Cache is the read side of the shared cache store.
type Cache interface {
	Get(ctx context.Context) (catalog.Snapshot, bool)
	LastUpdated(ctx context.Context) (time.Time, bool)
}

// State is the controller's registration state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Status is what the operator sees.
type Status struct {
	Connected   bool       `json:"connected"`
	State       string     `json:"state"`
	Entries     int        `json:"entries"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// Options configures a Controller.
type Options struct {
	Host    Host
	Fetcher Fetcher
	Cache   Cache // optional, only used by Status
	Limit   int
	Logger  *slog.Logger
}

// Controller runs lifecycle operations one at a time and returns every
// outcome to its caller.
type Controller struct {
	mu      sync.Mutex
	state   State
	host    Host
	fetcher Fetcher
	cache   Cache
	limit   int
	logger  *slog.Logger
}

// New builds a disconnected Controller.
func New(opts Options) *Controller {
	if opts.Limit <= 0 {
		opts.Limit = catalog.DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		host:    opts.Host,
		fetcher: opts.Fetcher,
		cache:   opts.Cache,
		limit:   opts.Limit,
		logger:  opts.Logger.With("component", "domain"),
	}
}

// Connect registers with the host.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return ErrAlreadyConnected
	}
	if err := c.host.Add(ctx); err != nil {
		c.logger.Error("connect failed", "error", err)
		return fmt.Errorf("%w: add domain: %w", ErrHostRejected, err)
	}
	c.state = StateConnected
	c.logger.Info("connected")
	return nil
}

// Disconnect unregisters from the host. On host failure the controller stays
// connected, since the registration may still be live.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}
	if err := c.host.Remove(ctx); err != nil {
		c.logger.Error("disconnect failed", "error", err)
		return fmt.Errorf("%w: remove domain: %w", ErrHostRejected, err)
	}
	c.state = StateDisconnected
	c.logger.Info("disconnected")
	return nil
}

// Refresh fetches the catalog into the shared cache and asks the host to
// re-enumerate the root and the collection. It never changes state.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}
	snap, err := c.fetcher.FetchCatalog(ctx, c.limit)
	if err != nil {
		c.logger.Error("refresh fetch failed", "error", err)
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	for _, id := range []string{graph.RootID, graph.CollectionID} {
		if err := c.host.SignalEnumerator(ctx, id); err != nil {
			c.logger.Error("signal enumerator failed", "container", id, "error", err)
			return fmt.Errorf("%w: signal %s: %w", ErrHostRejected, id, err)
		}
	}
	c.logger.Info("refreshed", "entries", snap.Len())
	return nil
}

// State returns the current registration state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the registration state together with what the cache holds.
func (c *Controller) Status(ctx context.Context) Status {
	state := c.State()
	st := Status{Connected: state == StateConnected, State: state.String()}
	if c.cache == nil {
		return st
	}
	if snap, ok := c.cache.Get(ctx); ok {
		st.Entries = snap.Len()
	}
	if ts, ok := c.cache.LastUpdated(ctx); ok {
		st.LastUpdated = &ts
	}
	return st
}
