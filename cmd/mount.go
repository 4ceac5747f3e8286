package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/pokefs/internal/config"
	"github.com/agentic-research/pokefs/internal/control"
	"github.com/agentic-research/pokefs/internal/domain"
	pokefuse "github.com/agentic-research/pokefs/internal/fs"
	"github.com/agentic-research/pokefs/internal/graph"
	"github.com/agentic-research/pokefs/internal/nfsmount"
	"github.com/agentic-research/pokefs/internal/operator"
)

const disconnectTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [mountpoint]",
		Short: "Project the catalog through the configured host and run until interrupted",
		Long: `serve connects the projected filesystem to its host, refreshes the catalog,
and answers the operator API until SIGINT or SIGTERM, then disconnects.
SIGHUP triggers a refresh.

With the nfs backend and no mountpoint the export is only served; mount it
with: mount -t nfs -o port=<port>,mountport=<port>,nfsvers=3,noacl,tcp 127.0.0.1:/ <dir>`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotMountArg: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.backend, "backend", "", "Host backend: nfs, fuse, none")
	f.StringVar(&a.nfsListen, "nfs-listen", "", "Listen address for the NFS export")
	f.StringVar(&a.opAddr, "operator-addr", "", "Listen address for the operator API (empty disables it)")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(a.logger, "cache", store)

	ctl, err := control.OpenOrCreate(a.cfg.Host.ControlPath)
	if err != nil {
		return err
	}
	defer closeQuietly(a.logger, "control block", ctl)

	client := a.newClient(store)
	proj := a.newProjector(store, client)
	host, err := a.newHost(proj, ctl)
	if err != nil {
		return err
	}
	lc := domain.New(domain.Options{
		Host:    host,
		Fetcher: client,
		Cache:   store,
		Limit:   a.cfg.Catalog.Limit,
		Logger:  a.logger,
	})

	var ln net.Listener
	if addr := a.cfg.Operator.Addr; addr != "" {
		if ln, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("operator api: %w", err)
		}
	}

	if err := lc.Connect(ctx); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return err
	}
	if err := lc.Refresh(ctx); err != nil {
		a.logger.Warn("initial refresh failed, serving cached catalog", "error", err)
	}
	if nfsHost, ok := host.(*nfsmount.Host); ok && a.cfg.Host.Mountpoint == "" {
		a.logger.Info("nfs export ready", "port", nfsHost.Port())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	if ln != nil {
		srv := operator.New(lc, a.logger)
		g.Go(func() error { return srv.Serve(gctx, ln) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				a.logger.Info("SIGHUP received, refreshing")
				if err := lc.Refresh(gctx); err != nil {
					a.logger.Warn("refresh failed", "error", err)
				}
			}
		}
	})
	runErr := g.Wait()

	a.logger.Info("shutting down")
	dctx, cancel := context.WithTimeout(context.WithoutCancel(parent), disconnectTimeout)
	defer cancel()
	if err := lc.Disconnect(dctx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *app) newHost(g graph.Graph, ctl *control.Handle) (domain.Host, error) {
	switch a.cfg.Host.Backend {
	case config.BackendNFS:
		return nfsmount.NewHost(g, ctl, nfsmount.HostOptions{
			Mountpoint: a.cfg.Host.Mountpoint,
			ListenAddr: a.cfg.Host.NFSListen,
			Logger:     a.logger,
		}), nil
	case config.BackendFUSE:
		return pokefuse.NewHost(g, ctl, pokefuse.HostOptions{
			Mountpoint: a.cfg.Host.Mountpoint,
			Logger:     a.logger,
		}), nil
	case config.BackendNone:
		return &headlessHost{control: ctl, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("%w: unknown host backend %q", config.ErrInvalid, a.cfg.Host.Backend)
	}
}

// headlessHost renders nothing. It only keeps the control block current, so
// another process can still follow connection state and refresh signals.
type headlessHost struct {
	control *control.Handle
	now     func() time.Time
}

func (h *headlessHost) Add(context.Context) error {
	h.control.SetConnected(true)
	return nil
}

func (h *headlessHost) Remove(context.Context) error {
	h.control.SetConnected(false)
	return nil
}

func (h *headlessHost) SignalEnumerator(_ context.Context, containerID string) error {
	_, err := h.control.Signal(containerID, h.now())
	return err
}
