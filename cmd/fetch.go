package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pokefs/internal/control"
	"github.com/agentic-research/pokefs/internal/graph"
)

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the catalog into the shared cache",
		Long: `fetch downloads the catalog listing and replaces the cached snapshot.
If a serve process is connected, its host is signalled to re-enumerate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(a.logger, "cache", store)

			start := time.Now()
			fmt.Fprintf(cmd.OutOrStdout(), "Fetching %d entries from %s...\n", a.cfg.Catalog.Limit, a.cfg.Catalog.BaseURL)
			snap, err := a.newClient(store).FetchCatalog(ctx, a.cfg.Catalog.Limit)
			if err != nil {
				return err
			}
			if err := a.signalConnected(); err != nil {
				a.logger.Warn("could not signal running host", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d entries in %v.\n", snap.Len(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// signalConnected bumps the control block when a connected host exists, so
// its directory mtimes move past the new snapshot.
func (a *app) signalConnected() error {
	path := a.cfg.Host.ControlPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	ctl, err := control.OpenOrCreate(path)
	if err != nil {
		return err
	}
	defer closeQuietly(a.logger, "control block", ctl)

	if !ctl.Connected() {
		return nil
	}
	now := time.Now()
	for _, id := range []string{graph.RootID, graph.CollectionID} {
		if _, err := ctl.Signal(id, now); err != nil {
			return err
		}
	}
	a.logger.Debug("signalled connected host", "generation", ctl.Generation())
	return nil
}
