package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pokefs/internal/control"
)

// localStatus is what status reports without talking to a serve process:
// the control block and the shared cache are both readable by any process.
type localStatus struct {
	Connected   bool       `json:"connected"`
	MountPath   string     `json:"mount_path,omitempty"`
	Generation  uint64     `json:"generation"`
	Entries     int        `json:"entries"`
	Cached      bool       `json:"cached"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection state and cache contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(a.logger, "cache", store)

			var st localStatus
			if snap, ok := store.Get(ctx); ok {
				st.Cached = true
				st.Entries = snap.Len()
			}
			if ts, ok := store.LastUpdated(ctx); ok {
				st.LastUpdated = &ts
			}
			if err := a.readControl(&st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			state := "disconnected"
			if st.Connected {
				state = "connected"
			}
			fmt.Fprintf(tw, "state:\t%s\n", state)
			if st.MountPath != "" {
				fmt.Fprintf(tw, "mount:\t%s\n", st.MountPath)
			}
			fmt.Fprintf(tw, "generation:\t%d\n", st.Generation)
			fmt.Fprintf(tw, "entries:\t%d\n", st.Entries)
			if st.LastUpdated != nil {
				fmt.Fprintf(tw, "last update:\t%s\n", st.LastUpdated.Format(time.RFC3339))
			} else {
				fmt.Fprintf(tw, "last update:\tnever\n")
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

// readControl fills the connection fields from the control block. A missing
// control file means nothing has ever connected.
func (a *app) readControl(st *localStatus) error {
	path := a.cfg.Host.ControlPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	ctl, err := control.OpenOrCreate(path)
	if err != nil {
		return err
	}
	defer closeQuietly(a.logger, "control block", ctl)

	st.Connected = ctl.Connected()
	st.MountPath = ctl.MountPath()
	st.Generation = ctl.Generation()
	return nil
}
