package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/pokefs/internal/graph"
)

func newLsCmd(a *app) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of the projected filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, proj, err := a.readSide(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(a.logger, "cache", store)

			target := "/"
			if len(args) == 1 {
				target = args[0]
			}
			n, err := graph.Lookup(ctx, proj, target)
			if err != nil {
				return fmt.Errorf("%s: %w", target, err)
			}

			nodes := []*graph.Node{n}
			if n.IsDir() {
				if nodes, err = proj.ListChildren(ctx, n.ID); err != nil {
					return fmt.Errorf("%s: %w", target, err)
				}
			}
			out := cmd.OutOrStdout()
			for _, c := range nodes {
				name := c.Name
				if c.IsDir() {
					name += "/"
				}
				if long {
					fmt.Fprintf(out, "%-12s %s\n", c.ID, name)
					continue
				}
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Prefix each name with its node identifier")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path|id>",
		Short: "Print the content of a catalog entry file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, proj, err := a.readSide(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(a.logger, "cache", store)

			n, err := graph.Lookup(ctx, proj, args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			content, err := proj.MaterializeContent(n)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
}
