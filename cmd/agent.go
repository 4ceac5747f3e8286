package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/pokefs/internal/mcpserver"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the projected catalog to an MCP client over stdio",
		Long: `mcp speaks the Model Context Protocol on stdin/stdout so an agent can
resolve, list and read catalog files without a mount. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, proj, err := a.readSide(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(a.logger, "cache", store)

			return mcpserver.New(proj, a.logger).ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
